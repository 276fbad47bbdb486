package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable is returned by a Catalog while no database connection is
// open, for example between supervisor generations.
var ErrUnavailable = errors.New("catalog unavailable")

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// storeError maps a catalog failure to a response.
func storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrUnavailable) {
		httpError(w, http.StatusServiceUnavailable, "unavailable_error", "%s: database is reconnecting", op)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", op, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
