package engine

import (
	"fmt"
	"time"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend       string
	OllamaBaseURL string
	Timeout       time.Duration
}

// Detect returns the engine named by cfg.Backend. An empty backend means
// Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", "ollama":
		if cfg.OllamaBaseURL == "" {
			return nil, fmt.Errorf("ollama base URL is not configured")
		}
		return NewOllamaEngine(cfg.OllamaBaseURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}
