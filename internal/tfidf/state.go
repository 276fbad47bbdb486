package tfidf

import (
	"encoding/json"
	"fmt"
	"sort"
)

type state struct {
	Terms     []string  `json:"terms"`
	IDF       []float64 `json:"idf"`
	StopWords []string  `json:"stop_words"`
}

// MarshalJSON encodes the fitted state.
func (v *Vectorizer) MarshalJSON() ([]byte, error) {
	st := state{Terms: v.terms, IDF: v.idf}
	for w := range v.stop {
		st.StopWords = append(st.StopWords, w)
	}
	sort.Strings(st.StopWords)
	return json.Marshal(st)
}

// UnmarshalJSON restores state written by MarshalJSON.
func (v *Vectorizer) UnmarshalJSON(data []byte) error {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.Terms) != len(st.IDF) {
		return fmt.Errorf("tfidf state has %d terms but %d idf weights", len(st.Terms), len(st.IDF))
	}
	if len(st.Terms) == 0 {
		return ErrEmptyVocabulary
	}
	stop := make(map[string]bool, len(st.StopWords))
	for _, w := range st.StopWords {
		stop[w] = true
	}
	*v = *newVectorizer(st.Terms, st.IDF, stop)
	return nil
}
