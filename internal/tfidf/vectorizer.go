// Package tfidf fits and applies a TF-IDF vectorizer over catalog text.
//
// Tokens are runs of two or more letters, digits or underscores, lowercased.
// The vocabulary keeps the MaxFeatures terms with the highest corpus
// frequency and is indexed alphabetically. Weights use the smoothed inverse
// document frequency ln((1+n)/(1+df))+1 and every vector is L2-normalized.
package tfidf

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxFeatures bounds the vocabulary size.
const DefaultMaxFeatures = 4096

// ErrEmptyVocabulary is returned when fitting finds no usable term.
var ErrEmptyVocabulary = errors.New("empty vocabulary: corpus has only stop words or no text")

//go:embed stopwords_fr.txt
var frenchStopWords string

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// DefaultStopWords returns the built-in French stop-word list.
func DefaultStopWords() []string {
	return parseStopWords(frenchStopWords)
}

// LoadStopWords reads a stop-word file with one word per line.
func LoadStopWords(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stop words: %w", err)
	}
	return parseStopWords(string(data)), nil
}

func parseStopWords(s string) []string {
	var words []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if w := strings.TrimSpace(sc.Text()); w != "" {
			words = append(words, strings.ToLower(w))
		}
	}
	return words
}

// Tokenize splits text into lowercase tokens, dropping stop words.
func Tokenize(text string, stop map[string]bool) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := raw[:0]
	for _, tok := range raw {
		if !stop[tok] {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// Options configures Fit.
type Options struct {
	MaxFeatures int
	// StopWords replaces the built-in list when non-nil.
	StopWords []string
}

// Vectorizer is fitted TF-IDF model state. It is immutable after Fit and
// safe for concurrent use.
type Vectorizer struct {
	terms []string
	index map[string]int
	idf   []float64
	stop  map[string]bool
}

// Fit learns the vocabulary and idf weights of docs.
func Fit(docs []string, opts Options) (*Vectorizer, error) {
	if opts.MaxFeatures <= 0 {
		opts.MaxFeatures = DefaultMaxFeatures
	}
	stopWords := opts.StopWords
	if stopWords == nil {
		stopWords = DefaultStopWords()
	}
	stop := make(map[string]bool, len(stopWords))
	for _, w := range stopWords {
		stop[w] = true
	}

	termFreq := make(map[string]int)
	docFreq := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, tok := range Tokenize(doc, stop) {
			termFreq[tok]++
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}
	if len(termFreq) == 0 {
		return nil, ErrEmptyVocabulary
	}

	terms := make([]string, 0, len(termFreq))
	for t := range termFreq {
		terms = append(terms, t)
	}
	if len(terms) > opts.MaxFeatures {
		sort.Slice(terms, func(i, j int) bool {
			if termFreq[terms[i]] != termFreq[terms[j]] {
				return termFreq[terms[i]] > termFreq[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:opts.MaxFeatures]
	}
	sort.Strings(terms)

	n := float64(len(docs))
	idf := make([]float64, len(terms))
	for i, t := range terms {
		idf[i] = math.Log((1+n)/(1+float64(docFreq[t]))) + 1
	}
	return newVectorizer(terms, idf, stop), nil
}

func newVectorizer(terms []string, idf []float64, stop map[string]bool) *Vectorizer {
	index := make(map[string]int, len(terms))
	for i, t := range terms {
		index[t] = i
	}
	return &Vectorizer{terms: terms, index: index, idf: idf, stop: stop}
}

// Features returns the vector length.
func (v *Vectorizer) Features() int {
	return len(v.terms)
}

// Terms returns the vocabulary in index order.
func (v *Vectorizer) Terms() []string {
	return append([]string(nil), v.terms...)
}

// Transform returns the dense, L2-normalized TF-IDF vector of text. Text
// without any known term maps to the zero vector.
func (v *Vectorizer) Transform(text string) []float32 {
	weights := make([]float64, len(v.terms))
	for _, tok := range Tokenize(text, v.stop) {
		if i, ok := v.index[tok]; ok {
			weights[i]++
		}
	}
	var norm float64
	for i, c := range weights {
		if c == 0 {
			continue
		}
		weights[i] = c * v.idf[i]
		norm += weights[i] * weights[i]
	}
	out := make([]float32, len(weights))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, w := range weights {
		out[i] = float32(w / norm)
	}
	return out
}
