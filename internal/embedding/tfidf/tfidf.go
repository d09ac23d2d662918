// Package tfidf implements an offline TF-IDF embedder. The vocabulary and
// IDF weights are fit on the ingested corpus, so retrieval needs no remote
// calls and stays deterministic across runs.
package tfidf

import (
	"errors"
	"math"
	"sort"

	"selfrag/internal/embedding"
)

// Embedder vectorizes text against a corpus-fitted vocabulary. Embed returns
// L2-normalized vectors; text fully outside the vocabulary embeds to zero.
type Embedder struct {
	vocabulary map[string]int
	idf        []float64
	stopwords  map[string]struct{}
	prepared   bool
}

// NewEmbedder creates an unfitted embedder; Prepare must run before Embed.
func NewEmbedder() *Embedder {
	return &Embedder{stopwords: embedding.StopwordSet()}
}

func (e *Embedder) Name() string { return "tfidf" }

// Dimension is the vocabulary size; zero until Prepare has run.
func (e *Embedder) Dimension() int { return len(e.idf) }

// Prepare fits the vocabulary and smoothed IDF weights on the corpus. Terms
// are indexed in sorted order, so two embedders fit on the same corpus
// produce identical vectors.
func (e *Embedder) Prepare(corpus []string) error {
	if len(corpus) == 0 {
		return errors.New("tfidf: empty corpus")
	}
	df := make(map[string]int)
	for _, text := range corpus {
		seen := make(map[string]struct{})
		for _, tok := range e.tokens(text) {
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}
	if len(df) == 0 {
		return errors.New("tfidf: corpus has no tokens outside the stopword set")
	}

	terms := make([]string, 0, len(df))
	for term := range df {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	e.vocabulary = make(map[string]int, len(terms))
	e.idf = make([]float64, len(terms))
	n := float64(len(corpus))
	for i, term := range terms {
		e.vocabulary[term] = i
		e.idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
	e.prepared = true
	return nil
}

// Embed computes the L2-normalized TF-IDF vector for the given text.
func (e *Embedder) Embed(text string) ([]float64, error) {
	if !e.prepared {
		return nil, errors.New("tfidf: embedder not prepared")
	}
	vec := make([]float64, len(e.idf))
	counts := make(map[int]int)
	total := 0
	for _, tok := range e.tokens(text) {
		if idx, ok := e.vocabulary[tok]; ok {
			counts[idx]++
			total++
		}
	}
	if total == 0 {
		return vec, nil
	}
	for idx, count := range counts {
		vec[idx] = float64(count) / float64(total) * e.idf[idx]
	}
	normalize(vec)
	return vec, nil
}

func (e *Embedder) tokens(text string) []string {
	raw := embedding.Tokenize(text)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := e.stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func normalize(vec []float64) {
	sum := 0.0
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] /= norm
	}
}
