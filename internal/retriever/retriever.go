// Package retriever adapts the embedding index to the pipeline's retrieval
// capability.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"selfrag/internal/domain"
	"selfrag/internal/embedding"
	"selfrag/internal/vectorstore"
)

// VectorRetriever embeds a question and searches the vector store for the
// top-K most similar chunks. When the question embeds to a zero vector (all
// tokens out of vocabulary) it falls back to lexical overlap ranking over
// the indexed chunks.
type VectorRetriever struct {
	embedder embedding.Embedder
	store    vectorstore.Storage
	chunks   []domain.Chunk
	logger   *slog.Logger
}

// New creates a retriever over an already-populated store. chunks is the
// indexed corpus, used only for the lexical fallback.
func New(embedder embedding.Embedder, store vectorstore.Storage, chunks []domain.Chunk, logger *slog.Logger) *VectorRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorRetriever{embedder: embedder, store: store, chunks: chunks, logger: logger}
}

// Retrieve returns up to k passages for the question, most similar first.
// No results is an empty slice, never an error.
func (r *VectorRetriever) Retrieve(ctx context.Context, question string, k int) ([]domain.Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec, err := r.embedder.Embed(question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	if isZero(vec) {
		r.logger.Debug("question embeds to zero vector, using lexical fallback")
		return r.lexical(question, k), nil
	}
	results, err := r.store.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	allZero := true
	for _, res := range results {
		if res.Score > 1e-9 {
			allZero = false
			break
		}
	}
	if allZero {
		return r.lexical(question, k), nil
	}
	return toPassages(results), nil
}

func toPassages(results []domain.SearchResult) []domain.Passage {
	passages := make([]domain.Passage, 0, len(results))
	for _, res := range results {
		passages = append(passages, domain.Passage{
			Text:  res.Chunk.Text,
			Score: res.Score,
			Metadata: map[string]string{
				domain.MetaSource:     res.Chunk.Source,
				domain.MetaChunkIndex: strconv.Itoa(res.Chunk.Index),
			},
		})
	}
	return passages
}

func (r *VectorRetriever) lexical(question string, k int) []domain.Passage {
	qset := tokenSet(question)
	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(r.chunks))
	for i, ch := range r.chunks {
		scores[i] = scored{i, ochiai(qset, ch.Text)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if k <= 0 {
		k = 5
	}
	if k > len(scores) {
		k = len(scores)
	}
	results := make([]domain.SearchResult, 0, k)
	for i := 0; i < k; i++ {
		if scores[i].score <= 0 {
			break
		}
		results = append(results, domain.SearchResult{Chunk: r.chunks[scores[i].idx], Score: scores[i].score})
	}
	return toPassages(results)
}

func tokenSet(s string) map[string]struct{} {
	tokens := embedding.Tokenize(s)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

// ochiai computes |A∩B| / sqrt(|A||B|) over token sets.
func ochiai(qset map[string]struct{}, text string) float64 {
	tokens := embedding.Tokenize(text)
	seen := make(map[string]struct{}, len(tokens))
	inter := 0
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := qset[t]; ok {
			inter++
		}
	}
	if len(qset) == 0 || len(seen) == 0 {
		return 0
	}
	return float64(inter) / (math.Sqrt(float64(len(qset))) * math.Sqrt(float64(len(seen))))
}

func isZero(vec []float64) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
