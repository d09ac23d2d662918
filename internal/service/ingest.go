// Package service orchestrates document ingestion: loading, chunking,
// embedding, and indexing.
package service

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"selfrag/internal/domain"
	"selfrag/internal/embedding"
	"selfrag/internal/vectorstore"
)

// Ingestor loads documents into the vector store and keeps the chunked
// corpus for retrieval fallback.
type Ingestor struct {
	chunker             domain.Chunker
	embedder            embedding.Embedder
	store               vectorstore.Storage
	summarizer          domain.Summarizer
	summaryMaxSentences int
	chunks              []domain.Chunk
	logger              *slog.Logger
}

// NewIngestor wires the ingestion components.
func NewIngestor(chunker domain.Chunker, embedder embedding.Embedder, store vectorstore.Storage, summarizer domain.Summarizer, summaryMaxSentences int, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		chunker:             chunker,
		embedder:            embedder,
		store:               store,
		summarizer:          summarizer,
		summaryMaxSentences: summaryMaxSentences,
		logger:              logger,
	}
}

// Chunks returns the chunked corpus from the last ingestion.
func (s *Ingestor) Chunks() []domain.Chunk { return s.chunks }

// IngestDocuments loads, chunks, embeds, and indexes the given files or glob
// patterns, replacing any previous index contents. It returns a brief corpus
// summary.
func (s *Ingestor) IngestDocuments(paths []string) (string, error) {
	documents, err := s.loadDocuments(paths)
	if err != nil {
		return "", err
	}
	if len(documents) == 0 {
		return "", fmt.Errorf("no supported documents found (want .txt or .md)")
	}

	var allChunks []domain.Chunk
	var allTexts []string
	var corpus strings.Builder
	for _, d := range documents {
		chunks, err := s.chunker.Chunk(d)
		if err != nil {
			return "", fmt.Errorf("chunking %s: %w", d.Path, err)
		}
		for _, ch := range chunks {
			allChunks = append(allChunks, ch)
			allTexts = append(allTexts, ch.Text)
		}
		corpus.WriteString("\n")
		corpus.WriteString(d.Content)
	}
	s.chunks = allChunks

	if err := s.embedder.Prepare(allTexts); err != nil {
		return "", fmt.Errorf("preparing embedder: %w", err)
	}
	if err := s.store.Init(s.embedder.Dimension()); err != nil {
		return "", fmt.Errorf("initializing store: %w", err)
	}
	vectors := make([][]float64, len(allChunks))
	for i := range allChunks {
		vec, err := s.embedder.Embed(allChunks[i].Text)
		if err != nil {
			return "", fmt.Errorf("embedding chunk %s: %w", allChunks[i].ChunkID, err)
		}
		vectors[i] = vec
	}
	if err := s.store.Clear(); err != nil {
		return "", err
	}
	if err := s.store.Upsert(allChunks, vectors); err != nil {
		return "", fmt.Errorf("indexing chunks: %w", err)
	}
	s.logger.Info("documents ingested", "documents", len(documents), "chunks", len(allChunks))

	summary, err := s.summarizer.Summarize(corpus.String(), s.summaryMaxSentences)
	if err != nil {
		return "", fmt.Errorf("summarizing corpus: %w", err)
	}
	return summary, nil
}

// snapshotStore is the optional persistence surface of a vector store.
type snapshotStore interface {
	Load(path string) error
	Chunks() []domain.Chunk
}

// LoadIndex restores the vector store from a snapshot file and re-fits the
// embedder on the restored chunk texts, recovering the embedding space the
// snapshot was built with. It returns a brief corpus summary.
func (s *Ingestor) LoadIndex(path string) (string, error) {
	snap, ok := s.store.(snapshotStore)
	if !ok {
		return "", fmt.Errorf("store %T does not support snapshots", s.store)
	}
	if err := snap.Load(path); err != nil {
		return "", fmt.Errorf("loading snapshot: %w", err)
	}
	chunks := snap.Chunks()
	if len(chunks) == 0 {
		return "", fmt.Errorf("snapshot %s holds no chunks", path)
	}
	texts := make([]string, len(chunks))
	var corpus strings.Builder
	for i, ch := range chunks {
		texts[i] = ch.Text
		corpus.WriteString("\n")
		corpus.WriteString(ch.Text)
	}
	if err := s.embedder.Prepare(texts); err != nil {
		return "", fmt.Errorf("preparing embedder: %w", err)
	}
	s.chunks = chunks
	s.logger.Info("index restored from snapshot", "path", path, "chunks", len(chunks))

	summary, err := s.summarizer.Summarize(corpus.String(), s.summaryMaxSentences)
	if err != nil {
		return "", fmt.Errorf("summarizing corpus: %w", err)
	}
	return summary, nil
}

func (s *Ingestor) loadDocuments(paths []string) ([]domain.Document, error) {
	var documents []domain.Document
	for _, p := range paths {
		if strings.Contains(p, "..") {
			s.logger.Warn("skipping path with traversal", "path", p)
			continue
		}
		matches, _ := filepath.Glob(p)
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			ext := strings.ToLower(filepath.Ext(m))
			if ext != ".txt" && ext != ".md" {
				continue
			}
			data, err := os.ReadFile(m)
			if err != nil {
				return nil, err
			}
			documents = append(documents, domain.Document{
				ID:      hashString(m),
				Path:    m,
				Content: string(data),
			})
		}
	}
	return documents, nil
}

func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:8])
}
