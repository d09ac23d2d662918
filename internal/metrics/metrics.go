// Package metrics collects per-query pipeline results and serves an
// aggregate view computed on demand.
package metrics

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"selfrag/internal/domain"
)

// QueryRecord is one recorded pipeline result with its wall-clock timestamp.
type QueryRecord struct {
	QueryID             string  `json:"query_id"`
	Timestamp           string  `json:"timestamp"`
	Question            string  `json:"question"`
	TotalLatencyMs      float64 `json:"total_latency_ms"`
	RetrievalLatencyMs  float64 `json:"retrieval_latency_ms"`
	FilterLatencyMs     float64 `json:"filter_latency_ms"`
	GenerationLatencyMs float64 `json:"generation_latency_ms"`
	EvaluationLatencyMs float64 `json:"evaluation_latency_ms"`
	DocumentsRetrieved  int     `json:"documents_retrieved"`
	DocumentsUsed       int     `json:"documents_used"`
	FinalScore          int     `json:"final_score"`
	Supported           bool    `json:"supported"`
	Attempts            int     `json:"correction_attempts"`
	Success             bool    `json:"success"`
	ErrorMessage        string  `json:"error_message,omitempty"`
}

// Aggregate is computed across all recorded queries on demand; it is never
// cached incrementally.
type Aggregate struct {
	TotalQueries      int             `json:"total_queries"`
	SuccessfulQueries int             `json:"successful_queries"`
	FailedQueries     int             `json:"failed_queries"`
	SuccessRate       float64         `json:"success_rate"`
	AvgLatencyMs      float64         `json:"avg_latency_ms"`
	MinLatencyMs      float64         `json:"min_latency_ms"`
	MaxLatencyMs      float64         `json:"max_latency_ms"`
	AvgScore          float64         `json:"avg_score"`
	ScoreDistribution map[int]int     `json:"score_distribution"`
	AvgAttempts       float64         `json:"avg_attempts"`
	AvgRejectionRate  float64         `json:"avg_filter_rejection_rate"`
}

// Collector is an append-only recorder of query results. It is safe for
// concurrent use from parallel queries and never fails the caller: internal
// errors are logged and swallowed.
type Collector struct {
	mu      sync.Mutex
	enabled bool
	file    string
	records []QueryRecord
	logger  *slog.Logger
}

// NewCollector creates a collector. When file is non-empty, every record
// rewrites a JSON export at that path.
func NewCollector(enabled bool, file string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{enabled: enabled, file: file, logger: logger}
}

// Record appends the result of a completed query. It never blocks the
// pipeline and never returns an error.
func (c *Collector) Record(res domain.Result) {
	if c == nil || !c.enabled {
		return
	}
	rec := QueryRecord{
		QueryID:             res.QueryID,
		Timestamp:           time.Now().Format(time.RFC3339),
		Question:            res.Question,
		TotalLatencyMs:      ms(res.Latencies.Total),
		RetrievalLatencyMs:  ms(res.Latencies.Retrieval),
		FilterLatencyMs:     ms(res.Latencies.Filter),
		GenerationLatencyMs: ms(res.Latencies.Generation),
		EvaluationLatencyMs: ms(res.Latencies.Evaluation),
		DocumentsRetrieved:  res.DocumentsRetrieved,
		DocumentsUsed:       res.DocumentsUsed,
		FinalScore:          res.Evaluation.Score,
		Supported:           res.Evaluation.Supported,
		Attempts:            res.Attempts,
		Success:             res.Success,
		ErrorMessage:        res.ErrorMessage,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	if c.file != "" {
		if err := c.saveLocked(); err != nil {
			c.logger.Error("saving metrics export", "error", err)
		}
	}
}

type export struct {
	LastUpdated string        `json:"last_updated"`
	Queries     []QueryRecord `json:"queries"`
}

func (c *Collector) saveLocked() error {
	data, err := json.MarshalIndent(export{
		LastUpdated: time.Now().Format(time.RFC3339),
		Queries:     c.records,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.file), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.file, data, 0o644)
}

// LoadRecords reads a previously written metrics export.
func LoadRecords(path string) ([]QueryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e export
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e.Queries, nil
}

// Aggregate computes summary statistics across all recorded queries.
func (c *Collector) Aggregate() Aggregate {
	c.mu.Lock()
	records := make([]QueryRecord, len(c.records))
	copy(records, c.records)
	c.mu.Unlock()
	return AggregateRecords(records)
}

// AggregateRecords computes summary statistics for a set of query records.
func AggregateRecords(records []QueryRecord) Aggregate {
	agg := Aggregate{ScoreDistribution: map[int]int{}}
	agg.TotalQueries = len(records)
	if agg.TotalQueries == 0 {
		return agg
	}

	var latSum, scoreSum, attemptSum, rejSum float64
	rejCount := 0
	for _, r := range records {
		if !r.Success {
			agg.FailedQueries++
			continue
		}
		agg.SuccessfulQueries++
		latSum += r.TotalLatencyMs
		if agg.MinLatencyMs == 0 || r.TotalLatencyMs < agg.MinLatencyMs {
			agg.MinLatencyMs = r.TotalLatencyMs
		}
		if r.TotalLatencyMs > agg.MaxLatencyMs {
			agg.MaxLatencyMs = r.TotalLatencyMs
		}
		scoreSum += float64(r.FinalScore)
		agg.ScoreDistribution[r.FinalScore]++
		attemptSum += float64(r.Attempts)
		if r.DocumentsRetrieved > 0 {
			rejSum += 1 - float64(r.DocumentsUsed)/float64(r.DocumentsRetrieved)
			rejCount++
		}
	}
	agg.SuccessRate = float64(agg.SuccessfulQueries) / float64(agg.TotalQueries)
	if agg.SuccessfulQueries > 0 {
		n := float64(agg.SuccessfulQueries)
		agg.AvgLatencyMs = latSum / n
		agg.AvgScore = scoreSum / n
		agg.AvgAttempts = attemptSum / n
	}
	if rejCount > 0 {
		agg.AvgRejectionRate = rejSum / float64(rejCount)
	}
	return agg
}

// Reset discards all recorded queries. Intended for test isolation and
// explicit operator resets.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
}

// Count returns the number of recorded queries.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
