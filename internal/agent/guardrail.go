// Package agent implements the relevance filter, answer generator, and
// faithfulness evaluator on top of the chat completion capability.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"selfrag/internal/domain"
	"selfrag/internal/llm"
)

// maxConcurrentJudgments bounds the guardrail fan-out so a large top-K does
// not flood the judging endpoint.
const maxConcurrentJudgments = 8

// ModelParams selects and tunes the chat model behind an agent.
type ModelParams struct {
	Name        string
	Temperature float64
	MaxTokens   int
}

type relevanceVerdict struct {
	IsRelevant    *bool  `json:"is_relevant"`
	Justification string `json:"justification"`
}

// Guardrail filters retrieved passages for relevance to the question,
// judging each passage independently.
type Guardrail struct {
	client   llm.Completer
	model    ModelParams
	parallel bool
	logger   *slog.Logger

	mu       sync.Mutex
	failures int
}

// NewGuardrail creates the relevance filter agent. When parallel is set,
// passages are judged concurrently; decisions are identical either way.
func NewGuardrail(client llm.Completer, model ModelParams, parallel bool, logger *slog.Logger) *Guardrail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardrail{client: client, model: model, parallel: parallel, logger: logger}
}

// Failures reports how many individual judgments have failed since creation.
func (g *Guardrail) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// Filter judges each passage for relevance, preserving input order. A failed
// judgment excludes the passage (fail-safe) and is counted, never raised.
// An empty input returns an empty context without invoking the judge.
func (g *Guardrail) Filter(ctx context.Context, question string, passages []domain.Passage) (domain.FilteredContext, error) {
	if len(passages) == 0 {
		return domain.FilteredContext{}, nil
	}

	verdicts := make([]relevanceVerdict, len(passages))
	errs := make([]error, len(passages))

	if g.parallel && len(passages) > 1 {
		grp := &errgroup.Group{}
		grp.SetLimit(maxConcurrentJudgments)
		for i := range passages {
			i := i
			grp.Go(func() error {
				verdicts[i], errs[i] = g.judge(ctx, question, passages[i].Text)
				// Never abort siblings; per-passage failures are folded below.
				return nil
			})
		}
		_ = grp.Wait()
	} else {
		for i := range passages {
			verdicts[i], errs[i] = g.judge(ctx, question, passages[i].Text)
		}
	}

	filtered := make(domain.FilteredContext, 0, len(passages))
	for i, p := range passages {
		if errs[i] != nil {
			g.recordFailure()
			g.logger.Warn("relevance judgment failed, excluding passage",
				"index", i, "error", errs[i])
			continue
		}
		if verdicts[i].IsRelevant != nil && *verdicts[i].IsRelevant {
			filtered = append(filtered, domain.FilteredPassage{
				Passage:       p,
				Justification: verdicts[i].Justification,
			})
		} else {
			g.logger.Debug("passage judged irrelevant",
				"index", i, "justification", verdicts[i].Justification)
		}
	}
	return filtered, nil
}

func (g *Guardrail) judge(ctx context.Context, question, passage string) (relevanceVerdict, error) {
	raw, err := g.client.Complete(ctx, llm.Request{
		Model:       g.model.Name,
		Temperature: g.model.Temperature,
		MaxTokens:   g.model.MaxTokens,
		System:      guardrailSystem,
		User:        guardrailPrompt(question, passage),
		JSONOnly:    true,
	})
	if err != nil {
		return relevanceVerdict{}, fmt.Errorf("%w: %w", domain.ErrJudgment, err)
	}
	var v relevanceVerdict
	if err := decodeVerdict(raw, &v); err != nil {
		return relevanceVerdict{}, fmt.Errorf("%w: %w", domain.ErrJudgment, err)
	}
	if v.IsRelevant == nil {
		return relevanceVerdict{}, fmt.Errorf("%w: missing is_relevant field", domain.ErrMalformedVerdict)
	}
	return v, nil
}

func (g *Guardrail) recordFailure() {
	g.mu.Lock()
	g.failures++
	g.mu.Unlock()
}
