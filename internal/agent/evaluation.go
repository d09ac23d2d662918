package agent

import (
	"context"
	"fmt"
	"log/slog"

	"selfrag/internal/domain"
	"selfrag/internal/llm"
)

type evaluationVerdict struct {
	Score         *int   `json:"score"`
	Justification string `json:"justification"`
	Supported     *bool  `json:"supported"`
}

// Evaluator scores how faithfully an answer sticks to its source context.
type Evaluator struct {
	client llm.Completer
	model  ModelParams
	logger *slog.Logger
}

// NewEvaluator creates the faithfulness evaluation agent.
func NewEvaluator(client llm.Completer, model ModelParams, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{client: client, model: model, logger: logger}
}

// Evaluate judges the answer against the context it was generated from,
// returning a 1-5 score, a supported flag, and a justification. Malformed or
// out-of-range verdicts fail with an evaluation error; the controller treats
// that as score 0, never a passing score.
func (e *Evaluator) Evaluate(ctx context.Context, answer, contextText string) (domain.Evaluation, error) {
	raw, err := e.client.Complete(ctx, llm.Request{
		Model:       e.model.Name,
		Temperature: e.model.Temperature,
		MaxTokens:   e.model.MaxTokens,
		System:      evaluationSystem,
		User:        evaluationPrompt(answer, contextText),
		JSONOnly:    true,
	})
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("%w: %w", domain.ErrEvaluation, err)
	}

	var v evaluationVerdict
	if err := decodeVerdict(raw, &v); err != nil {
		return domain.Evaluation{}, fmt.Errorf("%w: %w", domain.ErrEvaluation, err)
	}
	if v.Score == nil {
		return domain.Evaluation{}, fmt.Errorf("%w: %w: missing score field", domain.ErrEvaluation, domain.ErrMalformedVerdict)
	}
	if *v.Score < 1 || *v.Score > 5 {
		return domain.Evaluation{}, fmt.Errorf("%w: %w: score %d out of range", domain.ErrEvaluation, domain.ErrMalformedVerdict, *v.Score)
	}
	if v.Supported == nil {
		return domain.Evaluation{}, fmt.Errorf("%w: %w: missing supported field", domain.ErrEvaluation, domain.ErrMalformedVerdict)
	}

	eval := domain.Evaluation{
		Score:         *v.Score,
		Justification: v.Justification,
		Supported:     *v.Supported,
	}
	e.logger.Debug("answer evaluated", "score", eval.Score, "supported", eval.Supported)
	return eval, nil
}
