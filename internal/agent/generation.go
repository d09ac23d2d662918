package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"selfrag/internal/domain"
	"selfrag/internal/llm"
)

// Generator produces answers grounded only in the supplied context.
type Generator struct {
	client llm.Completer
	model  ModelParams
	logger *slog.Logger
}

// NewGenerator creates the answer generation agent.
func NewGenerator(client llm.Completer, model ModelParams, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{client: client, model: model, logger: logger}
}

// Generate answers the question from the given context. Prior rejected
// attempts are folded into the prompt so the model tries a different
// approach. An empty context short-circuits to the fixed
// insufficient-information answer without a completion call.
func (g *Generator) Generate(ctx context.Context, question, contextText string, prior []domain.Attempt) (string, error) {
	if strings.TrimSpace(contextText) == "" {
		g.logger.Debug("empty context, returning insufficient-information answer")
		return domain.AnswerInsufficientContext, nil
	}
	answer, err := g.client.Complete(ctx, llm.Request{
		Model:       g.model.Name,
		Temperature: g.model.Temperature,
		MaxTokens:   g.model.MaxTokens,
		System:      generationSystem,
		User:        generationPrompt(question, contextText, prior),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrGeneration, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("%w: empty completion", domain.ErrGeneration)
	}
	return answer, nil
}
