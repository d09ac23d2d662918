// Package pipeline implements the self-correcting answer pipeline: retrieve,
// filter, generate, evaluate, with a bounded correction loop that re-invokes
// generation while the faithfulness score stays below threshold.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"selfrag/internal/domain"
	"selfrag/internal/validate"
)

// Recorder receives the terminal result of every completed query.
// Implementations must never fail the pipeline.
type Recorder interface {
	Record(res domain.Result)
}

// Options configure the correction loop. Bounds are validated once at
// construction, never at query time.
type Options struct {
	MaxAttempts        int
	MinAcceptableScore int
	FilterEnabled      bool
	TopK               int
	MaxContextChars    int
	MaxQuestionLength  int
}

// RunOptions override loop configuration for a single query. Nil fields keep
// the configured value.
type RunOptions struct {
	MaxAttempts        *int
	MinAcceptableScore *int
	FilterEnabled      *bool
}

// Pipeline coordinates one query at a time through the four stages. Distinct
// queries may run concurrently on the same Pipeline: all per-query state is
// local to Run.
type Pipeline struct {
	retriever domain.Retriever
	filter    domain.RelevanceFilter
	generator domain.AnswerGenerator
	evaluator domain.FaithfulnessEvaluator
	recorder  Recorder
	validator *validate.Validator
	opts      Options
	logger    *slog.Logger
}

// New wires a pipeline from its capability collaborators and validates the loop
// bounds. The filter may be nil only while filtering is disabled.
func New(
	retriever domain.Retriever,
	filter domain.RelevanceFilter,
	generator domain.AnswerGenerator,
	evaluator domain.FaithfulnessEvaluator,
	recorder Recorder,
	opts Options,
	logger *slog.Logger,
) (*Pipeline, error) {
	if retriever == nil || generator == nil || evaluator == nil {
		return nil, fmt.Errorf("%w: retriever, generator, and evaluator are required", domain.ErrInvalidOptions)
	}
	if opts.TopK == 0 {
		opts.TopK = 5
	}
	if opts.MaxContextChars == 0 {
		opts.MaxContextChars = 8000
	}
	if err := validateBounds(opts.MaxAttempts, opts.MinAcceptableScore); err != nil {
		return nil, err
	}
	if opts.TopK < 1 {
		return nil, fmt.Errorf("%w: top_k must be >= 1, got %d", domain.ErrInvalidOptions, opts.TopK)
	}
	if opts.FilterEnabled && filter == nil {
		return nil, fmt.Errorf("%w: filtering enabled without a filter", domain.ErrInvalidOptions)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		retriever: retriever,
		filter:    filter,
		generator: generator,
		evaluator: evaluator,
		recorder:  recorder,
		validator: validate.New(opts.MaxQuestionLength, logger),
		opts:      opts,
		logger:    logger,
	}, nil
}

func validateBounds(maxAttempts, minScore int) error {
	if maxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", domain.ErrInvalidOptions, maxAttempts)
	}
	if minScore < 1 || minScore > 5 {
		return fmt.Errorf("%w: min_acceptable_score must be within [1, 5], got %d", domain.ErrInvalidOptions, minScore)
	}
	return nil
}

// Run executes one question through the pipeline. The caller always receives
// a Result; capability failures are folded into score-0 or no-information
// semantics. Only cancellation and invalid per-call options return an error.
func (p *Pipeline) Run(ctx context.Context, question string, opts *RunOptions) (domain.Result, error) {
	maxAttempts, minScore, filterEnabled, err := p.resolve(opts)
	if err != nil {
		return domain.Result{}, err
	}

	queryID := uuid.NewString()
	logger := p.logger.With("query_id", queryID)
	start := time.Now()
	var lat domain.StageLatencies

	q, err := p.validator.Question(question)
	if err != nil {
		logger.Warn("question rejected", "error", err)
		res := p.terminal(queryID, question, "Error: "+err.Error(), err.Error(), 0, 0, lat, start)
		return res, nil
	}
	logger.Info("starting pipeline", "question", q)

	// RETRIEVING
	t0 := time.Now()
	passages, err := p.retriever.Retrieve(ctx, q, p.opts.TopK)
	lat.Retrieval = time.Since(t0)
	if err != nil {
		if cErr := cancellation(ctx, err); cErr != nil {
			return domain.Result{}, cErr
		}
		logger.Error("retrieval failed", "error", err)
		res := p.terminal(queryID, q, domain.AnswerNoInformation, "document retrieval failed: "+err.Error(), 0, 0, lat, start)
		return res, nil
	}
	if len(passages) == 0 {
		logger.Info("no documents retrieved")
		res := p.terminal(queryID, q, domain.AnswerNoInformation, "no documents retrieved", 0, 0, lat, start)
		return res, nil
	}

	// FILTERING
	t0 = time.Now()
	var filtered domain.FilteredContext
	if filterEnabled {
		filtered, err = p.filter.Filter(ctx, q, passages)
		if err != nil {
			if cErr := cancellation(ctx, err); cErr != nil {
				return domain.Result{}, cErr
			}
			logger.Error("filtering failed", "error", err)
			filtered = nil
		}
	} else {
		filtered = make(domain.FilteredContext, 0, len(passages))
		for _, pass := range passages {
			filtered = append(filtered, domain.FilteredPassage{Passage: pass})
		}
	}
	lat.Filter = time.Since(t0)
	logger.Info("passages filtered", "retrieved", len(passages), "relevant", len(filtered))

	contextText := buildContext(filtered, p.opts.MaxContextChars)

	// GENERATING <-> EVALUATING correction loop. Strictly sequential:
	// attempt N+1 sees the finalized evaluation of attempt N.
	var best domain.Attempt
	prior := make([]domain.Attempt, 0, maxAttempts)
	attempts := 0
	accepted := false
	for attempts < maxAttempts {
		attempts++
		alog := logger.With("attempt", attempts)

		t0 = time.Now()
		answer, genErr := p.generator.Generate(ctx, q, contextText, prior)
		lat.Generation += time.Since(t0)

		var eval domain.Evaluation
		if genErr != nil {
			if cErr := cancellation(ctx, genErr); cErr != nil {
				return domain.Result{}, cErr
			}
			alog.Warn("generation failed, scoring attempt 0", "error", genErr)
			answer = ""
			eval = domain.Evaluation{Justification: "generation failed: " + genErr.Error()}
		} else {
			t0 = time.Now()
			var evalErr error
			eval, evalErr = p.evaluator.Evaluate(ctx, answer, contextText)
			lat.Evaluation += time.Since(t0)
			if evalErr != nil {
				if cErr := cancellation(ctx, evalErr); cErr != nil {
					return domain.Result{}, cErr
				}
				alog.Warn("evaluation failed, scoring attempt 0", "error", evalErr)
				eval = domain.Evaluation{Justification: "evaluation failed: " + evalErr.Error()}
			}
		}
		alog.Info("attempt evaluated", "score", eval.Score, "supported", eval.Supported)

		// Strict > keeps the earliest attempt on score ties, except that a
		// real answer always beats a failed generation at the same score.
		if attempts == 1 || eval.Score > best.Evaluation.Score ||
			(eval.Score == best.Evaluation.Score && best.Answer == "" && answer != "") {
			best = domain.Attempt{Answer: answer, Evaluation: eval}
		}

		if eval.Score >= minScore {
			accepted = true
			break
		}
		if attempts < maxAttempts {
			alog.Warn("score below threshold, retrying",
				"score", eval.Score, "threshold", minScore)
		}
		prior = append(prior, domain.Attempt{Answer: answer, Evaluation: eval})
	}

	answer := best.Answer
	errMsg := ""
	if answer == "" {
		answer = domain.AnswerNoInformation
		errMsg = "all generation attempts failed"
	}
	if !accepted {
		logger.Warn("attempt budget exhausted", "best_score", best.Evaluation.Score)
	}

	lat.Total = time.Since(start)
	res := domain.Result{
		QueryID:            queryID,
		Question:           q,
		Answer:             answer,
		Evaluation:         best.Evaluation,
		Attempts:           attempts,
		DocumentsRetrieved: len(passages),
		DocumentsUsed:      len(filtered),
		Latencies:          lat,
		Success:            accepted,
		ErrorMessage:       errMsg,
	}
	p.record(res)
	logger.Info("pipeline completed",
		"score", res.Evaluation.Score, "attempts", res.Attempts, "success", res.Success)
	return res, nil
}

func (p *Pipeline) resolve(opts *RunOptions) (maxAttempts, minScore int, filterEnabled bool, err error) {
	maxAttempts = p.opts.MaxAttempts
	minScore = p.opts.MinAcceptableScore
	filterEnabled = p.opts.FilterEnabled
	if opts == nil {
		return maxAttempts, minScore, filterEnabled, nil
	}
	if opts.MaxAttempts != nil {
		maxAttempts = *opts.MaxAttempts
	}
	if opts.MinAcceptableScore != nil {
		minScore = *opts.MinAcceptableScore
	}
	if opts.FilterEnabled != nil {
		filterEnabled = *opts.FilterEnabled
	}
	if err := validateBounds(maxAttempts, minScore); err != nil {
		return 0, 0, false, err
	}
	if filterEnabled && p.filter == nil {
		return 0, 0, false, fmt.Errorf("%w: filtering enabled without a filter", domain.ErrInvalidOptions)
	}
	return maxAttempts, minScore, filterEnabled, nil
}

// terminal builds, records, and returns a degenerate result that never
// entered the correction loop.
func (p *Pipeline) terminal(queryID, question, answer, reason string, retrieved, used int, lat domain.StageLatencies, start time.Time) domain.Result {
	lat.Total = time.Since(start)
	res := domain.Result{
		QueryID:            queryID,
		Question:           question,
		Answer:             answer,
		Evaluation:         domain.Evaluation{Justification: reason},
		Attempts:           0,
		DocumentsRetrieved: retrieved,
		DocumentsUsed:      used,
		Latencies:          lat,
		Success:            false,
		ErrorMessage:       reason,
	}
	p.record(res)
	return res
}

func (p *Pipeline) record(res domain.Result) {
	if p.recorder != nil {
		p.recorder.Record(res)
	}
}

// cancellation reports the context error when err stems from the context
// being done, so a cancelled query surfaces as an error instead of a partial
// result.
func cancellation(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func buildContext(fc domain.FilteredContext, maxChars int) string {
	if len(fc) == 0 {
		return ""
	}
	parts := make([]string, len(fc))
	for i, fp := range fc {
		parts[i] = fp.Passage.Text
	}
	joined := strings.Join(parts, "\n\n---\n\n")
	if maxChars > 0 && len(joined) > maxChars {
		cut := maxChars
		// Back off to a rune boundary so the cut never splits a multi-byte
		// character.
		for cut > 0 && !utf8.RuneStart(joined[cut]) {
			cut--
		}
		joined = joined[:cut] + "\n\n[Context truncated...]"
	}
	return joined
}
