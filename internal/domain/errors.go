package domain

import "errors"

// Failure categories for the pipeline. Per-stage capability failures are
// wrapped with one of these sentinels so the controller can fold them into
// score-0 or empty-result semantics instead of surfacing them to the caller.
var (
	// ErrGeneration marks an answer-generation failure. Consumes one attempt
	// with score 0.
	ErrGeneration = errors.New("answer generation failed")

	// ErrEvaluation marks a faithfulness-evaluation failure. Fail-closed:
	// the attempt scores 0, never a passing score.
	ErrEvaluation = errors.New("answer evaluation failed")

	// ErrJudgment marks a single relevance judgment failure. The affected
	// passage is excluded; the filter call as a whole succeeds.
	ErrJudgment = errors.New("relevance judgment failed")

	// ErrMalformedVerdict marks a judge response that failed strict decoding.
	ErrMalformedVerdict = errors.New("malformed judge verdict")

	// ErrInvalidOptions marks invalid pipeline configuration. Unlike the
	// categories above it propagates to the caller.
	ErrInvalidOptions = errors.New("invalid pipeline options")
)
