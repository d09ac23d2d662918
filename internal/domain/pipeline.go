package domain

import (
	"context"
	"time"
)

// Passage metadata keys populated by the retriever.
const (
	MetaSource     = "source"
	MetaChunkIndex = "chunk_index"
	MetaPage       = "page"
)

// Fixed answers returned when the pipeline cannot ground a real one.
const (
	// AnswerNoInformation is returned when retrieval yields nothing or every
	// generation attempt failed.
	AnswerNoInformation = "I could not find any relevant information to answer this question."

	// AnswerInsufficientContext is returned by the generator when the filtered
	// context is empty, instead of fabricating content.
	AnswerInsufficientContext = "There is not enough information in the provided context to answer this question."
)

// Passage is a retrieved unit of source text with provenance metadata.
// Passages are read-only value objects for the duration of one query.
type Passage struct {
	Text     string
	Score    float64
	Metadata map[string]string
}

// FilteredPassage is a passage the relevance filter judged relevant,
// annotated with the filter's justification.
type FilteredPassage struct {
	Passage       Passage
	Justification string
}

// FilteredContext is the ordered subsequence of passages that survived
// relevance filtering. Produced fresh per query; never persisted.
type FilteredContext []FilteredPassage

// Evaluation is the faithfulness verdict for one candidate answer.
// Score runs 1 (unsupported) to 5 (fully supported); 0 is reserved for
// failed attempts.
type Evaluation struct {
	Score         int
	Justification string
	Supported     bool
}

// Candidate is one generated answer within a query lifecycle.
type Candidate struct {
	Text    string
	Attempt int
	Context string
}

// Attempt pairs a rejected candidate with its evaluation so later
// generations can avoid repeating the same approach.
type Attempt struct {
	Answer     string
	Evaluation Evaluation
}

// StageLatencies holds per-stage wall-clock timings for one query.
type StageLatencies struct {
	Retrieval  time.Duration
	Filter     time.Duration
	Generation time.Duration
	Evaluation time.Duration
	Total      time.Duration
}

// Result is the terminal artifact of one pipeline run.
type Result struct {
	QueryID            string
	Question           string
	Answer             string
	Evaluation         Evaluation
	Attempts           int
	DocumentsRetrieved int
	DocumentsUsed      int
	Latencies          StageLatencies
	Success            bool
	ErrorMessage       string
}

// Retriever obtains the top-K candidate passages for a question.
// It returns an empty slice, not an error, when nothing matches.
type Retriever interface {
	Retrieve(ctx context.Context, question string, k int) ([]Passage, error)
}

// RelevanceFilter decides which candidate passages are relevant to the
// question. Output order must follow input order.
type RelevanceFilter interface {
	Filter(ctx context.Context, question string, passages []Passage) (FilteredContext, error)
}

// AnswerGenerator produces an answer grounded only in the supplied context.
// Prior failed attempts are advisory context for steering away from a
// rejected approach.
type AnswerGenerator interface {
	Generate(ctx context.Context, question, contextText string, prior []Attempt) (string, error)
}

// FaithfulnessEvaluator scores how well an answer is supported by the
// context it was generated from.
type FaithfulnessEvaluator interface {
	Evaluate(ctx context.Context, answer, contextText string) (Evaluation, error)
}
