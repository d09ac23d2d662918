package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"selfrag/internal/domain"
)

type fakeRetriever struct {
	passages []domain.Passage
	err      error
	calls    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, k int) ([]domain.Passage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.passages) > k {
		return f.passages[:k], nil
	}
	return f.passages, nil
}

// keepFilter keeps passages whose index appears in keep, preserving order.
type keepFilter struct {
	keep  map[int]bool
	err   error
	calls int
}

func (f *keepFilter) Filter(_ context.Context, _ string, passages []domain.Passage) (domain.FilteredContext, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(domain.FilteredContext, 0, len(passages))
	for i, p := range passages {
		if f.keep == nil || f.keep[i] {
			out = append(out, domain.FilteredPassage{Passage: p, Justification: "relevant"})
		}
	}
	return out, nil
}

// scriptGenerator returns answers[i] (or errs[i]) for the i-th call.
type scriptGenerator struct {
	answers  []string
	errs     []error
	calls    int
	contexts []string
	priors   [][]domain.Attempt
}

func (g *scriptGenerator) Generate(_ context.Context, _ string, contextText string, prior []domain.Attempt) (string, error) {
	i := g.calls
	g.calls++
	g.contexts = append(g.contexts, contextText)
	g.priors = append(g.priors, append([]domain.Attempt(nil), prior...))
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.answers) {
		return g.answers[i], nil
	}
	return fmt.Sprintf("answer %d", i+1), nil
}

// scriptEvaluator returns scores[i] (or errs[i]) for the i-th call.
type scriptEvaluator struct {
	scores []int
	errs   []error
	calls  int
}

func (e *scriptEvaluator) Evaluate(_ context.Context, _ string, _ string) (domain.Evaluation, error) {
	i := e.calls
	e.calls++
	if i < len(e.errs) && e.errs[i] != nil {
		return domain.Evaluation{}, e.errs[i]
	}
	score := 5
	if i < len(e.scores) {
		score = e.scores[i]
	}
	return domain.Evaluation{Score: score, Justification: "judged", Supported: score >= 3}, nil
}

type captureRecorder struct {
	results []domain.Result
}

func (r *captureRecorder) Record(res domain.Result) { r.results = append(r.results, res) }

func somePassages(n int) []domain.Passage {
	out := make([]domain.Passage, n)
	for i := range out {
		out[i] = domain.Passage{
			Text:  fmt.Sprintf("passage %d text", i),
			Score: 1.0 - float64(i)*0.1,
			Metadata: map[string]string{
				domain.MetaSource:     "doc.txt",
				domain.MetaChunkIndex: fmt.Sprint(i),
			},
		}
	}
	return out
}

func newTestPipeline(t *testing.T, retr domain.Retriever, filter domain.RelevanceFilter, gen domain.AnswerGenerator, eval domain.FaithfulnessEvaluator, rec Recorder, opts Options) *Pipeline {
	t.Helper()
	p, err := New(retr, filter, gen, eval, rec, opts, nil)
	require.NoError(t, err)
	return p
}

func defaultOpts() Options {
	return Options{MaxAttempts: 3, MinAcceptableScore: 3, FilterEnabled: true, TopK: 5}
}

func TestNewValidation(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(1)}
	gen := &scriptGenerator{}
	eval := &scriptEvaluator{}

	t.Run("rejects max_attempts below one", func(t *testing.T) {
		_, err := New(retr, nil, gen, eval, nil, Options{MaxAttempts: 0, MinAcceptableScore: 3}, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidOptions)
	})

	t.Run("rejects score outside range", func(t *testing.T) {
		for _, score := range []int{0, 6, -1} {
			_, err := New(retr, nil, gen, eval, nil, Options{MaxAttempts: 3, MinAcceptableScore: score}, nil)
			assert.ErrorIs(t, err, domain.ErrInvalidOptions, "score %d", score)
		}
	})

	t.Run("rejects filter enabled without filter", func(t *testing.T) {
		_, err := New(retr, nil, gen, eval, nil, Options{MaxAttempts: 3, MinAcceptableScore: 3, FilterEnabled: true}, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidOptions)
	})

	t.Run("rejects missing collaborators", func(t *testing.T) {
		_, err := New(nil, nil, gen, eval, nil, defaultOpts(), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidOptions)
	})
}

func TestRunAcceptsFirstGoodAnswer(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(4)}
	gen := &scriptGenerator{answers: []string{"grounded answer"}}
	eval := &scriptEvaluator{scores: []int{4}}
	rec := &captureRecorder{}
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, rec, defaultOpts())

	res, err := p.Run(context.Background(), "what is in the documents?", nil)
	require.NoError(t, err)

	assert.Equal(t, "grounded answer", res.Answer)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 4, res.Evaluation.Score)
	assert.True(t, res.Success)
	assert.Empty(t, res.ErrorMessage)
	assert.NotEmpty(t, res.QueryID)
	assert.Equal(t, 4, res.DocumentsRetrieved)
	assert.LessOrEqual(t, res.DocumentsUsed, res.DocumentsRetrieved)
	require.Len(t, rec.results, 1)
	assert.Equal(t, res.QueryID, rec.results[0].QueryID)
}

func TestRunRetriesUntilThreshold(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(2)}
	gen := &scriptGenerator{answers: []string{"first try", "second try"}}
	eval := &scriptEvaluator{scores: []int{2, 4}}
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, &captureRecorder{}, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "second try", res.Answer)
	assert.Equal(t, 4, res.Evaluation.Score)
	assert.True(t, res.Success)

	// The second generation call must have seen the rejected first attempt.
	require.Len(t, gen.priors, 2)
	assert.Empty(t, gen.priors[0])
	require.Len(t, gen.priors[1], 1)
	assert.Equal(t, "first try", gen.priors[1][0].Answer)
	assert.Equal(t, 2, gen.priors[1][0].Evaluation.Score)
}

func TestRunExhaustedPicksBestScore(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(2)}
	gen := &scriptGenerator{answers: []string{"a", "b", "c"}}
	eval := &scriptEvaluator{scores: []int{1, 2, 1}}
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, &captureRecorder{}, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "b", res.Answer, "highest-scoring attempt wins")
	assert.Equal(t, 2, res.Evaluation.Score)
	assert.Empty(t, res.ErrorMessage)
}

func TestRunScoreTieKeepsEarliestAttempt(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(1)}
	gen := &scriptGenerator{answers: []string{"early", "late"}}
	eval := &scriptEvaluator{scores: []int{2, 2}}
	two := 2
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", &RunOptions{MaxAttempts: &two})
	require.NoError(t, err)
	assert.Equal(t, "early", res.Answer)
}

func TestRunScoreTiePrefersRealAnswerOverFailedGeneration(t *testing.T) {
	genErr := errors.New("model unavailable")
	evalErr := errors.New("malformed verdict")
	retr := &fakeRetriever{passages: somePassages(1)}
	gen := &scriptGenerator{errs: []error{genErr, nil}, answers: []string{"", "the facts"}}
	eval := &scriptEvaluator{errs: []error{evalErr}}
	two := 2
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", &RunOptions{MaxAttempts: &two})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Evaluation.Score)
	assert.Equal(t, "the facts", res.Answer, "a generated answer beats a failed attempt at the same score")
	assert.Empty(t, res.ErrorMessage)
}

func TestRunMinScoreOneAcceptsFirst(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(1)}
	gen := &scriptGenerator{answers: []string{"anything"}}
	eval := &scriptEvaluator{scores: []int{1}}
	one := 1
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", &RunOptions{MinAcceptableScore: &one})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, gen.calls)
}

func TestRunMaxAttemptsOneNeverRetries(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(1)}
	gen := &scriptGenerator{answers: []string{"weak"}}
	eval := &scriptEvaluator{scores: []int{2}}
	one := 1
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", &RunOptions{MaxAttempts: &one})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "weak", res.Answer)
	assert.Equal(t, 2, res.Evaluation.Score)
}

func TestRunAllGenerationsFail(t *testing.T) {
	genErr := errors.New("model unavailable")
	retr := &fakeRetriever{passages: somePassages(2)}
	gen := &scriptGenerator{errs: []error{genErr, genErr, genErr}}
	eval := &scriptEvaluator{}
	rec := &captureRecorder{}
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, rec, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err, "capability failures never surface as errors")

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts, "failed attempts still consume the budget")
	assert.Equal(t, 0, res.Evaluation.Score)
	assert.Equal(t, domain.AnswerNoInformation, res.Answer)
	assert.Equal(t, "all generation attempts failed", res.ErrorMessage)
	assert.Equal(t, 0, eval.calls, "failed generations are never evaluated")
	require.Len(t, rec.results, 1)
}

func TestRunEvaluationFailureScoresZero(t *testing.T) {
	evalErr := errors.New("malformed verdict")
	retr := &fakeRetriever{passages: somePassages(1)}
	gen := &scriptGenerator{answers: []string{"a", "b"}}
	eval := &scriptEvaluator{scores: []int{0, 4}, errs: []error{evalErr, nil}}
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "b", res.Answer)
	assert.True(t, res.Success)
}

func TestRunRetrievalFailureIsTerminal(t *testing.T) {
	retr := &fakeRetriever{err: errors.New("store unreachable")}
	gen := &scriptGenerator{}
	eval := &scriptEvaluator{}
	rec := &captureRecorder{}
	p := newTestPipeline(t, retr, &keepFilter{}, gen, eval, rec, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.AnswerNoInformation, res.Answer)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, res.Evaluation.Score)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "retrieval failed")
	assert.Equal(t, 0, gen.calls)
	require.Len(t, rec.results, 1)
}

func TestRunEmptyRetrievalIsTerminal(t *testing.T) {
	retr := &fakeRetriever{passages: nil}
	gen := &scriptGenerator{}
	p := newTestPipeline(t, retr, &keepFilter{}, gen, &scriptEvaluator{}, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.AnswerNoInformation, res.Answer)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, res.DocumentsRetrieved)
	assert.Equal(t, 0, res.DocumentsUsed)
	assert.False(t, res.Success)
	assert.Equal(t, 0, gen.calls)
}

func TestRunFilterDisabledUsesEverything(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(5)}
	filter := &keepFilter{keep: map[int]bool{0: true}}
	gen := &scriptGenerator{answers: []string{"fine"}}
	off := false
	p := newTestPipeline(t, retr, filter, gen, &scriptEvaluator{scores: []int{5}}, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", &RunOptions{FilterEnabled: &off})
	require.NoError(t, err)

	assert.Equal(t, 0, filter.calls, "filter must not run when disabled")
	assert.Equal(t, res.DocumentsRetrieved, res.DocumentsUsed)
	assert.Equal(t, 5, res.DocumentsUsed)
}

func TestRunFilterFailureDropsContext(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(3)}
	filter := &keepFilter{err: errors.New("judge down")}
	gen := &scriptGenerator{answers: []string{"unsupported"}}
	p := newTestPipeline(t, retr, filter, gen, &scriptEvaluator{scores: []int{3}}, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.DocumentsRetrieved)
	assert.Equal(t, 0, res.DocumentsUsed)
	require.NotEmpty(t, gen.contexts)
	assert.Empty(t, gen.contexts[0], "generation sees an empty context")
}

func TestRunFilterNarrowsContext(t *testing.T) {
	// Five passages retrieved, the filter keeps three; the accepted answer
	// arrives on the second attempt.
	retr := &fakeRetriever{passages: somePassages(5)}
	filter := &keepFilter{keep: map[int]bool{0: true, 2: true, 4: true}}
	gen := &scriptGenerator{answers: []string{"draft", "final"}}
	eval := &scriptEvaluator{scores: []int{2, 4}}
	p := newTestPipeline(t, retr, filter, gen, eval, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)

	assert.Equal(t, 5, res.DocumentsRetrieved)
	assert.Equal(t, 3, res.DocumentsUsed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 4, res.Evaluation.Score)
	assert.True(t, res.Success)

	// Filtered passages appear in the context in retrieval order.
	require.NotEmpty(t, gen.contexts)
	ctxText := gen.contexts[0]
	i0 := strings.Index(ctxText, "passage 0 text")
	i2 := strings.Index(ctxText, "passage 2 text")
	i4 := strings.Index(ctxText, "passage 4 text")
	assert.True(t, i0 >= 0 && i2 > i0 && i4 > i2, "context preserves retrieval order")
	assert.NotContains(t, ctxText, "passage 1 text")
}

func TestRunContextTruncation(t *testing.T) {
	long := strings.Repeat("x", 500)
	retr := &fakeRetriever{passages: []domain.Passage{{Text: long}, {Text: long}}}
	gen := &scriptGenerator{answers: []string{"ok"}}
	opts := defaultOpts()
	opts.MaxContextChars = 100
	p := newTestPipeline(t, retr, &keepFilter{}, gen, &scriptEvaluator{scores: []int{5}}, nil, opts)

	_, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)
	require.NotEmpty(t, gen.contexts)
	assert.Contains(t, gen.contexts[0], "[Context truncated...]")
	assert.Less(t, len(gen.contexts[0]), 150)
}

func TestRunInvalidQuestionIsTerminal(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(1)}
	rec := &captureRecorder{}
	p := newTestPipeline(t, retr, &keepFilter{}, &scriptGenerator{}, &scriptEvaluator{}, rec, defaultOpts())

	res, err := p.Run(context.Background(), "   ", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Attempts)
	assert.True(t, strings.HasPrefix(res.Answer, "Error:"))
	assert.Equal(t, 0, retr.calls)
	require.Len(t, rec.results, 1)
}

func TestRunInvalidPerCallOptions(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(1)}
	p := newTestPipeline(t, retr, &keepFilter{}, &scriptGenerator{}, &scriptEvaluator{}, nil, defaultOpts())

	zero := 0
	_, err := p.Run(context.Background(), "question", &RunOptions{MaxAttempts: &zero})
	assert.ErrorIs(t, err, domain.ErrInvalidOptions)

	six := 6
	_, err = p.Run(context.Background(), "question", &RunOptions{MinAcceptableScore: &six})
	assert.ErrorIs(t, err, domain.ErrInvalidOptions)

	assert.Equal(t, 0, retr.calls, "invalid options fail before any stage runs")
}

func TestRunCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	retr := &fakeRetriever{err: ctx.Err()}
	rec := &captureRecorder{}
	p := newTestPipeline(t, retr, &keepFilter{}, &scriptGenerator{}, &scriptEvaluator{}, rec, defaultOpts())

	_, err := p.Run(ctx, "question", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.results, "cancelled queries are not recorded")
}

func TestRunLatenciesPopulated(t *testing.T) {
	retr := &fakeRetriever{passages: somePassages(1)}
	gen := &scriptGenerator{answers: []string{"ok"}}
	p := newTestPipeline(t, retr, &keepFilter{}, gen, &scriptEvaluator{scores: []int{5}}, nil, defaultOpts())

	res, err := p.Run(context.Background(), "question", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Latencies.Total, res.Latencies.Retrieval)
	assert.GreaterOrEqual(t, res.Latencies.Total,
		res.Latencies.Retrieval+res.Latencies.Filter+res.Latencies.Generation+res.Latencies.Evaluation)
}

func TestBuildContext(t *testing.T) {
	t.Run("empty context", func(t *testing.T) {
		assert.Empty(t, buildContext(nil, 100))
	})

	t.Run("joins with separator", func(t *testing.T) {
		fc := domain.FilteredContext{
			{Passage: domain.Passage{Text: "one"}},
			{Passage: domain.Passage{Text: "two"}},
		}
		assert.Equal(t, "one\n\n---\n\ntwo", buildContext(fc, 0))
	})

	t.Run("truncation never splits a rune", func(t *testing.T) {
		fc := domain.FilteredContext{
			{Passage: domain.Passage{Text: strings.Repeat("é", 50)}},
		}
		// Every cut point inside the passage lands mid-rune for odd offsets.
		for maxChars := 1; maxChars < 20; maxChars++ {
			got := buildContext(fc, maxChars)
			assert.True(t, utf8.ValidString(got), "maxChars=%d", maxChars)
			assert.Contains(t, got, "[Context truncated...]")
		}
	})
}
