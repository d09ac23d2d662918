package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"selfrag/internal/domain"
	"selfrag/internal/llm"
)

// fakeCompleter routes each completion through fn, recording requests.
type fakeCompleter struct {
	fn func(req llm.Request) (string, error)

	mu       sync.Mutex
	requests []llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func testModel() ModelParams {
	return ModelParams{Name: "test-model", Temperature: 0.1, MaxTokens: 256}
}

// verdictFor answers relevant/irrelevant based on a marker in the passage
// text, so tests control decisions per passage.
func verdictFor(req llm.Request) (string, error) {
	if strings.Contains(req.User, "KEEP") {
		return `{"is_relevant": true, "justification": "on topic"}`, nil
	}
	return `{"is_relevant": false, "justification": "off topic"}`, nil
}

func passagesWith(texts ...string) []domain.Passage {
	out := make([]domain.Passage, len(texts))
	for i, t := range texts {
		out[i] = domain.Passage{Text: t, Score: 0.9}
	}
	return out
}

func TestGuardrailFilter(t *testing.T) {
	t.Run("keeps relevant passages in input order", func(t *testing.T) {
		client := &fakeCompleter{fn: verdictFor}
		g := NewGuardrail(client, testModel(), false, nil)

		fc, err := g.Filter(context.Background(), "q", passagesWith("KEEP a", "drop b", "KEEP c", "KEEP d"))
		require.NoError(t, err)
		require.Len(t, fc, 3)
		assert.Equal(t, "KEEP a", fc[0].Passage.Text)
		assert.Equal(t, "KEEP c", fc[1].Passage.Text)
		assert.Equal(t, "KEEP d", fc[2].Passage.Text)
		assert.Equal(t, "on topic", fc[0].Justification)
	})

	t.Run("empty input skips the judge", func(t *testing.T) {
		client := &fakeCompleter{fn: verdictFor}
		g := NewGuardrail(client, testModel(), false, nil)

		fc, err := g.Filter(context.Background(), "q", nil)
		require.NoError(t, err)
		assert.Empty(t, fc)
		assert.Equal(t, 0, client.calls())
	})

	t.Run("parallel and sequential decisions match", func(t *testing.T) {
		passages := passagesWith("KEEP 1", "drop 2", "KEEP 3", "drop 4", "KEEP 5", "KEEP 6", "drop 7", "KEEP 8", "KEEP 9", "drop 10")

		seq := NewGuardrail(&fakeCompleter{fn: verdictFor}, testModel(), false, nil)
		par := NewGuardrail(&fakeCompleter{fn: verdictFor}, testModel(), true, nil)

		got1, err := seq.Filter(context.Background(), "q", passages)
		require.NoError(t, err)
		got2, err := par.Filter(context.Background(), "q", passages)
		require.NoError(t, err)
		assert.Equal(t, got1, got2)
	})

	t.Run("failed judgment excludes the passage", func(t *testing.T) {
		client := &fakeCompleter{fn: func(req llm.Request) (string, error) {
			if strings.Contains(req.User, "boom") {
				return "", errors.New("judge unavailable")
			}
			return verdictFor(req)
		}}
		g := NewGuardrail(client, testModel(), false, nil)

		fc, err := g.Filter(context.Background(), "q", passagesWith("KEEP a", "KEEP boom", "KEEP c"))
		require.NoError(t, err, "per-passage failures never fail the filter")
		require.Len(t, fc, 2)
		assert.Equal(t, "KEEP a", fc[0].Passage.Text)
		assert.Equal(t, "KEEP c", fc[1].Passage.Text)
		assert.Equal(t, 1, g.Failures())
	})

	t.Run("malformed verdict excludes the passage", func(t *testing.T) {
		client := &fakeCompleter{fn: func(req llm.Request) (string, error) {
			if strings.Contains(req.User, "garbled") {
				return "not json at all", nil
			}
			return verdictFor(req)
		}}
		g := NewGuardrail(client, testModel(), false, nil)

		fc, err := g.Filter(context.Background(), "q", passagesWith("KEEP garbled", "KEEP fine"))
		require.NoError(t, err)
		require.Len(t, fc, 1)
		assert.Equal(t, "KEEP fine", fc[0].Passage.Text)
		assert.Equal(t, 1, g.Failures())
	})

	t.Run("missing is_relevant field excludes the passage", func(t *testing.T) {
		client := &fakeCompleter{fn: func(llm.Request) (string, error) {
			return `{"justification": "no decision"}`, nil
		}}
		g := NewGuardrail(client, testModel(), false, nil)

		fc, err := g.Filter(context.Background(), "q", passagesWith("a"))
		require.NoError(t, err)
		assert.Empty(t, fc)
		assert.Equal(t, 1, g.Failures())
	})

	t.Run("judge requests use JSON-only mode", func(t *testing.T) {
		client := &fakeCompleter{fn: verdictFor}
		g := NewGuardrail(client, testModel(), false, nil)

		_, err := g.Filter(context.Background(), "the question", passagesWith("KEEP a"))
		require.NoError(t, err)
		require.Len(t, client.requests, 1)
		req := client.requests[0]
		assert.True(t, req.JSONOnly)
		assert.Equal(t, "test-model", req.Model)
		assert.Contains(t, req.User, "the question")
		assert.Contains(t, req.User, "KEEP a")
	})
}

func TestGuardrailJudgeError(t *testing.T) {
	client := &fakeCompleter{fn: func(llm.Request) (string, error) {
		return "", fmt.Errorf("transport down")
	}}
	g := NewGuardrail(client, testModel(), false, nil)

	_, err := g.judge(context.Background(), "q", "p")
	assert.ErrorIs(t, err, domain.ErrJudgment)
}
