// Package validate sanitizes user questions before they enter the pipeline.
package validate

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// DefaultMaxQuestionLength bounds question size when no limit is configured.
const DefaultMaxQuestionLength = 1000

var ErrEmptyQuestion = errors.New("question cannot be empty")

// Patterns that suggest a prompt-injection attempt. Matches are logged for
// monitoring, not rejected.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ignore\s+previous\s+instructions`),
	regexp.MustCompile(`ignore\s+all\s+previous`),
	regexp.MustCompile(`disregard\s+previous`),
	regexp.MustCompile(`system\s*:\s*you\s+are`),
	regexp.MustCompile(`<\s*script\s*>`),
	regexp.MustCompile(`javascript\s*:`),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Validator checks and sanitizes incoming questions.
type Validator struct {
	maxLength int
	logger    *slog.Logger
}

// New creates a Validator with the given maximum question length.
// maxLength <= 0 selects the default.
func New(maxLength int, logger *slog.Logger) *Validator {
	if maxLength <= 0 {
		maxLength = DefaultMaxQuestionLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{maxLength: maxLength, logger: logger}
}

// Question validates and sanitizes a user question. It rejects empty input
// and input over the configured length, strips control characters, and
// collapses whitespace runs.
func (v *Validator) Question(q string) (string, error) {
	if strings.TrimSpace(q) == "" {
		return "", ErrEmptyQuestion
	}
	if len(q) > v.maxLength {
		return "", fmt.Errorf("question exceeds maximum length of %d characters", v.maxLength)
	}

	lower := strings.ToLower(q)
	for _, p := range suspiciousPatterns {
		if p.MatchString(lower) {
			v.logger.Warn("suspicious pattern in question", "pattern", p.String())
		}
	}

	return sanitize(q), nil
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
