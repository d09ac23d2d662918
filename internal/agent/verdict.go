package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"selfrag/internal/domain"
)

// decodeVerdict strictly decodes a judge response into out. Judge models
// occasionally wrap JSON in a markdown fence; that is the one repair applied
// before decoding. Anything else malformed fails with ErrMalformedVerdict.
func decodeVerdict(raw string, out any) error {
	raw = stripFence(raw)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedVerdict, err)
	}
	return nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
