package frame

import (
	"unicode/utf8"

	"tether/internal/types"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// Token estimation for frame budget management. The heuristic is ~4
// characters per token, which tracks modern tokenizers closely enough for
// budget enforcement.

// TokenCounter estimates token counts for frame entries.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: 4.0}
}

// CountString estimates tokens in a string. Empty strings cost nothing;
// anything else costs at least one token.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	n := int(float64(utf8.RuneCountInString(s)) / tc.charsPerToken)
	if n < 1 {
		n = 1
	}
	return n
}

// CountRecord estimates the rendered cost of one trace record: its
// summary plus a small fixed overhead for the kind/timestamp prefix.
func (tc *TokenCounter) CountRecord(r types.TraceRecord) int {
	return 6 + tc.CountString(r.Summary)
}
