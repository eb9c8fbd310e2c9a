package keypool

import (
	"testing"
	"time"
)

// TestParseResetWindow covers the documented header formats plus malformed
// input.
func TestParseResetWindow(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"14m25s", 865000},
		{"21.003s", 21003},
		{"200ms", 200},
		{"6m0s", 360000},
		{"1h", 3600000},
		{"1d2h", 93600000},
		{"", 0},
		{"soon", 0},
		{"12", 0},
		{"5s junk", 0},
	}
	for _, tc := range tests {
		if got := ParseResetWindow(tc.in); got != tc.want {
			t.Errorf("ParseResetWindow(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// TestResetLockout: the larger of the two windows wins, capped at the pool
// maximum.
func TestResetLockout(t *testing.T) {
	tests := []struct {
		requests, tokens string
		want             time.Duration
	}{
		{"200ms", "21.003s", 21003 * time.Millisecond},
		{"5s", "1s", 5 * time.Second},
		{"14m25s", "", maxLockout},
		{"", "", 0},
		{"bogus", "bogus", 0},
	}
	for _, tc := range tests {
		if got := ResetLockout(tc.requests, tc.tokens); got != tc.want {
			t.Errorf("ResetLockout(%q, %q) = %v, want %v", tc.requests, tc.tokens, got, tc.want)
		}
	}
}

// TestOpenAIRateLimitKind derives the 429 subtype from type or message.
func TestOpenAIRateLimitKind(t *testing.T) {
	tests := []struct {
		errType, msg, want string
	}{
		{"requests", "", "requests"},
		{"tokens", "", "tokens"},
		{"", "Rate limit reached for requests per min (RPM)", "requests"},
		{"", "Limit: 90000 tokens per min", "tokens"},
		{"", "something else", ""},
	}
	for _, tc := range tests {
		if got := openaiRateLimitKind(tc.errType, tc.msg); got != tc.want {
			t.Errorf("openaiRateLimitKind(%q, %q) = %q, want %q", tc.errType, tc.msg, got, tc.want)
		}
	}
}
