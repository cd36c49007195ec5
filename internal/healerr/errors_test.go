package healerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"git error", &GitError{Op: "push"}, true},
		{"wrapped git error", fmt.Errorf("commit: %w", &GitError{Op: "commit"}), true},
		{"global timeout", fmt.Errorf("iteration 3: %w", ErrGlobalTimeout), true},
		{"protected branch", ErrProtectedBranch, true},
		{"rejected", Rejected(ReasonLowConfidence, "0.2"), false},
		{"provider unavailable", &ProviderUnavailable{}, false},
		{"ci timeout", &CIMonitorTimeout{Branch: "X"}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("%s: IsFatal = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReasonOf(t *testing.T) {
	err := fmt.Errorf("bug a.py:1: %w", Rejected(ReasonLocalityViolation, "line 9"))
	if got := ReasonOf(err); got != ReasonLocalityViolation {
		t.Errorf("expected LOCALITY_VIOLATION, got %q", got)
	}
	if got := ReasonOf(&ProviderUnavailable{}); got != ReasonLLMFailure {
		t.Errorf("expected LLM_FAILURE, got %q", got)
	}
	if got := ReasonOf(errors.New("other")); got != "" {
		t.Errorf("expected empty reason, got %q", got)
	}
}

func TestProviderError_Retryable(t *testing.T) {
	if (&ProviderError{Kind: ProviderRateLimited}).Retryable() {
		t.Error("rate limited errors must not be retried")
	}
	if !(&ProviderError{Kind: ProviderTimeout}).Retryable() {
		t.Error("timeouts should be retryable once")
	}
}

func TestProviderUnavailable_Message(t *testing.T) {
	err := &ProviderUnavailable{Attempts: []*ProviderError{
		{Provider: "claude", Kind: ProviderRateLimited},
		{Provider: "codex", Kind: ProviderFailed, Err: errors.New("exit 1")},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "claude: rate_limited") || !strings.Contains(msg, "codex: failed: exit 1") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestGitError_Unwrap(t *testing.T) {
	base := errors.New("exit status 1")
	err := &GitError{Op: "push", Output: "rejected\n", Err: base}
	if !errors.Is(err, base) {
		t.Error("expected GitError to unwrap to base error")
	}
	if err.Error() != "git push: rejected: exit status 1" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
