package delivery

import (
	"errors"
	"testing"
	"time"

	"github.com/shohag/hookrelay/internal/models"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		err    error
		want   OutcomeKind
	}{
		{200, nil, OutcomeSuccess},
		{204, nil, OutcomeSuccess},
		{299, nil, OutcomeSuccess},
		{301, nil, OutcomeTerminal},
		{400, nil, OutcomeTerminal},
		{401, nil, OutcomeTerminal},
		{404, nil, OutcomeTerminal},
		{408, nil, OutcomeRetryable},
		{410, nil, OutcomeTerminal},
		{429, nil, OutcomeRetryable},
		{500, nil, OutcomeRetryable},
		{503, nil, OutcomeRetryable},
		{0, errors.New("connection refused"), OutcomeRetryable},
	}

	for _, tt := range tests {
		if got := Classify(tt.status, tt.err); got != tt.want {
			t.Errorf("Classify(%d, %v): expected %s, got %s", tt.status, tt.err, tt.want, got)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	delays := models.DefaultRetryDelays
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, time.Hour},
		{5, 6 * time.Hour},
		{6, 24 * time.Hour},
		{7, 24 * time.Hour},
		{20, 24 * time.Hour},
	}

	for _, tt := range tests {
		if got := RetryDelay(tt.attempt, delays); got != tt.want {
			t.Errorf("RetryDelay(%d): expected %v, got %v", tt.attempt, tt.want, got)
		}
	}

	if got := RetryDelay(3, nil); got != 0 {
		t.Errorf("expected 0 for an empty ladder, got %v", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("abcdef", 3); got != "abc" {
		t.Errorf("expected abc, got %s", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("expected abc, got %s", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Errorf("expected untouched string for a zero cap, got %s", got)
	}
}

func TestOutcomeKindString(t *testing.T) {
	t.Parallel()

	if OutcomeSuccess.String() != "success" || OutcomeRetryable.String() != "retryable" || OutcomeTerminal.String() != "terminal" {
		t.Error("unexpected outcome kind names")
	}
	if OutcomeKind(9).String() != "unknown" {
		t.Error("expected unknown for an out-of-range kind")
	}
}
