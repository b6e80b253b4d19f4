package delivery

import (
	"net/http"
	"time"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one delivery attempt. Err is set for network
// failures and for attempts that never reached the endpoint; Sent reports
// whether an HTTP request was actually made.
type Outcome struct {
	Kind            OutcomeKind
	StatusCode      int
	ResponseHeaders map[string]string
	ResponseBody    string
	Err             error
	Duration        time.Duration
	Sent            bool
}

// ErrorMessage returns the text stored on the attempt row, or "" when the
// endpoint answered.
func (o Outcome) ErrorMessage() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return ""
}

func terminal(err error) Outcome {
	return Outcome{Kind: OutcomeTerminal, Err: err}
}

// Classify maps an HTTP status, or a transport error when statusCode is 0,
// to an outcome kind.
func Classify(statusCode int, err error) OutcomeKind {
	if err != nil {
		return OutcomeRetryable
	}
	switch {
	case IsSuccess(statusCode):
		return OutcomeSuccess
	case IsRetryable(statusCode):
		return OutcomeRetryable
	default:
		return OutcomeTerminal
	}
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsRetryable reports whether the endpoint may accept the same request later.
func IsRetryable(statusCode int) bool {
	return statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
}

// RetryDelay picks the delay after the given 1-indexed attempt. Attempts past
// the end of the ladder reuse its last step.
func RetryDelay(attempt int, delays []int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return time.Duration(delays[idx]) * time.Second
}
