package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAllProvidersFailed is returned by a Chain when no configured
// provider produced a response.
var ErrAllProvidersFailed = errors.New("all providers failed")

// ProviderError is a failure reported by a vendor API. Retryable marks
// rate limits and transient server errors.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s error (status %d): %s", e.Provider, e.Status, e.Message)
}

// StreamAbortError terminates a stream mid-flight, for example when the
// parser buffer limit is exceeded or the connection drops.
type StreamAbortError struct {
	Reason string
}

func (e *StreamAbortError) Error() string {
	return fmt.Sprintf("stream aborted: %s", e.Reason)
}

// IsRetryable reports whether an error should be retried with backoff.
// Matches rate limits and transient server failures by status code and
// by the message text vendors put in error bodies.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Retryable {
			return true
		}
		switch pe.Status {
		case 429, 500, 502, 503, 529:
			return true
		}
	}
	msg := err.Error()
	for _, marker := range []string{"429", "500", "502", "503", "529", "rate limit", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
