package completion

import (
	"fmt"
	"time"
)

// maxErrorBody caps how much of a failure body ends up in an error message
const maxErrorBody = 300

// ProviderError reports a non-2xx response from the provider
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, body)
}

// TimeoutError reports a call cancelled by the fixed request budget.
// Timed-out calls are never retried; the failure is user-visible.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("completion timed out after %s", e.Budget)
}

// ResponseFormatError reports a success body that could not be parsed as
// a chat completion
type ResponseFormatError struct {
	Reason string
}

func (e *ResponseFormatError) Error() string {
	return fmt.Sprintf("unexpected completion response: %s", e.Reason)
}
