package azure

import (
	"errors"
	"fmt"
)

// FailureReason is the typed classification of a failed completion call.
// Callers branch on the reason instead of sniffing error strings.
type FailureReason string

const (
	// ReasonRateLimited: 429 budget exhaustion survived every retry
	ReasonRateLimited FailureReason = "rate_limited"
	// ReasonTruncated: the model hit the token budget even after the enlarged retry
	ReasonTruncated FailureReason = "truncated"
	// ReasonEmptyContent: provider returned no content even without the JSON constraint
	ReasonEmptyContent FailureReason = "empty_content"
	// ReasonPayloadTooLarge: request exceeds the model context window
	ReasonPayloadTooLarge FailureReason = "payload_too_large"
	// ReasonNetwork: transport-level failure after all retries
	ReasonNetwork FailureReason = "network"
	// ReasonFatalConfig: 401/403/404 - misconfiguration, never retried
	ReasonFatalConfig FailureReason = "fatal_config"
	// ReasonUnknown: anything else
	ReasonUnknown FailureReason = "unknown"
)

// RequestError is the error type returned by the client for failed calls
type RequestError struct {
	Reason     FailureReason
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface
func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("azure openai: %s (status %d): %s", e.Reason, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("azure openai: %s: %s", e.Reason, e.Message)
}

// Unwrap returns the underlying error
func (e *RequestError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the failure reason from an error chain
func ReasonOf(err error) FailureReason {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Reason
	}
	return ReasonUnknown
}
