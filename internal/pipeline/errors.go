package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why an attempt failed.
type Kind string

const (
	KindUnsafeURL          Kind = "UnsafeUrl"
	KindInvalidInput       Kind = "InvalidInput"
	KindDownloadFailure    Kind = "DownloadFailure"
	KindProcessingRejected Kind = "ProcessingRejected"
	KindTooLarge           Kind = "TooLarge"
	KindUploadFailure      Kind = "UploadFailure"
	KindRateLimited        Kind = "RateLimited"
	KindCircuitOpen        Kind = "CircuitOpen"
)

// Retryable reports whether the same attempt could succeed later.
func (k Kind) Retryable() bool {
	switch k {
	case KindDownloadFailure, KindUploadFailure, KindRateLimited, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// ShortCircuit reports whether the resilience layer answered instead of
// the provider. Those are back-off signals, not failures of the candidate.
func (k Kind) ShortCircuit() bool {
	return k == KindRateLimited || k == KindCircuitOpen
}

// Error is a failed attempt. URL is the candidate being fetched.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports the retry classification of the error's kind.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// KindOf extracts the Kind from err, if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

func newError(kind Kind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}
