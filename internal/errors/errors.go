package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Manguet/ErrorReportWordpressSDK/transport"
)

// Kind classifies why an event did not make it to the endpoint.
type Kind string

const (
	KindValidation         Kind = "validation_failure"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindRateLimited        Kind = "rate_limited"
	KindDuplicate          Kind = "duplicate"
	KindCompression        Kind = "compression_failure"
	KindTransportRetryable Kind = "transport_retryable"
	KindTransportTerminal  Kind = "transport_terminal"
	KindCircuitOpen        Kind = "circuit_open"
	KindInternal           Kind = "internal"
)

// ReportError is the structured outcome of a failed pipeline stage.
type ReportError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Code       int    `json:"code,omitempty"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *ReportError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.underlying)
	}
	return msg
}

func (e *ReportError) Unwrap() error {
	return e.underlying
}

// Is matches any *ReportError of the same kind, so sentinel comparisons
// with errors.Is survive wrapping and added details.
func (e *ReportError) Is(target error) bool {
	t, ok := target.(*ReportError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Common errors
var (
	ErrValidation   = &ReportError{Kind: KindValidation, Message: "event failed validation"}
	ErrQuota        = &ReportError{Kind: KindQuotaExceeded, Message: "quota exceeded"}
	ErrRateLimited  = &ReportError{Kind: KindRateLimited, Message: "rate limit reached"}
	ErrDuplicate    = &ReportError{Kind: KindDuplicate, Message: "duplicate event suppressed"}
	ErrCompression  = &ReportError{Kind: KindCompression, Message: "compression failed"}
	ErrCircuitOpen  = &ReportError{Kind: KindCircuitOpen, Message: "circuit breaker is open"}
	ErrInternal     = &ReportError{Kind: KindInternal, Message: "internal pipeline error"}
	ErrTransport    = &ReportError{Kind: KindTransportRetryable, Message: "transport failure"}
	ErrTransportEnd = &ReportError{Kind: KindTransportTerminal, Message: "transport rejected payload"}
)

// New creates a ReportError of the given kind.
func New(kind Kind, message string) *ReportError {
	return &ReportError{Kind: kind, Message: message}
}

// Wrap wraps err with a kind and message.
func Wrap(err error, kind Kind, message string) *ReportError {
	return &ReportError{Kind: kind, Message: message, underlying: err}
}

// WithDetails returns a copy of e carrying details.
func (e *ReportError) WithDetails(details string) *ReportError {
	return &ReportError{
		Kind:       e.Kind,
		Message:    e.Message,
		Code:       e.Code,
		Details:    details,
		underlying: e.underlying,
	}
}

// IsReportError checks if an error is a ReportError
func IsReportError(err error) (*ReportError, bool) {
	var re *ReportError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// FromStatus maps an HTTP status code to a transport error. 408, 429 and
// 5xx are retryable; every other 4xx is terminal.
func FromStatus(code int) *ReportError {
	kind := KindTransportRetryable
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		kind = KindTransportTerminal
	}
	return &ReportError{
		Kind:    kind,
		Message: fmt.Sprintf("endpoint returned HTTP %d", code),
		Code:    code,
	}
}

// KindOf reports the taxonomy kind of err. Unknown errors (network
// failures, timeouts) are treated as retryable transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if re, ok := IsReportError(err); ok {
		return re.Kind
	}
	var se *transport.StatusError
	if stderrors.As(err, &se) {
		return FromStatus(se.Code).Kind
	}
	return KindTransportRetryable
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransportRetryable
}

// Terminal reports whether err means the endpoint answered and refused
// the payload; the endpoint itself is healthy.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindTransportTerminal, KindValidation:
		return true
	}
	return false
}

// RetryAfter returns the delay the endpoint asked for before the next
// attempt, or zero when err carries none.
func RetryAfter(err error) time.Duration {
	var se *transport.StatusError
	if stderrors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
