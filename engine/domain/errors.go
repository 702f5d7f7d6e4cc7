package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline error for retry policy and reporting.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindRateLimit     Kind = "rate_limit"
	KindTimeout       Kind = "timeout"
	KindSchema        Kind = "schema"
	KindExhausted     Kind = "exhausted"
	KindDuplicate     Kind = "duplicate"
	KindNotFound      Kind = "not_found"
	KindAccessDenied  Kind = "access_denied"
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
)

// PipelineError carries a Kind alongside the wrapped cause.
type PipelineError struct {
	Kind    Kind
	Op      string
	Wrapped error
}

func (e *PipelineError) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Wrapped)
}

func (e *PipelineError) Unwrap() error { return e.Wrapped }

// NewError wraps err with a kind and operation label.
func NewError(kind Kind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Wrapped: err}
}

// KindOf extracts the Kind from an error chain, defaulting to transport for
// plain errors and timeout for context deadline errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// Recoverable reports whether the error should be retried locally.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimit, KindTimeout, KindSchema:
		return true
	}
	return false
}

// Sanitize maps internal error text to a short canonical message safe to
// echo through the review HTTP surface. Full detail is logged internally,
// never returned.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	low := strings.ToLower(err.Error())
	switch {
	case strings.Contains(low, "access denied"), strings.Contains(low, "permission"):
		return "Access denied"
	case strings.Contains(low, "not found"), strings.Contains(low, "no such"):
		return "Resource not found"
	case strings.Contains(low, "timed out"), strings.Contains(low, "timeout"), strings.Contains(low, "deadline"):
		return "Request timed out"
	case strings.Contains(low, "connection"), strings.Contains(low, "dial"):
		return "Service temporarily unavailable"
	case strings.Contains(low, "validation"):
		return "Validation error"
	default:
		return "Internal error"
	}
}

// ErrorRecord is a row in the errors table; the debug UI's failure feed
// reads it.
type ErrorRecord struct {
	PK           string `json:"pk"`
	Timestamp    string `json:"timestamp"`
	PDFKey       string `json:"pdf_key"`
	ErrorType    string `json:"error_type"`
	ErrorDetails string `json:"error_details"`
	SourceKey    string `json:"source_key,omitempty"`
	Date         string `json:"date"`
	Hour         int    `json:"hour"`
}

// NewErrorRecord builds an error row keyed ERROR#<filename>#<ts>.
func NewErrorRecord(now string, date string, hour int, pdfKey, errorType, details, sourceKey string) ErrorRecord {
	if len(details) > 1000 {
		details = details[:1000]
	}
	return ErrorRecord{
		PK:           "ERROR#" + BaseName(pdfKey) + "#" + now,
		Timestamp:    now,
		PDFKey:       pdfKey,
		ErrorType:    errorType,
		ErrorDetails: details,
		SourceKey:    sourceKey,
		Date:         date,
		Hour:         hour,
	}
}
