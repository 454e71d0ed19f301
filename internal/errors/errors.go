package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the turn reacts to it.
type Kind string

const (
	KindContextUnavailable Kind = "context_unavailable"
	KindProvider           Kind = "provider"
	KindMalformedOutput    Kind = "malformed_output"
	KindUnknownTool        Kind = "unknown_tool"
	KindInvalidArguments   Kind = "invalid_arguments"
	KindToolExecution      Kind = "tool_execution"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindConfig             Kind = "config"
)

// Sentinels for errors.Is checks. They match any CounselorError of the same kind.
var (
	ErrContextUnavailable = &CounselorError{Kind: KindContextUnavailable}
	ErrProvider           = &CounselorError{Kind: KindProvider}
	ErrMalformedOutput    = &CounselorError{Kind: KindMalformedOutput}
	ErrUnknownTool        = &CounselorError{Kind: KindUnknownTool}
	ErrInvalidArguments   = &CounselorError{Kind: KindInvalidArguments}
	ErrToolExecution      = &CounselorError{Kind: KindToolExecution}
	ErrQuotaExceeded      = &CounselorError{Kind: KindQuotaExceeded}
)

// CounselorError is the structured error type for the project
type CounselorError struct {
	Kind      Kind
	Code      string
	Message   string
	Vendor    string // set for provider errors
	Retryable bool
	Cause     error
}

func (e *CounselorError) Error() string {
	prefix := string(e.Kind)
	if e.Vendor != "" {
		prefix += "/" + e.Vendor
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", prefix, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", prefix, e.Code, e.Message)
}

func (e *CounselorError) Unwrap() error {
	return e.Cause
}

// Is matches on kind, and on code too when the target carries one.
func (e *CounselorError) Is(target error) bool {
	t, ok := target.(*CounselorError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

// IsRetryable checks whether an error is retryable.
// Returns false for nil errors or non-CounselorError types.
func IsRetryable(err error) bool {
	var ce *CounselorError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// KindOf extracts the kind from a CounselorError.
// Returns an empty Kind for nil errors or foreign error types.
func KindOf(err error) Kind {
	var ce *CounselorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// VendorOf returns the provider vendor attached to err, if any.
func VendorOf(err error) string {
	var ce *CounselorError
	if errors.As(err, &ce) {
		return ce.Vendor
	}
	return ""
}

// UserMessage returns a message that is safe to show a student.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *CounselorError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
