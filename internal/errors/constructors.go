package errors

import "fmt"

// ContextUnavailable creates an error for when the profile or conversation store cannot be read.
func ContextUnavailable(source string, cause error) *CounselorError {
	return &CounselorError{
		Kind:      KindContextUnavailable,
		Code:      "context_unavailable",
		Message:   fmt.Sprintf("could not load %s, please try again shortly", source),
		Retryable: true,
		Cause:     cause,
	}
}

// ProviderFailure creates an error for a failed provider call.
func ProviderFailure(vendor string, retryable bool, cause error) *CounselorError {
	return &CounselorError{
		Kind:      KindProvider,
		Code:      "provider_failed",
		Message:   "the counselor is unavailable right now, please try again",
		Vendor:    vendor,
		Retryable: retryable,
		Cause:     cause,
	}
}

// ProviderTimeout creates an error for a provider call that hit its deadline.
func ProviderTimeout(vendor string, cause error) *CounselorError {
	return &CounselorError{
		Kind:      KindProvider,
		Code:      "provider_timeout",
		Message:   "the counselor took too long to respond, please try again",
		Vendor:    vendor,
		Retryable: true,
		Cause:     cause,
	}
}

// ProviderUnavailable creates an error for a vendor whose circuit is open.
func ProviderUnavailable(vendor string) *CounselorError {
	return &CounselorError{
		Kind:      KindProvider,
		Code:      "provider_unavailable",
		Message:   "the counselor is unavailable right now, please try again",
		Vendor:    vendor,
		Retryable: true,
	}
}

// ProviderNotConfigured creates an error for a routing entry naming an unknown vendor.
func ProviderNotConfigured(vendor string) *CounselorError {
	return &CounselorError{
		Kind:    KindProvider,
		Code:    "provider_not_configured",
		Message: fmt.Sprintf("provider %q is not configured", vendor),
		Vendor:  vendor,
	}
}

// MalformedOutput creates an error describing model output that failed validation.
func MalformedOutput(reason string) *CounselorError {
	return &CounselorError{
		Kind:    KindMalformedOutput,
		Code:    "malformed_output",
		Message: reason,
	}
}

// UnknownTool creates an error for a tool call naming an unregistered tool.
func UnknownTool(name string) *CounselorError {
	return &CounselorError{
		Kind:    KindUnknownTool,
		Code:    "unknown_tool",
		Message: fmt.Sprintf("tool %q is not registered", name),
	}
}

// InvalidArguments creates an error for tool arguments that violate the tool contract.
func InvalidArguments(name, reason string) *CounselorError {
	return &CounselorError{
		Kind:    KindInvalidArguments,
		Code:    "invalid_arguments",
		Message: fmt.Sprintf("invalid arguments for %s: %s", name, reason),
	}
}

// ToolExecution creates an error for a handler whose store write failed.
func ToolExecution(name string, cause error) *CounselorError {
	return &CounselorError{
		Kind:    KindToolExecution,
		Code:    "tool_execution_failed",
		Message: fmt.Sprintf("tool %s failed", name),
		Cause:   cause,
	}
}

// QuotaExceeded creates an error for an entitlement denial.
func QuotaExceeded(studentID, tier string) *CounselorError {
	return &CounselorError{
		Kind:    KindQuotaExceeded,
		Code:    "quota_exceeded",
		Message: fmt.Sprintf("the %s plan turn limit has been reached, upgrade to keep chatting", tier),
		Cause:   fmt.Errorf("student %s", studentID),
	}
}

// ConfigInvalid creates an error for a configuration that failed validation.
func ConfigInvalid(field string, cause error) *CounselorError {
	return &CounselorError{
		Kind:    KindConfig,
		Code:    "config_invalid",
		Message: fmt.Sprintf("invalid configuration: %s", field),
		Cause:   cause,
	}
}
