package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestDetectorError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeWriteFailed, "put failed")
	expected := "[STORAGE:write_failed] put failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestDetectorError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeReadFailed, "get failed", cause)
	expected := "[STORAGE:read_failed] get failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestDetectorError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodeWriteFailed, "put failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestDetectorError_Is(t *testing.T) {
	err1 := New(ErrCategoryAuth, CodeIngestUnauthorized, "first")
	err2 := New(ErrCategoryAuth, CodeIngestUnauthorized, "second")
	err3 := New(ErrCategoryAuth, CodeDashboardUnauthorized, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeReadFailed, true},
		{ErrCategoryStorage, CodeWriteFailed, true},
		{ErrCategoryStorage, CodeCorruptValue, false},
		{ErrCategoryAuth, CodeAdminUnauthorized, false},
		{ErrCategoryTenant, CodeTenantNotConfigured, false},
		{ErrCategoryValidation, CodeMalformedPayload, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("IsRetryable(%s:%s) = %v, want %v", tt.category, tt.code, got, tt.retryable)
		}
	}
}

func TestIsRetryable_NonDetectorError(t *testing.T) {
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewValidationError(CodeInvalidRange, "bad range"))
	if got := GetCategory(err); got != ErrCategoryValidation {
		t.Errorf("GetCategory = %q, want %q", got, ErrCategoryValidation)
	}
	if got := GetCode(err); got != CodeInvalidRange {
		t.Errorf("GetCode = %q, want %q", got, CodeInvalidRange)
	}
	if GetCode(fmt.Errorf("plain")) != "" {
		t.Error("GetCode should be empty for plain errors")
	}
}

func TestDenial(t *testing.T) {
	tests := []struct {
		reason   string
		category ErrorCategory
	}{
		{CodeTenantNotConfigured, ErrCategoryTenant},
		{CodeHostNotAllowed, ErrCategoryTenant},
		{CodeDashboardUnauthorized, ErrCategoryAuth},
		{CodeIngestUnauthorized, ErrCategoryAuth},
		{CodeAdminUnauthorized, ErrCategoryAuth},
	}

	for _, tt := range tests {
		err := Denial(tt.reason)
		if err.Category != tt.category || err.Code != tt.reason {
			t.Errorf("Denial(%q) = %s:%s, want %s:%s", tt.reason, err.Category, err.Code, tt.category, tt.reason)
		}
	}
}

func TestWithDetails(t *testing.T) {
	base := NewStorageError(CodeWriteFailed, "put failed", nil)
	detailed := base.WithDetails(map[string]interface{}{"key": "stats:a:openai:total"})

	if base.Details != nil {
		t.Error("WithDetails should not mutate the original")
	}
	if detailed.Details["key"] != "stats:a:openai:total" {
		t.Errorf("unexpected details: %v", detailed.Details)
	}
}
