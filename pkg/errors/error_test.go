package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{InstanceNotFound, "Instance not found"},
		{InvalidParams, "Invalid parameters"},
		{DatabaseError, "Database operation failed"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{InstanceInvalidState, 400},
		{InstanceLimitExceeded, 400},
		{Unauthorized, 401},
		{TokenExpired, 401},
		{NoActiveInstance, 403},
		{InstanceExpired, 403},
		{MachineUnavailable, 404},
		{InstanceNotFound, 404},
		{InstanceConflict, 409},
		{FlagRateLimited, 429},
		{RuntimeFailure, 500},
		{ServiceUnavailable, 503},
		{InternalServerError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	originalErr := stderrors.New("connection refused")
	wrappedErr := Wrap(originalErr, DatabaseError)

	if wrappedErr.Code != DatabaseError {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, DatabaseError)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if !stderrors.Is(wrappedErr, originalErr) {
		t.Error("errors.Is should see the wrapped cause")
	}
}

func TestGetCodeThroughWrapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil error", nil, Success},
		{"custom error", New(InstanceConflict), InstanceConflict},
		{"fmt wrapped", fmt.Errorf("start: %w", New(InstanceConflict)), InstanceConflict},
		{"standard error", stderrors.New("standard error"), InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}

	if GetError(fmt.Errorf("wrapped: %w", New(FlagRateLimited))).Code != FlagRateLimited {
		t.Error("GetError() should look through wrapping")
	}
	if GetError(stderrors.New("boom")).Code != InternalServerError {
		t.Error("GetError() should treat uncoded failures as internal")
	}
}

func TestWrapKeepsOuterCode(t *testing.T) {
	inner := New(ServiceUnavailable)
	if Wrap(inner, ServiceUnavailable) != inner {
		t.Error("Wrap with the same code should return the error unchanged")
	}
	outer := Wrap(inner, DatabaseError)
	if outer.Code != DatabaseError || inner.Code != ServiceUnavailable {
		t.Errorf("Wrap should not rewrite the inner code: outer=%v inner=%v", outer.Code, inner.Code)
	}
	if GetCode(fmt.Errorf("ctx: %w", outer)) != DatabaseError {
		t.Error("GetCode should report the outermost code")
	}
}

func TestRuntimeError(t *testing.T) {
	cause := stderrors.New("deadline exceeded")
	err := RuntimeError(cause, "start", true)

	if err.Code != RuntimeFailure {
		t.Errorf("Code = %v, want %v", err.Code, RuntimeFailure)
	}
	if err.Details["op"] != "start" || err.Details["ambiguous"] != true {
		t.Errorf("unexpected details: %v", err.Details)
	}
	if !stderrors.Is(err, cause) {
		t.Error("RuntimeError should keep its cause")
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("machine_id", "required")
	if err.Code != ValidationFailed || err.Details["field"] != "machine_id" || err.Details["reason"] != "required" {
		t.Errorf("unexpected validation error: %v %v", err.Code, err.Details)
	}
	if err.Stack == "" || !strings.Contains(err.Stack, "TestValidationError") {
		t.Errorf("stack should start at the caller, got %q", err.Stack)
	}
}
