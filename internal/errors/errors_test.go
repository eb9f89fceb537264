package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		CodeUnknown,
		CodeValidation,
		CodeConfiguration,
		CodeTimeout,
		CodeCanceled,
		CodeNotConnected,
		CodeDialFailed,
		CodeTransport,
		CodeMalformedFrame,
		CodeEncodeFailed,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("Error code %v should not be empty", code)
		}
		if seen[code] {
			t.Errorf("Error code %s is duplicated", code)
		}
		seen[code] = true
	}
}

func TestConnectionError(t *testing.T) {
	t.Run("basic error creation", func(t *testing.T) {
		err := NewConnectionError(CodeTransport, "socket reset")
		if err.Code != CodeTransport {
			t.Errorf("Expected code %s, got %s", CodeTransport, err.Code)
		}
		if err.Context == nil {
			t.Error("Context should be initialized")
		}
		expected := "[TRANSPORT] socket reset"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("not connected carries message type", func(t *testing.T) {
		err := ErrNotConnected("start_scan")
		expected := "[NOT_CONNECTED] connection is not open (type: start_scan)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("dial failure includes endpoint and cause", func(t *testing.T) {
		cause := fmt.Errorf("connection refused")
		err := ErrDialFailed("ws://localhost:8080/ws", cause)
		if err.Unwrap() != cause {
			t.Error("Wrapped error should be unwrappable")
		}
		expected := "[DIAL_FAILED] failed to open connection (endpoint: ws://localhost:8080/ws): connection refused"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("with context", func(t *testing.T) {
		err := NewConnectionError(CodeTimeout, "write timed out")
		err.WithContext("deadline", "10s").WithContext("attempt", 2)

		if err.Context["deadline"] != "10s" {
			t.Errorf("Expected deadline '10s', got %v", err.Context["deadline"])
		}
		if err.Context["attempt"] != 2 {
			t.Errorf("Expected attempt 2, got %v", err.Context["attempt"])
		}
	})
}

func TestConfigError(t *testing.T) {
	err := ErrConfigInvalid("server.url", "ftp://host")
	if err.Field != "server.url" {
		t.Errorf("Expected field 'server.url', got '%s'", err.Field)
	}
	expected := "[VALIDATION] Invalid configuration value (field: server.url)"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}

	cause := errors.New("yaml: line 3")
	wrapped := WrapConfigError(CodeConfiguration, "failed to parse config", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("ConfigError should unwrap to its cause")
	}
}

func TestIsCodeAndGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{"connection error", ErrNotConnected("start_scan"), CodeNotConnected},
		{"config error", ErrConfigInvalid("logging.level", "loud"), CodeValidation},
		{"wrapped connection error", fmt.Errorf("send: %w", ErrMalformedFrame(errors.New("eof"))), CodeMalformedFrame},
		{"plain error", errors.New("boom"), CodeUnknown},
		{"nil error", nil, CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("Expected code %s, got %s", tt.expected, got)
			}
			if tt.err != nil && tt.expected != CodeUnknown && !IsCode(tt.err, tt.expected) {
				t.Errorf("IsCode(%v, %s) should be true", tt.err, tt.expected)
			}
		})
	}

	if IsCode(nil, CodeUnknown) {
		t.Error("IsCode should be false for a nil error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{ErrNotConnected("start_scan"), true},
		{ErrDialFailed("ws://x/ws", errors.New("refused")), true},
		{NewConnectionError(CodeTransport, "reset"), true},
		{ErrMalformedFrame(errors.New("bad json")), false},
		{ErrConfigInvalid("server.url", ""), false},
		{errors.New("plain"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}
