package client

import (
	"errors"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{"client error should not retry", ErrorClassClient, false},
		{"server error should retry", ErrorClassServer, true},
		{"rate limit should retry", ErrorClassRateLimit, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := shouldRetry(tt.errorClass); result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTransportError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *TransportError
		expected string
	}{
		{
			name: "network error",
			err: &TransportError{
				Method: "GET",
				URL:    "https://api.example.com/users",
				Class:  ErrorClassNetwork,
				Err:    errors.New("connection refused"),
			},
			expected: "upstream GET https://api.example.com/users: network error: connection refused",
		},
		{
			name: "status error with body",
			err: &TransportError{
				Method:     "POST",
				URL:        "https://api.example.com/orders",
				StatusCode: 500,
				Class:      ErrorClassServer,
				Err:        errors.New("boom"),
			},
			expected: "upstream POST https://api.example.com/orders: server error (status 500): boom",
		},
		{
			name: "status error without body",
			err: &TransportError{
				Method:     "GET",
				URL:        "https://api.example.com/x",
				StatusCode: 404,
				Class:      ErrorClassClient,
			},
			expected: "upstream GET https://api.example.com/x: client error (status 404)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	var err error = &TransportError{Method: "GET", Class: ErrorClassNetwork, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Error("errors.As should match *TransportError")
	}
}

func TestDecodeError(t *testing.T) {
	inner := errors.New("unexpected end of JSON input")
	err := &DecodeError{URL: "https://api.example.com/x", Err: inner}

	if got := err.Error(); got != "decode response from https://api.example.com/x: unexpected end of JSON input" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestInvalidRequestError(t *testing.T) {
	err := &InvalidRequestError{Field: "endpoint", Reason: "must not be empty"}
	if got := err.Error(); got != "invalid request: endpoint: must not be empty" {
		t.Errorf("Error() = %q", got)
	}
}
