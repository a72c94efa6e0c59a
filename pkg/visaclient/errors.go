package visaclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransportError means no response was received from the network. For calls
// with financial side effects the outcome is unknown: the request may have
// been processed.
type TransportError struct {
	Method    string
	Path      string
	RequestID string
	Attempts  int
	Timeout   bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "transport failure"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("visa %s %s: %s after %d attempt(s): %v", e.Method, e.Path, kind, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError is a non-2xx answer from the network.
type RejectionError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("visa api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("visa api error: status=%d message=%s", e.StatusCode, e.Message)
}

// errorEnvelope covers the two error body shapes the network returns.
type errorEnvelope struct {
	ResponseStatus *struct {
		Status   int    `json:"status"`
		Code     string `json:"code"`
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Info     string `json:"info"`
	} `json:"responseStatus"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Message      string `json:"message"`
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
