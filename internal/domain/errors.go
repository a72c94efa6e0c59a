package domain

import (
	"fmt"
	"strings"
)

// ErrorKind is the local classification of a failed network operation.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindRateLimited   ErrorKind = "rate_limited"
	KindUnknownEntity ErrorKind = "unknown_entity"
	KindServerError   ErrorKind = "server_error"
	KindUnknown       ErrorKind = "unknown"
)

// ConfigurationError is raised at startup when required settings or files are
// absent. It always lists every missing name, never just the first one.
type ConfigurationError struct {
	Missing      []string
	MissingFiles []string
	Invalid      []string
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, 0, 3)
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required configuration: "+strings.Join(e.Missing, ", "))
	}
	if len(e.MissingFiles) > 0 {
		parts = append(parts, "missing files: "+strings.Join(e.MissingFiles, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid configuration: "+strings.Join(e.Invalid, "; "))
	}
	if len(parts) == 0 {
		return "configuration error"
	}
	return strings.Join(parts, "; ")
}

// HasProblems reports whether anything was recorded on the error.
func (e *ConfigurationError) HasProblems() bool {
	return len(e.Missing) > 0 || len(e.MissingFiles) > 0 || len(e.Invalid) > 0
}

// ValidationError is bad caller input. It is reported synchronously and the
// request is never sent to the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
