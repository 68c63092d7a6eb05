package tools

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrServiceNotFound = errors.New("service not found")
)

// ValidationError reports why a proposal was rejected. Kind is one of
// ErrUnknownTool or ErrInvalidArgument.
type ValidationError struct {
	Kind   error
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Tool)
	}
	return fmt.Sprintf("%s: %s.%s: %s", e.Kind, e.Tool, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// Cause lets errors.Cause from pkg/errors reach the sentinel.
func (e *ValidationError) Cause() error {
	return e.Kind
}

func unknownTool(name string) *ValidationError {
	return &ValidationError{Kind: ErrUnknownTool, Tool: name}
}

func invalidArgument(tool, field, reason string) *ValidationError {
	return &ValidationError{Kind: ErrInvalidArgument, Tool: tool, Field: field, Reason: reason}
}
