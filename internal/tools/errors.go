package tools

import (
	"fmt"
	"strings"
)

// ErrToolUnavailable is returned when the model calls a tool that is not
// registered. It is fed back to the model like any other tool error.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ValidationError lists every way the arguments failed the tool's schema.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}
