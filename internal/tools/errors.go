package tools

import (
	"errors"
	"fmt"
)

// ErrInvalidArguments is wrapped by every argument validation failure.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// ErrToolUnavailable is returned when a call names a tool that is not in
// the registry. The model is told so and may pick another tool.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
