// ABOUTME: Tool definitions, handlers, and the error types tools return
// ABOUTME: Validation errors are raised before any upstream fetch happens

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/binance-mcp/internal/observation"
)

var (
	// ErrToolNotFound is returned when a call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArgument is wrapped by every ValidationError.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ValidationError reports a missing or malformed argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidArgument) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Definition describes a tool to MCP clients.
type Definition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// Handler executes a tool against parsed arguments.
type Handler func(ctx context.Context, args Args) (observation.Observation, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition Definition
	Handler    Handler
}
