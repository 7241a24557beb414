// Package llm talks to model providers behind a provider-neutral Client.
package llm

import (
	"context"
	"fmt"
)

// Client is implemented by every model provider.
type Client interface {
	// ChatStream sends one model turn. Text deltas and tool-call starts
	// are delivered to callback as they arrive when callback is non-nil;
	// the returned response carries the complete message and usage.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// StreamError is an error event delivered inside an otherwise successful
// stream, such as an overloaded provider.
type StreamError struct {
	Provider string
	Type     string
	Message  string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream error (%s): %s", e.Provider, e.Type, e.Message)
}
