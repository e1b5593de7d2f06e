// Package model defines the streaming contract between agent strategies and
// language model providers, plus the provider adapters.
package model

import (
	"context"
	"errors"
	"iter"
)

// Role is a conversation role understood by every provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversation turn.
type Message struct {
	Role    Role
	Content string
}

// Request is a provider-neutral streaming request.
type Request struct {
	// Model overrides the client's default model when set.
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Stage tags the request for providers that key behavior by stage,
	// such as the scripted client.
	Stage string
}

// Client streams raw model text.
//
// Stream yields text deltas in order. A failure is reported as a final
// ("", err) pair. Breaking out of the loop releases the underlying stream.
type Client interface {
	Name() string
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

var (
	// ErrNoMessages is returned for a request with nothing to answer.
	ErrNoMessages = errors.New("model: request has no messages")
	// ErrUnknownProvider is returned by the registry for an unregistered name.
	ErrUnknownProvider = errors.New("model: unknown provider")
)

// Validate checks the fields every provider needs.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

// fail returns a sequence that yields only err.
func fail(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
