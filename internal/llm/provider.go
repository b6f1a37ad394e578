// Package llm defines the provider-agnostic interface the planner uses to
// talk to a language model.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a model reply carries no text.
var ErrEmptyResponse = errors.New("llm returned no text content")

// Provider is the abstraction over an LLM backend.
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request is a single-shot conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64 // nil leaves the provider default.
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float64) *float64 { return &t }

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UserMessage builds a one-message request body.
func UserMessage(text string) []Message {
	return []Message{{Role: RoleUser, Content: text}}
}

// Response is what the LLM returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
