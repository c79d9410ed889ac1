// Package llm provides the chat completion clients used by the
// executor, evaluator, and planner.
package llm

import (
	"context"
	"time"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the parameters for one completion call.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

// Client is any chat completion provider.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// Config configures a provider client.
type Config struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
	Headers map[string]string
	// MaxBodyBytes caps how much of a provider response is read.
	// Zero means no limit.
	MaxBodyBytes int64
}

// UserMessage is a convenience constructor for a single-turn request.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// SystemMessage constructs a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}
