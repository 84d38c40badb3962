package llm

import (
	"context"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
)

// GenerationParams holds explicit sampling settings for a generation call.
// Zero values mean "use the backend default"; call EnsureDefaults to pin
// them before sending a request.
type GenerationParams struct {
	MaxTokens   int      `json:"max_tokens"`
	Temperature float32  `json:"temperature"`
	TopP        float32  `json:"top_p"`
	TopK        int      `json:"top_k"`
	Sampling    bool     `json:"sampling"`
	Stop        []string `json:"stop,omitempty"`
}

// DefaultGenerationParams returns the settings used for chat turns when the
// caller does not override anything.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		MaxTokens:   8192,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        20,
		Sampling:    true,
	}
}

// EnsureDefaults fills any unset field with its default value. Sampling is
// left alone: false is a valid greedy-decoding choice.
func (p *GenerationParams) EnsureDefaults() {
	def := DefaultGenerationParams()
	if p.MaxTokens <= 0 {
		p.MaxTokens = def.MaxTokens
	}
	if p.Temperature <= 0 {
		p.Temperature = def.Temperature
	}
	if p.TopP <= 0 {
		p.TopP = def.TopP
	}
	if p.TopK <= 0 {
		p.TopK = def.TopK
	}
}

// StreamEventType identifies the kind of event emitted during streaming.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is a single unit emitted by a streaming backend.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Err     error
}

// StreamCallback receives stream events in emission order. Returning a
// non-nil error aborts the stream; the backend stops generating and returns
// that error from ChatStream.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate runs a single non-streaming completion for the prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ChatStream generates a reply to the conversation, invoking callback
	// for each token as it is produced. It returns only after the backend
	// call has fully finished.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
