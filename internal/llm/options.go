// Package llm talks to the chat-completions backend: payload preparation,
// streaming and non-streaming requests, inline tool-call extraction, and
// context-overflow detection.
package llm

import (
	"fmt"
	"time"
)

// ProviderKind selects the backend flavour.
type ProviderKind string

const (
	// ProviderLocal is a llama.cpp-class server on the local network. Its
	// health endpoint is probed at construction and failures are survivable.
	ProviderLocal ProviderKind = "local"
	// ProviderCloud is a hosted OpenAI-compatible API requiring a key.
	ProviderCloud ProviderKind = "cloud"
)

// DefaultTimeout bounds one chat-completion request end to end.
const DefaultTimeout = 120 * time.Second

// Options configures a Client.
type Options struct {
	ServerURL string
	Model     string
	Provider  ProviderKind
	APIKey    string
	Timeout   time.Duration
	Streaming bool

	// Inference holds the sampling parameters passed through to the server
	// verbatim under inference_configs.
	Inference map[string]interface{}

	// ContextLength is forwarded as load_model_configs.n_ctx for the local
	// provider.
	ContextLength int

	// RequestsPerSecond paces requests toward the local backend; zero
	// disables pacing.
	RequestsPerSecond float64
}

func (o *Options) normalize() error {
	switch o.Provider {
	case ProviderLocal, ProviderCloud:
	default:
		return fmt.Errorf("unsupported provider kind: %q", o.Provider)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Inference == nil {
		o.Inference = DefaultInference()
	}
	return nil
}

// DefaultInference returns the stock sampling parameters.
func DefaultInference() map[string]interface{} {
	return map[string]interface{}{
		"temperature":        0.7,
		"top_p":              0.9,
		"top_k":              40,
		"min_p":              0.05,
		"repetition_penalty": 1.1,
		"max_tokens":         1024,
		"stop":               []string{},
	}
}

// ToolSpec is a tool definition in the shape the LLM expects.
type ToolSpec struct {
	Type     string           `json:"type"`
	Function ToolFunctionSpec `json:"function"`
}

// ToolFunctionSpec names a callable function and its parameter schema.
type ToolFunctionSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters"`
}
