// Package providers defines the common interfaces and types used by all LLM
// provider adapters (OpenAI, Anthropic, Gemini, and the OpenAI-compatible
// family), the canonical upstream error taxonomy, and the adapter registry.
//
// Each adapter lives in its own sub-package and implements the Adapter
// interface. Adapters translate the gateway's canonical request into the
// provider's wire shape and fold the provider's responses — streaming or
// not — back into canonical form.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Message is a single turn in a conversation. Content holds plain text;
	// RawContent carries multimodal content parts verbatim when the client
	// sent an array instead of a string.
	Message struct {
		Role       string
		Content    string
		RawContent json.RawMessage
		Name       string
		ToolCallID string
		ToolCalls  json.RawMessage
	}

	// Usage — token usage stats.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
	}

	// Request — normalized client request handed to an adapter. Model is
	// already rewritten to the provider's naming scheme; CanonicalModel
	// keeps the gateway-facing id for logging.
	Request struct {
		Model          string
		CanonicalModel string
		Messages       []Message
		Stream         bool

		MaxTokens        int
		Temperature      *float64
		TopP             *float64
		FrequencyPenalty *float64
		PresencePenalty  *float64
		Stop             []string
		N                int
		Seed             *int64
		User             string
		Logprobs         *bool
		TopLogprobs      *int
		LogitBias        json.RawMessage

		// Tool and response-format payloads pass through untouched.
		Tools          json.RawMessage
		ToolChoice     json.RawMessage
		ResponseFormat json.RawMessage

		RequestID string
	}

	// Choice is one completion alternative of a non-streaming response.
	Choice struct {
		Index        int
		Role         string
		Content      string
		Reasoning    string
		ToolCalls    json.RawMessage
		FinishReason string
	}

	// Response — normalized non-streaming provider response.
	Response struct {
		ID      string
		Model   string
		Choices []Choice
		Usage   Usage
	}
)

// EventKind tags the variants of the canonical stream event union.
type EventKind uint8

const (
	// EventRole announces the assistant role for a choice (first delta).
	EventRole EventKind = iota
	// EventContent carries a text delta for a choice.
	EventContent
	// EventReasoning carries a reasoning/thinking delta for a choice.
	EventReasoning
	// EventToolCall carries a tool-call delta fragment for a choice.
	EventToolCall
	// EventFinish carries the finish reason for a choice.
	EventFinish
	// EventUsage carries provider-reported token usage (at most once).
	EventUsage
	// EventError terminates the stream abnormally.
	EventError
)

// Event is one element of the canonical stream. Exactly the fields relevant
// to Kind are set.
type Event struct {
	Kind   EventKind
	Choice int

	Text         string // EventContent, EventReasoning
	Role         string // EventRole
	ToolCall     json.RawMessage
	FinishReason string // EventFinish
	Usage        *Usage // EventUsage
	Err          error  // EventError
}

// Adapter is the per-provider dispatch surface. RequestStream returns a
// channel the adapter closes when the upstream stream ends; the channel
// carries at most one EventError, always last.
type Adapter interface {
	Name() string
	Request(ctx context.Context, req *Request) (*Response, error)
	RequestStream(ctx context.Context, req *Request) (<-chan Event, error)
}

// HealthChecker is an optional interface for adapters that can answer a
// cheap liveness probe. Check with a type assertion.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DefaultTimeout is the per-attempt upstream deadline unless the registry
// carries an override for the provider.
const DefaultTimeout = 30 * time.Second

// StatusCoder exposes the upstream HTTP status of a provider error.
type StatusCoder interface {
	HTTPStatus() int
}

// minCompletionTokens is the floor applied by ApplyFloors: some model
// families reject or loop on very small completion budgets.
const minCompletionTokens = 16

// reasoningFamilies lists model-id prefixes whose deployments require a
// minimum completion budget to emit anything at all.
var reasoningFamilies = []string{"o1", "o3", "o4", "deepseek-reasoner", "qwq"}

// ApplyFloors normalizes request parameters the providers are picky about.
// Currently: raises MaxTokens to a safe floor for reasoning-style models
// when the client set a value below it. A zero MaxTokens (provider default)
// is left alone.
func ApplyFloors(req *Request) {
	if req.MaxTokens <= 0 {
		return
	}
	for _, fam := range reasoningFamilies {
		if hasPrefixFold(req.Model, fam) {
			if req.MaxTokens < minCompletionTokens {
				req.MaxTokens = minCompletionTokens
			}
			return
		}
	}
	if req.MaxTokens < 1 {
		req.MaxTokens = 1
	}
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
