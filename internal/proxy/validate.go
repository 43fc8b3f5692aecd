package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
)

const (
	maxMessages     = 1024
	maxStopEntries  = 4
	maxChoices      = 8
	maxBodyBytes    = 10 << 20 // 10 MiB
	maxSessionIDLen = 128
)

var validRoles = map[string]bool{
	"system":    true,
	"developer": true,
	"user":      true,
	"assistant": true,
	"tool":      true,
	"function":  true,
}

type (
	inboundMessage struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
		ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	}

	chatRequest struct {
		Model    string           `json:"model"`
		Messages []inboundMessage `json:"messages"`
		Stream   bool             `json:"stream"`

		MaxTokens           int             `json:"max_tokens"`
		MaxCompletionTokens int             `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		TopP                *float64        `json:"top_p"`
		FrequencyPenalty    *float64        `json:"frequency_penalty"`
		PresencePenalty     *float64        `json:"presence_penalty"`
		Stop                json.RawMessage `json:"stop"`
		N                   int             `json:"n"`
		Seed                *int64          `json:"seed"`
		User                string          `json:"user"`
		Logprobs            *bool           `json:"logprobs"`
		TopLogprobs         *int            `json:"top_logprobs"`
		LogitBias           json.RawMessage `json:"logit_bias"`
		StreamOptions       json.RawMessage `json:"stream_options"`

		Tools          json.RawMessage `json:"tools"`
		ToolChoice     json.RawMessage `json:"tool_choice"`
		ResponseFormat json.RawMessage `json:"response_format"`

		// Gateway extensions.
		Provider  string `json:"provider"`
		SessionID string `json:"session_id"`
	}
)

// validationError carries a client-facing message for a 400.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func invalidf(format string, args ...any) *validationError {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// parseChatRequest unmarshals and validates a chat completion body.
func parseChatRequest(body []byte) (*chatRequest, *validationError) {
	if len(body) == 0 {
		return nil, invalidf("request body is required")
	}
	if len(body) > maxBodyBytes {
		return nil, invalidf("request body exceeds %d bytes", maxBodyBytes)
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, invalidf("invalid JSON: %s", err.Error())
	}

	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *chatRequest) validate() *validationError {
	if r.Model == "" {
		return invalidf("field 'model' is required")
	}
	if len(r.Messages) == 0 {
		return invalidf("field 'messages' must contain at least one message")
	}
	if len(r.Messages) > maxMessages {
		return invalidf("field 'messages' exceeds %d entries", maxMessages)
	}

	for i, m := range r.Messages {
		role := strings.ToLower(m.Role)
		if !validRoles[role] {
			return invalidf("messages[%d]: invalid role %q", i, m.Role)
		}
		if len(m.Content) == 0 && len(m.ToolCalls) == 0 {
			return invalidf("messages[%d]: 'content' is required", i)
		}
		// A JSON empty string is present but has no content.
		var s string
		if json.Unmarshal(m.Content, &s) == nil && s == "" && len(m.ToolCalls) == 0 {
			return invalidf("messages[%d]: 'content' must not be empty", i)
		}
		if role == "tool" && m.ToolCallID == "" {
			return invalidf("messages[%d]: tool messages require 'tool_call_id'", i)
		}
	}

	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return invalidf("'temperature' must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return invalidf("'top_p' must be between 0 and 1")
	}
	if r.TopLogprobs != nil && (*r.TopLogprobs < 0 || *r.TopLogprobs > 20) {
		return invalidf("'top_logprobs' must be between 0 and 20")
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return invalidf("'frequency_penalty' must be between -2 and 2")
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return invalidf("'presence_penalty' must be between -2 and 2")
	}
	if r.MaxTokens < 0 || r.MaxCompletionTokens < 0 {
		return invalidf("'max_tokens' must not be negative")
	}
	if r.N < 0 || r.N > maxChoices {
		return invalidf("'n' must be between 1 and %d", maxChoices)
	}
	if len(r.StreamOptions) > 0 && string(r.StreamOptions) != "null" && !r.Stream {
		return invalidf("'stream_options' requires 'stream' to be true")
	}
	if len(r.SessionID) > maxSessionIDLen {
		return invalidf("'session_id' exceeds %d characters", maxSessionIDLen)
	}

	if _, err := r.stopSequences(); err != nil {
		return err
	}

	return nil
}

// stopSequences normalizes the "stop" field, which accepts a bare string or
// an array of up to four strings.
func (r *chatRequest) stopSequences() ([]string, *validationError) {
	if len(r.Stop) == 0 || string(r.Stop) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(r.Stop, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Stop, &many); err == nil {
		if len(many) > maxStopEntries {
			return nil, invalidf("'stop' accepts at most %d sequences", maxStopEntries)
		}
		return many, nil
	}
	return nil, invalidf("'stop' must be a string or array of strings")
}

// maxTokens merges the legacy and current field names; max_completion_tokens
// wins when both are present.
func (r *chatRequest) maxTokens() int {
	if r.MaxCompletionTokens > 0 {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

// toProviderRequest builds the canonical request. The Model field is filled
// per chain step by the dispatcher.
func (r *chatRequest) toProviderRequest(requestID string) *providers.Request {
	stop, _ := r.stopSequences()

	msgs := make([]providers.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, toProviderMessage(m))
	}

	preq := &providers.Request{
		CanonicalModel:   r.Model,
		Messages:         msgs,
		Stream:           r.Stream,
		MaxTokens:        r.maxTokens(),
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		Stop:             stop,
		N:                r.N,
		Seed:             r.Seed,
		User:             r.User,
		Logprobs:         r.Logprobs,
		TopLogprobs:      r.TopLogprobs,
		LogitBias:        r.LogitBias,
		Tools:            r.Tools,
		ToolChoice:       r.ToolChoice,
		ResponseFormat:   r.ResponseFormat,
		RequestID:        requestID,
	}
	providers.ApplyFloors(preq)
	return preq
}

// toProviderMessage keeps plain-text content in Content; anything else
// (multimodal arrays) rides along raw.
func toProviderMessage(m inboundMessage) providers.Message {
	out := providers.Message{
		Role:       strings.ToLower(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		out.Content = text
	} else if len(m.Content) > 0 {
		out.RawContent = m.Content
	}
	return out
}

// estimateRequestTokens approximates the token cost of a request for
// admission control: prompt characters at ~4/token plus the completion
// budget when the client set one.
func estimateRequestTokens(r *chatRequest) int64 {
	chars := 0
	for _, m := range r.Messages {
		chars += len(m.Content)
	}
	est := int64((chars + 3) / 4)
	if mt := r.maxTokens(); mt > 0 {
		est += int64(mt)
	}
	if est < 1 {
		est = 1
	}
	return est
}
