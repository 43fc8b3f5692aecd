// Package openaicompat provides a generic OpenAI-compatible LLM adapter.
// Use it for any service that implements the OpenAI chat completions API
// (OpenAI itself, xAI, Groq, DeepSeek, Together AI, Perplexity, Cerebras,
// OpenRouter, etc.).
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/respjson"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
)

// Adapter is a configurable OpenAI-compatible provider adapter.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Adapter.
//
//   - name    — provider slug used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string) *Adapter {
	p := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{}),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Adapter) Name() string { return p.name }

func (p *Adapter) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toCallError(err))
	}
	return nil
}

// Request performs a non-streaming chat completion.
func (p *Adapter) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params, opts := p.buildParams(req)

	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, p.toCallError(err)
	}

	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}

	for _, c := range resp.Choices {
		choice := providers.Choice{
			Index:        int(c.Index),
			Role:         "assistant",
			Content:      c.Message.Content,
			FinishReason: c.FinishReason,
		}
		if raw, ok := extraString(c.Message.JSON.ExtraFields, "reasoning_content", "reasoning"); ok {
			choice.Reasoning = raw
		}
		if len(c.Message.ToolCalls) > 0 {
			if b, err := json.Marshal(c.Message.ToolCalls); err == nil {
				choice.ToolCalls = b
			}
		}
		out.Choices = append(out.Choices, choice)
	}

	return out, nil
}

// RequestStream performs a streaming chat completion. The returned channel
// is closed when the upstream stream ends; an EventError, if any, is the
// last element.
func (p *Adapter) RequestStream(ctx context.Context, req *providers.Request) (<-chan providers.Event, error) {
	params, opts := p.buildParams(req)
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	ch := make(chan providers.Event, 64)
	go func() {
		defer close(ch)

		usageSent := false
		for stream.Next() {
			chunk := stream.Current()

			for _, c := range chunk.Choices {
				idx := int(c.Index)
				if c.Delta.Role != "" {
					ch <- providers.Event{Kind: providers.EventRole, Choice: idx, Role: c.Delta.Role}
				}
				if reasoning, ok := extraString(c.Delta.JSON.ExtraFields, "reasoning_content", "reasoning"); ok && reasoning != "" {
					ch <- providers.Event{Kind: providers.EventReasoning, Choice: idx, Text: reasoning}
				}
				if c.Delta.Content != "" {
					ch <- providers.Event{Kind: providers.EventContent, Choice: idx, Text: c.Delta.Content}
				}
				if len(c.Delta.ToolCalls) > 0 {
					if b, err := json.Marshal(c.Delta.ToolCalls); err == nil {
						ch <- providers.Event{Kind: providers.EventToolCall, Choice: idx, ToolCall: b}
					}
				}
				if c.FinishReason != "" {
					ch <- providers.Event{Kind: providers.EventFinish, Choice: idx, FinishReason: c.FinishReason}
				}
			}

			if !usageSent && chunk.Usage.TotalTokens > 0 {
				usageSent = true
				ch <- providers.Event{Kind: providers.EventUsage, Usage: &providers.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
				}}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.Event{Kind: providers.EventError, Err: p.toCallError(err)}
		}
	}()

	return ch, nil
}

func (p *Adapter) buildParams(req *providers.Request) (openaiSDK.ChatCompletionNewParams, []option.RequestOption) {
	params := openaiSDK.ChatCompletionNewParams{
		Model: req.Model,
	}

	var opts []option.RequestOption

	// Messages with multimodal content or tool-call history cannot be
	// expressed through the typed helpers without loss; those requests get
	// the raw message array verbatim.
	if messagesNeedRaw(req.Messages) {
		opts = append(opts, option.WithJSONSet("messages", rawMessages(req.Messages)))
	} else {
		msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
		for _, m := range req.Messages {
			msgs = append(msgs, toSDKMessage(m))
		}
		params.Messages = msgs
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*req.PresencePenalty)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.N > 1 {
		params.N = openaiSDK.Int(int64(req.N))
	}
	if req.Seed != nil {
		params.Seed = openaiSDK.Int(*req.Seed)
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}
	if req.Logprobs != nil {
		params.Logprobs = openaiSDK.Bool(*req.Logprobs)
	}
	if req.TopLogprobs != nil {
		params.TopLogprobs = openaiSDK.Int(int64(*req.TopLogprobs))
	}
	if len(req.LogitBias) > 0 {
		opts = append(opts, option.WithJSONSet("logit_bias", json.RawMessage(req.LogitBias)))
	}
	if len(req.Stop) > 0 {
		opts = append(opts, option.WithJSONSet("stop", req.Stop))
	}

	// Tool definitions and response_format pass through untouched.
	if len(req.Tools) > 0 {
		opts = append(opts, option.WithJSONSet("tools", json.RawMessage(req.Tools)))
	}
	if len(req.ToolChoice) > 0 {
		opts = append(opts, option.WithJSONSet("tool_choice", json.RawMessage(req.ToolChoice)))
	}
	if len(req.ResponseFormat) > 0 {
		opts = append(opts, option.WithJSONSet("response_format", json.RawMessage(req.ResponseFormat)))
	}

	return params, opts
}

func messagesNeedRaw(msgs []providers.Message) bool {
	for _, m := range msgs {
		if len(m.RawContent) > 0 || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// rawMessages rebuilds the wire-shape message array for requests the typed
// helpers cannot express.
func rawMessages(msgs []providers.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{"role": m.Role}
		if len(m.RawContent) > 0 {
			entry["content"] = json.RawMessage(m.RawContent)
		} else {
			entry["content"] = m.Content
		}
		if m.Name != "" {
			entry["name"] = m.Name
		}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			entry["tool_calls"] = json.RawMessage(m.ToolCalls)
		}
		out = append(out, entry)
	}
	return out
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(m.Role) {
	case "developer":
		return openaiSDK.DeveloperMessage(m.Content)
	case "system":
		return openaiSDK.SystemMessage(m.Content)
	case "assistant":
		return openaiSDK.AssistantMessage(m.Content)
	case "tool":
		return openaiSDK.ToolMessage(m.Content, m.ToolCallID)
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}

// extraString pulls an undocumented string field (reasoning deltas mostly)
// out of the SDK's extra-field bag.
func extraString(extra map[string]respjson.Field, names ...string) (string, bool) {
	for _, n := range names {
		f, ok := extra[n]
		if !ok {
			continue
		}
		raw := f.Raw()
		if raw == "" || raw == "null" {
			continue
		}
		if s, err := strconv.Unquote(raw); err == nil {
			return s, true
		}
		return raw, true
	}
	return "", false
}

func (p *Adapter) toCallError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		ce := &providers.CallError{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
		if isContentPolicy(apierr) {
			ce.Kind = providers.KindContentPolicy
		}
		return ce
	}
	return err
}

// isContentPolicy recognizes moderation rejections, which must not trigger
// failover: every provider would refuse the same prompt.
func isContentPolicy(apierr *openaiSDK.Error) bool {
	msg := strings.ToLower(apierr.Error())
	return strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "content management policy") ||
		strings.Contains(msg, "content policy")
}
