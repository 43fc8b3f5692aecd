// Package anthropic adapts the Anthropic Messages API (official SDK) to the
// gateway's canonical request and stream shapes.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Adapter) { p.baseURL = url }
}

// New creates a new Anthropic Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	p := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{}),
	)

	return p
}

func (p *Adapter) Name() string { return providerName }

func (p *Adapter) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toCallError(err))
	}
	return nil
}

// Request performs a non-streaming message call. Anthropic produces one
// completion, reported as choice 0.
func (p *Adapter) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params := p.buildParams(req)

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toCallError(err)
	}

	var content, reasoning strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(v.Text)
		case *anthropic.TextBlock:
			content.WriteString(v.Text)
		case anthropic.ThinkingBlock:
			reasoning.WriteString(v.Thinking)
		case *anthropic.ThinkingBlock:
			reasoning.WriteString(v.Thinking)
		}
	}

	return &providers.Response{
		ID:    msg.ID,
		Model: string(msg.Model),
		Choices: []providers.Choice{{
			Index:        0,
			Role:         "assistant",
			Content:      content.String(),
			Reasoning:    reasoning.String(),
			FinishReason: normalizeStopReason(string(msg.StopReason)),
		}},
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// RequestStream folds Anthropic's typed event stream into canonical events.
func (p *Adapter) RequestStream(ctx context.Context, req *providers.Request) (<-chan providers.Event, error) {
	params := p.buildParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)

	ch := make(chan providers.Event, 64)
	go func() {
		defer close(ch)

		usage := providers.Usage{}
		roleSent := false

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.PromptTokens = int(eventVariant.Message.Usage.InputTokens)
				if !roleSent {
					roleSent = true
					ch <- providers.Event{Kind: providers.EventRole, Role: "assistant"}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.Event{Kind: providers.EventContent, Text: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.Event{Kind: providers.EventContent, Text: deltaVariant.Text}
					}
				case anthropic.ThinkingDelta:
					if deltaVariant.Thinking != "" {
						ch <- providers.Event{Kind: providers.EventReasoning, Text: deltaVariant.Thinking}
					}
				case *anthropic.ThinkingDelta:
					if deltaVariant.Thinking != "" {
						ch <- providers.Event{Kind: providers.EventReasoning, Text: deltaVariant.Thinking}
					}
				}

			case anthropic.MessageDeltaEvent:
				usage.CompletionTokens = int(eventVariant.Usage.OutputTokens)
				if reason := string(eventVariant.Delta.StopReason); reason != "" {
					ch <- providers.Event{Kind: providers.EventFinish, FinishReason: normalizeStopReason(reason)}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.Event{Kind: providers.EventError, Err: toCallError(err)}
			return
		}

		if usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
			ch <- providers.Event{Kind: providers.EventUsage, Usage: &usage}
		}
	}()

	return ch, nil
}

func (p *Adapter) buildParams(req *providers.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := strings.ToLower(role)
	anthRole := anthropic.MessageParamRoleUser
	if r == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// normalizeStopReason maps Anthropic stop reasons onto the OpenAI
// vocabulary the gateway speaks.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	default:
		return reason
	}
}

func toCallError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		ce := &providers.CallError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
		if strings.Contains(strings.ToLower(apierr.Error()), "safety") {
			ce.Kind = providers.KindContentPolicy
		}
		return ce
	}
	return err
}
