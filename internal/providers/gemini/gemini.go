// Package gemini adapts the Google Gemini API (official GenAI SDK) to the
// gateway's canonical request and stream shapes.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Adapter implements providers.Adapter for Google Gemini.
type Adapter struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Adapter) { p.baseURL = u }
}

// New creates a new Gemini Adapter. Returns nil when the SDK client cannot
// be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) *Adapter {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	p.httpClient = &http.Client{}

	base, ver := splitBaseURLAndVersion(p.baseURL)
	p.base = base
	p.apiVersion = ver

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil
	}

	p.client = client

	return p
}

func (p *Adapter) Name() string { return providerName }

func (p *Adapter) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toCallError(err))
	}
	return nil
}

// Request performs a non-streaming generation. Each candidate becomes a
// choice at its candidate index.
func (p *Adapter) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	contents, cfg := p.buildContentsAndConfig(req)

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toCallError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := &providers.Response{ID: id, Model: req.Model}

	if resp != nil {
		for i, c := range resp.Candidates {
			if c == nil {
				continue
			}
			out.Choices = append(out.Choices, providers.Choice{
				Index:        i,
				Role:         "assistant",
				Content:      candidateText(c),
				FinishReason: normalizeFinishReason(string(c.FinishReason)),
			})
		}
		if resp.UsageMetadata != nil {
			out.Usage = providers.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}

	return out, nil
}

// RequestStream folds the SDK's iterator stream into canonical events.
func (p *Adapter) RequestStream(ctx context.Context, req *providers.Request) (<-chan providers.Event, error) {
	contents, cfg := p.buildContentsAndConfig(req)

	ch := make(chan providers.Event, 64)

	go func() {
		defer close(ch)

		var usage *providers.Usage
		roleSent := false

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				ch <- providers.Event{Kind: providers.EventError, Err: toCallError(err)}
				return
			}
			if resp == nil {
				continue
			}

			for i, c := range resp.Candidates {
				if c == nil {
					continue
				}
				if !roleSent {
					roleSent = true
					ch <- providers.Event{Kind: providers.EventRole, Choice: i, Role: "assistant"}
				}
				if text := candidateText(c); text != "" {
					ch <- providers.Event{Kind: providers.EventContent, Choice: i, Text: text}
				}
				if c.FinishReason != "" {
					ch <- providers.Event{
						Kind:         providers.EventFinish,
						Choice:       i,
						FinishReason: normalizeFinishReason(string(c.FinishReason)),
					}
				}
			}

			if resp.UsageMetadata != nil {
				usage = &providers.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
		}

		if usage != nil {
			ch <- providers.Event{Kind: providers.EventUsage, Usage: usage}
		}
	}()

	return ch, nil
}

func (p *Adapter) buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	used := false

	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
		used = true
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
		used = true
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
		used = true
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
		used = true
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
		used = true
	}
	if req.N > 1 {
		cfg.CandidateCount = int32(req.N)
		used = true
	}

	if !used {
		cfg = nil
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// normalizeFinishReason maps Gemini finish reasons onto the OpenAI
// vocabulary the gateway speaks.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// splitBaseURLAndVersion separates a trailing API version segment from the
// base URL, since the SDK wants them configured separately.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toCallError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		ce := &providers.CallError{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
		if strings.Contains(strings.ToUpper(apiErr.Status), "SAFETY") {
			ce.Kind = providers.KindContentPolicy
		}
		return ce
	}
	return err
}
