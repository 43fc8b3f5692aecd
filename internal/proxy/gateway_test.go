package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/auth"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/billing"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/breaker"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/cache"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/routing"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

// --- fakes ------------------------------------------------------------------

// funcAdapter is a providers.Adapter driven by test closures.
type funcAdapter struct {
	name      string
	requestFn func(ctx context.Context, req *providers.Request) (*providers.Response, error)
	streamFn  func(ctx context.Context, req *providers.Request) (<-chan providers.Event, error)
}

func (a *funcAdapter) Name() string { return a.name }

func (a *funcAdapter) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if a.requestFn == nil {
		return nil, &providers.CallError{Provider: a.name, StatusCode: 500, Message: "not wired"}
	}
	return a.requestFn(ctx, req)
}

func (a *funcAdapter) RequestStream(ctx context.Context, req *providers.Request) (<-chan providers.Event, error) {
	if a.streamFn == nil {
		return nil, &providers.CallError{Provider: a.name, StatusCode: 500, Message: "not wired"}
	}
	return a.streamFn(ctx, req)
}

func okAdapter(name string) *funcAdapter {
	return &funcAdapter{
		name: name,
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			return &providers.Response{
				ID:    "resp-" + name,
				Model: req.Model,
				Choices: []providers.Choice{{
					Role: "assistant", Content: "hello from " + name, FinishReason: "stop",
				}},
				Usage: providers.Usage{PromptTokens: 10, CompletionTokens: 5},
			}, nil
		},
		streamFn: func(_ context.Context, _ *providers.Request) (<-chan providers.Event, error) {
			ch := make(chan providers.Event, 8)
			ch <- providers.Event{Kind: providers.EventRole, Role: "assistant"}
			ch <- providers.Event{Kind: providers.EventContent, Text: "hello "}
			ch <- providers.Event{Kind: providers.EventContent, Text: "from " + name}
			ch <- providers.Event{Kind: providers.EventFinish, FinishReason: "stop"}
			ch <- providers.Event{Kind: providers.EventUsage, Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5}}
			close(ch)
			return ch, nil
		},
	}
}

func failingAdapter(name string, status int) *funcAdapter {
	return &funcAdapter{
		name: name,
		requestFn: func(_ context.Context, _ *providers.Request) (*providers.Response, error) {
			return nil, &providers.CallError{Provider: name, StatusCode: status, Message: "upstream says no"}
		},
		streamFn: func(_ context.Context, _ *providers.Request) (<-chan providers.Event, error) {
			return nil, &providers.CallError{Provider: name, StatusCode: status, Message: "upstream says no"}
		},
	}
}

// captureRecorder collects usage events handed to settlement.
type captureRecorder struct {
	ch chan store.UsageEvent
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{ch: make(chan store.UsageEvent, 32)}
}

func (c *captureRecorder) Record(ev store.UsageEvent) { c.ch <- ev }

func (c *captureRecorder) wait(t *testing.T) store.UsageEvent {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no usage event recorded")
		return store.UsageEvent{}
	}
}

// --- fixture ----------------------------------------------------------------

const testAPIKey = "sk-test-good"

type testEnv struct {
	gw       *Gateway
	mem      *store.Memory
	recorder *captureRecorder
	limiter  *ratelimit.Manager
	breakers *breaker.Registry
}

// seedCatalog wires two providers serving "test-model" (alpha preferred)
// plus "free-model" on alpha only.
func seedCatalog(mem *store.Memory) {
	mem.PutProvider(store.Provider{Slug: "alpha", Active: true, Health: store.HealthHealthy, AvgLatencyMs: 10, SupportsStreaming: true})
	mem.PutProvider(store.Provider{Slug: "beta", Active: true, Health: store.HealthHealthy, AvgLatencyMs: 50, SupportsStreaming: true})

	price := decimal.RequireFromString("0.000001")
	mem.PutModel(store.Model{CanonicalID: "test-model", ProviderSlug: "alpha", ProviderModelID: "alpha-chat", PromptPrice: price, CompletionPrice: price, Active: true})
	mem.PutModel(store.Model{CanonicalID: "test-model", ProviderSlug: "beta", ProviderModelID: "beta-chat", PromptPrice: price, CompletionPrice: price, Active: true})
	mem.PutModel(store.Model{CanonicalID: "free-model", ProviderSlug: "alpha", ProviderModelID: "alpha-free", Active: true})
}

func newTestEnv(t *testing.T, adapters ...providers.Adapter) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem := store.NewMemory()
	seedCatalog(mem)
	mem.PutUser(store.User{
		ID:          "u1",
		KeyHash:     auth.HashKey(testAPIKey),
		Environment: store.EnvLive,
		Credits:     decimal.NewFromInt(10),
	})

	reg := providers.NewRegistry()
	if len(adapters) == 0 {
		adapters = []providers.Adapter{okAdapter("alpha"), okAdapter("beta")}
	}
	for _, a := range adapters {
		reg.Register(a)
	}

	c := cache.NewMemoryCache(ctx)
	keys := auth.NewKeyCache(mem, c, log)
	limiter := ratelimit.NewManager()
	breakers := breaker.NewRegistry(breaker.Config{ConsecutiveFailures: 3}, nil)
	rec := newCaptureRecorder()
	acct := billing.NewAccountant(mem, rec, limiter, keys, log)

	free, err := auth.NewFreeModelList([]string{"free-model"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	gw := NewGateway(ctx, Deps{
		Registry:   reg,
		Router:     routing.New(mem),
		Catalog:    mem,
		Users:      mem,
		Breakers:   breakers,
		Limiter:    limiter,
		Keys:       keys,
		Accountant: acct,
	}, GatewayOptions{
		Logger:     log,
		Sessions:   mem,
		Anon:       auth.NewAnonLimiter(c, 2, log),
		FreeModels: free,
	})
	t.Cleanup(gw.Close)

	return &testEnv{gw: gw, mem: mem, recorder: rec, limiter: limiter, breakers: breakers}
}

// serveGateway starts the gateway behind an in-memory listener with the full
// middleware pipeline and returns an HTTP client routed to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/chat/completions":
				gw.handleChatCompletions(ctx)
			case "/v1/responses":
				gw.handleResponses(ctx)
			case "/v1/models":
				gw.handleModels(ctx)
			case "/health":
				gw.handleHealth(ctx)
			case "/readiness":
				gw.handleReadiness(ctx)
			default:
				ctx.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
		recovery,
		requestID,
		timing,
	)

	go func() { _ = fasthttp.Serve(ln, handler) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doChat(t *testing.T, client *http.Client, apiKey string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gw/v1/chat/completions", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("error body not JSON: %v: %s", err, body)
	}
	return env.Error.Code
}

const chatBody = `{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`

// --- tests ------------------------------------------------------------------

func TestChat_Success(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey, chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
		GatewayUsage struct {
			TokensCharged int     `json:"tokens_charged"`
			RequestMS     int64   `json:"request_ms"`
			CostUSD       float64 `json:"cost_usd"`
		} `json:"gateway_usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if out.Model != "test-model" {
		t.Errorf("model = %q, want canonical id echoed", out.Model)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello from alpha" {
		t.Errorf("choices = %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total_tokens = %d, want 15", out.Usage.TotalTokens)
	}
	if out.GatewayUsage.TokensCharged != 15 {
		t.Errorf("gateway_usage.tokens_charged = %d, want 15", out.GatewayUsage.TokensCharged)
	}
	if out.GatewayUsage.CostUSD <= 0 {
		t.Errorf("gateway_usage.cost_usd = %v, want > 0 for a priced model", out.GatewayUsage.CostUSD)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestChat_SettlementDeductsCredits(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey, chatBody)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ev := env.recorder.wait(t)
	if !ev.Success || ev.Provider != "alpha" || ev.Model != "test-model" {
		t.Errorf("usage event = %+v", ev)
	}
	if ev.PromptTokens != 10 || ev.CompletionTokens != 5 {
		t.Errorf("tokens = %d/%d", ev.PromptTokens, ev.CompletionTokens)
	}
	if ev.Cost.Sign() <= 0 {
		t.Errorf("cost = %s, want > 0", ev.Cost)
	}

	// 15 tokens at 0.000001/token rounds up to the cost floor.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.mem.Credits("u1").LessThan(decimal.NewFromInt(10)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("credits never deducted, balance = %s", env.mem.Credits("u1"))
}

func TestChat_MissingKey(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	// test-model is not on the free list, so the keyless request is a
	// permission problem, not an authentication one.
	resp := doChat(t, client, "", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, body); code != "api_key_required" {
		t.Errorf("code = %q", code)
	}
}

func TestChat_InvalidKey(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, "sk-wrong", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, body); code != "invalid_api_key" {
		t.Errorf("code = %q", code)
	}
}

func TestChat_UnknownModel(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey,
		`{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if code := decodeErrorCode(t, body); code != "model_not_found" {
		t.Errorf("code = %q", code)
	}
}

func TestChat_ValidationError(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey,
		`{"model":"test-model","messages":[{"role":"user","content":"hi"}],"temperature":5}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("temperature")) {
		t.Errorf("body should name the bad field: %s", body)
	}
}

func TestChat_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	env.mem.PutUser(store.User{
		ID:      "broke",
		KeyHash: auth.HashKey("sk-broke"),
		Credits: decimal.Zero,
	})
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, "sk-broke", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, body); code != "insufficient_credits" {
		t.Errorf("code = %q", code)
	}
}

func TestChat_TrialExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.mem.PutUser(store.User{
		ID:      "trial-user",
		KeyHash: auth.HashKey("sk-trial"),
		Trial: store.Trial{
			Active:            true,
			EndDate:           time.Now().Add(24 * time.Hour),
			RemainingTokens:   0,
			RemainingRequests: 10,
			RemainingCredits:  decimal.NewFromInt(1),
		},
	})
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, "sk-trial", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, body); code != "trial_quota_exhausted" {
		t.Errorf("code = %q", code)
	}
}

func TestChat_TrialExpired(t *testing.T) {
	env := newTestEnv(t)
	env.mem.PutUser(store.User{
		ID:      "expired-user",
		KeyHash: auth.HashKey("sk-expired"),
		Trial: store.Trial{
			Active:            true,
			EndDate:           time.Now().Add(-time.Hour),
			RemainingTokens:   1000,
			RemainingRequests: 10,
			RemainingCredits:  decimal.NewFromInt(1),
		},
	})
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, "sk-expired", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, body); code != "trial_expired" {
		t.Errorf("code = %q", code)
	}
}

func TestChat_Failover(t *testing.T) {
	env := newTestEnv(t, failingAdapter("alpha", 503), okAdapter("beta"))
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey, chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("hello from beta")) {
		t.Errorf("expected the fallback provider's answer, got %s", body)
	}
}

func TestChat_NonRetryableStopsChain(t *testing.T) {
	var betaCalled bool
	beta := okAdapter("beta")
	inner := beta.requestFn
	beta.requestFn = func(ctx context.Context, req *providers.Request) (*providers.Response, error) {
		betaCalled = true
		return inner(ctx, req)
	}

	env := newTestEnv(t, failingAdapter("alpha", 422), beta)
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey, chatBody)
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a client-shaped upstream error", resp.StatusCode)
	}
	if betaCalled {
		t.Error("second provider called after a non-retryable failure")
	}
}

func TestChat_AllProvidersFailed(t *testing.T) {
	env := newTestEnv(t, failingAdapter("alpha", 503), failingAdapter("beta", 503))
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey, chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, body); code != "all_providers_failed" {
		t.Errorf("code = %q", code)
	}

	ev := env.recorder.wait(t)
	if ev.Success {
		t.Error("failed request recorded as success")
	}
	if ev.ErrorKind == "" {
		t.Error("usage event missing error kind")
	}
}

func TestChat_RateLimitHeaders(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey, chatBody)
	readBody(t, resp)

	// Default plan: 60 req/min.
	if got := resp.Header.Get("RateLimit-Limit"); got != "60" {
		t.Errorf("RateLimit-Limit = %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Limit-Requests"); got != "60" {
		t.Errorf("X-RateLimit-Limit-Requests = %q", got)
	}
	if resp.Header.Get("X-RateLimit-Reset-Requests") == "" {
		t.Error("missing absolute reset header")
	}
	if resp.Header.Get("X-RateLimit-Remaining-Tokens") == "" {
		t.Error("missing token remaining header")
	}
}

func TestChat_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.mem.PutPlan(store.Plan{ID: "tiny", RequestsPerMinute: 1, MaxConcurrency: 5})
	env.mem.PutUser(store.User{
		ID:      "limited",
		KeyHash: auth.HashKey("sk-limited"),
		PlanID:  "tiny",
		Credits: decimal.NewFromInt(10),
	})
	client := serveGateway(t, env.gw)

	first := doChat(t, client, "sk-limited", chatBody)
	readBody(t, first)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second := doChat(t, client, "sk-limited", chatBody)
	body := readBody(t, second)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, body %s", second.StatusCode, body)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if got := second.Header.Get("RateLimit-Remaining"); got != "0" {
		t.Errorf("RateLimit-Remaining = %q, want 0", got)
	}
}

func TestChat_AnonymousFreeModel(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	freeBody := `{"model":"free-model","messages":[{"role":"user","content":"hi"}]}`

	// Daily cap is 2 in the fixture.
	for i := 0; i < 2; i++ {
		resp := doChat(t, client, "", freeBody)
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, resp.StatusCode)
		}
	}

	resp := doChat(t, client, "", freeBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d after cap, body %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("anon 429 without Retry-After")
	}
}

func TestChat_AnonymousPaidModelRejected(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, "", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, body); code != "api_key_required" {
		t.Errorf("code = %q", code)
	}
	if !bytes.Contains(body, []byte("free-model")) {
		t.Errorf("rejection should list the models open to anonymous callers: %s", body)
	}
}

func TestChat_Streaming(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	streamBody := `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := doChat(t, client, testAPIKey, streamBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var (
		frames  []string
		sawDone bool
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		frames = append(frames, payload)
	}
	if !sawDone {
		t.Fatal("stream did not terminate with [DONE]")
	}
	if len(frames) < 3 {
		t.Fatalf("got %d frames, want role+content+finish at least", len(frames))
	}

	var text strings.Builder
	firstID := ""
	for _, f := range frames {
		var chunk struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content *string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(f), &chunk); err != nil {
			t.Fatalf("frame not JSON: %v: %s", err, f)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("object = %q", chunk.Object)
		}
		if chunk.Model != "test-model" {
			t.Errorf("model = %q", chunk.Model)
		}
		if firstID == "" {
			firstID = chunk.ID
		} else if chunk.ID != firstID {
			t.Errorf("frame id changed mid-stream: %q vs %q", chunk.ID, firstID)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != nil {
				text.WriteString(*c.Delta.Content)
			}
		}
	}
	if text.String() != "hello from alpha" {
		t.Errorf("assembled text = %q", text.String())
	}

	ev := env.recorder.wait(t)
	if !ev.Streamed || !ev.Success {
		t.Errorf("usage event = %+v, want streamed success", ev)
	}
	if ev.PromptTokens != 10 || ev.CompletionTokens != 5 {
		t.Errorf("provider-reported usage not used: %d/%d", ev.PromptTokens, ev.CompletionTokens)
	}
}

func TestChat_StreamingFailover(t *testing.T) {
	env := newTestEnv(t, failingAdapter("alpha", 503), okAdapter("beta"))
	client := serveGateway(t, env.gw)

	streamBody := `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := doChat(t, client, testAPIKey, streamBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("from beta")) {
		t.Errorf("expected fallback provider's stream, got %s", body)
	}
}

func TestChat_StreamClientDisconnect(t *testing.T) {
	canceled := make(chan struct{})
	slow := &funcAdapter{
		name: "alpha",
		streamFn: func(ctx context.Context, _ *providers.Request) (<-chan providers.Event, error) {
			ch := make(chan providers.Event)
			go func() {
				defer close(ch)
				ch <- providers.Event{Kind: providers.EventRole, Role: "assistant"}
				for {
					select {
					case <-ctx.Done():
						close(canceled)
						return
					case ch <- providers.Event{Kind: providers.EventContent, Text: "chunk "}:
					}
					time.Sleep(5 * time.Millisecond)
				}
			}()
			return ch, nil
		},
	}

	env := newTestEnv(t, slow, okAdapter("beta"))
	client := serveGateway(t, env.gw)

	streamBody := `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := doChat(t, client, testAPIKey, streamBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Read one frame, then hang up mid-stream.
	buf := make([]byte, 256)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call was not canceled after the client disconnected")
	}

	// Settlement must still run with the partial tokens, and the
	// concurrency slot must come back.
	ev := env.recorder.wait(t)
	if !ev.Streamed {
		t.Errorf("usage event = %+v, want streamed", ev)
	}
	if ev.CompletionTokens <= 0 {
		t.Errorf("partial output not accounted: %d completion tokens", ev.CompletionTokens)
	}
	if n := env.limiter.InFlight("user:u1"); n != 0 {
		t.Fatalf("concurrency slot leaked after client disconnect: %d in flight", n)
	}
}

func TestChat_StreamEmptyUpstream(t *testing.T) {
	empty := &funcAdapter{
		name: "alpha",
		streamFn: func(_ context.Context, _ *providers.Request) (<-chan providers.Event, error) {
			ch := make(chan providers.Event)
			close(ch)
			return ch, nil
		},
	}

	env := newTestEnv(t, empty)
	client := serveGateway(t, env.gw)

	streamBody := `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := doChat(t, client, testAPIKey, streamBody)
	body := readBody(t, resp)

	// A zero-chunk upstream still honors the SSE contract: one diagnostic
	// error frame, then the terminator.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, body %s", ct, body)
	}
	if !bytes.Contains(body, []byte("empty_stream_error")) {
		t.Errorf("missing diagnostic frame: %s", body)
	}
	if !bytes.HasSuffix(bytes.TrimSpace(body), []byte("data: [DONE]")) {
		t.Errorf("[DONE] must be the last frame: %s", body)
	}

	ev := env.recorder.wait(t)
	if ev.Success {
		t.Error("empty stream recorded as success")
	}
	if ev.PromptTokens != 0 || ev.CompletionTokens != 0 {
		t.Errorf("empty stream must charge zero tokens, got %d/%d", ev.PromptTokens, ev.CompletionTokens)
	}
}

func TestChat_AllBreakersOpen503(t *testing.T) {
	env := newTestEnv(t)
	// Fixture breakers trip after 3 consecutive failures.
	for i := 0; i < 3; i++ {
		env.breakers.RecordFailure("alpha", "alpha-chat")
		env.breakers.RecordFailure("beta", "beta-chat")
	}
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey, chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when every circuit is open; body %s", resp.StatusCode, body)
	}
	if code := decodeErrorCode(t, body); code != "all_providers_failed" {
		t.Errorf("code = %q", code)
	}
}

func TestChat_NoEligibleProviders503(t *testing.T) {
	env := newTestEnv(t)
	env.mem.PutProvider(store.Provider{Slug: "ghost", Active: false, Health: store.HealthUnhealthy})
	env.mem.PutModel(store.Model{CanonicalID: "orphan-model", ProviderSlug: "ghost", ProviderModelID: "ghost-chat", Active: true})
	client := serveGateway(t, env.gw)

	resp := doChat(t, client, testAPIKey,
		`{"model":"orphan-model","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body %s", resp.StatusCode, body)
	}
}

func TestChat_ConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t)
	env.mem.PutPlan(store.Plan{ID: "one", RequestsPerMinute: 100, MaxConcurrency: 1})
	env.mem.PutUser(store.User{
		ID:      "narrow",
		KeyHash: auth.HashKey("sk-narrow"),
		PlanID:  "one",
		Credits: decimal.NewFromInt(10),
	})
	client := serveGateway(t, env.gw)

	// Occupy the single slot out of band.
	if !env.limiter.Acquire("user:narrow", 1) {
		t.Fatal("could not occupy the slot")
	}
	defer env.limiter.Release("user:narrow")

	resp := doChat(t, client, "sk-narrow", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if code := decodeErrorCode(t, body); code != "concurrency_limit_exceeded" {
		t.Errorf("code = %q", code)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestChat_TrialBypassesConcurrency(t *testing.T) {
	env := newTestEnv(t)
	env.mem.PutPlan(store.Plan{ID: "one", RequestsPerMinute: 100, MaxConcurrency: 1})
	env.mem.PutUser(store.User{
		ID:      "trial-c",
		KeyHash: auth.HashKey("sk-trial-c"),
		PlanID:  "one",
		Trial: store.Trial{
			Active:            true,
			EndDate:           time.Now().Add(24 * time.Hour),
			RemainingTokens:   10000,
			RemainingRequests: 100,
			RemainingCredits:  decimal.NewFromInt(1),
		},
	})
	client := serveGateway(t, env.gw)

	// The semaphore is full, but trial users are metered through their
	// trial counters instead.
	if !env.limiter.Acquire("user:trial-c", 1) {
		t.Fatal("could not occupy the slot")
	}
	defer env.limiter.Release("user:trial-c")

	resp := doChat(t, client, "sk-trial-c", chatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
}

func TestChat_SessionHistory(t *testing.T) {
	var gotMessages []providers.Message
	alpha := okAdapter("alpha")
	inner := alpha.requestFn
	alpha.requestFn = func(ctx context.Context, req *providers.Request) (*providers.Response, error) {
		gotMessages = req.Messages
		return inner(ctx, req)
	}

	env := newTestEnv(t, alpha, okAdapter("beta"))
	client := serveGateway(t, env.gw)

	sessionBody := `{"model":"test-model","messages":[{"role":"user","content":"second turn"}],"session_id":"s1"}`

	first := doChat(t, client, testAPIKey,
		`{"model":"test-model","messages":[{"role":"user","content":"first turn"}],"session_id":"s1"}`)
	readBody(t, first)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	env.recorder.wait(t)

	second := doChat(t, client, testAPIKey, sessionBody)
	readBody(t, second)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d", second.StatusCode)
	}

	// History must precede the new turn: first user turn, assistant reply,
	// then "second turn".
	if len(gotMessages) != 3 {
		t.Fatalf("upstream saw %d messages, want 3: %+v", len(gotMessages), gotMessages)
	}
	if gotMessages[0].Content != "first turn" || gotMessages[1].Role != "assistant" {
		t.Errorf("history order wrong: %+v", gotMessages)
	}
	if gotMessages[2].Content != "second turn" {
		t.Errorf("new turn not last: %+v", gotMessages)
	}
}

func TestChat_SessionIDQueryParam(t *testing.T) {
	var gotMessages []providers.Message
	alpha := okAdapter("alpha")
	inner := alpha.requestFn
	alpha.requestFn = func(ctx context.Context, req *providers.Request) (*providers.Response, error) {
		gotMessages = req.Messages
		return inner(ctx, req)
	}

	env := newTestEnv(t, alpha, okAdapter("beta"))
	client := serveGateway(t, env.gw)

	post := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost,
			"http://gw/v1/chat/completions?session_id=qs1", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	first := post(`{"model":"test-model","messages":[{"role":"user","content":"first turn"}]}`)
	readBody(t, first)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	env.recorder.wait(t)

	second := post(`{"model":"test-model","messages":[{"role":"user","content":"second turn"}]}`)
	readBody(t, second)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d", second.StatusCode)
	}

	if len(gotMessages) != 3 {
		t.Fatalf("query-param session did not carry history: %d messages %+v", len(gotMessages), gotMessages)
	}
	if gotMessages[0].Content != "first turn" || gotMessages[2].Content != "second turn" {
		t.Errorf("history order wrong: %+v", gotMessages)
	}
}

func TestModels_List(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	req, _ := http.NewRequest(http.MethodGet, "http://gw/v1/models", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" {
		t.Errorf("object = %q", out.Object)
	}
	// Two canonical ids, each once despite test-model's two deployments.
	if len(out.Data) != 2 {
		t.Fatalf("models = %+v, want 2 entries", out.Data)
	}
	if out.Data[0].ID != "free-model" || out.Data[1].ID != "test-model" {
		t.Errorf("ids not sorted: %+v", out.Data)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	req, _ := http.NewRequest(http.MethodGet, "http://gw/health", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var snap struct {
		Status    string            `json:"status"`
		Providers map[string]string `json:"providers"`
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != "ok" || snap.Providers["alpha"] != "ok" {
		t.Errorf("snapshot = %+v", snap)
	}

	req, _ = http.NewRequest(http.MethodGet, "http://gw/readiness", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readiness status = %d", resp.StatusCode)
	}
}
