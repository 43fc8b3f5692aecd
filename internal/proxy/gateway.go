// Package proxy is the core LLM request orchestrator.
//
// The Gateway receives an OpenAI-compatible request, resolves the caller's
// identity (API key, trial, or anonymous free tier), applies rate limiting
// and concurrency caps, builds a failover chain from the model catalog, and
// walks that chain until one provider serves the request. Settlement —
// pricing, the credit ledger, the durable usage row, and token-window
// reconciliation — happens after the response has left, off the hot path.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the upstream call itself.
//   - Every collaborator except the registry and router is optional and
//     nil-safe so partial deployments and unit tests stay cheap.
//   - Streaming responses fail over only before the first byte; after that
//     the stream belongs to the client.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/auth"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/billing"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/breaker"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/metrics"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/routing"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/pkg/apierr"
)

// defaultMaxAttempts bounds the failover chain walk per request.
const defaultMaxAttempts = 3

// anonMaxConcurrency caps in-flight requests per anonymous caller.
const anonMaxConcurrency = 2

// settleTimeout bounds the post-flight settlement of one request.
const settleTimeout = 10 * time.Second

// Deps are the required collaborators of a Gateway.
type Deps struct {
	Registry   *providers.Registry
	Router     *routing.Router
	Catalog    store.Catalog
	Users      store.UserStore
	Breakers   *breaker.Registry
	Limiter    *ratelimit.Manager
	Keys       *auth.KeyCache
	Accountant *billing.Accountant
}

// GatewayOptions holds the optional collaborators and tuning parameters.
// Every field may be left zero.
type GatewayOptions struct {
	Logger *slog.Logger

	// MaxAttempts is the maximum number of provider attempts per request
	// (including the first). Must be ≥ 1. Default: 3.
	MaxAttempts int

	// DefaultLimits applies when the user store cannot produce a plan.
	DefaultLimits ratelimit.Limits

	Metrics  *metrics.Registry
	FastTier *metrics.HealthRecorder
	Sessions store.SessionStore

	// Anon and FreeModels together enable the keyless free tier: requests
	// without an Authorization header are admitted only for models on the
	// free list, capped per client IP per day.
	Anon       *auth.AnonLimiter
	FreeModels *auth.FreeModelList

	// CacheReady is the readiness probe for the cache backend.
	CacheReady func() bool
	// SinkReady is the readiness probe for the usage sink backend.
	SinkReady func() bool

	CORSOrigins []string
	Version     string
}

// Gateway is the orchestrator. All dependencies are injected so they can be
// replaced with doubles in unit tests.
type Gateway struct {
	registry   *providers.Registry
	router     *routing.Router
	catalog    store.Catalog
	users      store.UserStore
	breakers   *breaker.Registry
	limiter    *ratelimit.Manager
	keys       *auth.KeyCache
	accountant *billing.Accountant

	anon       *auth.AnonLimiter
	freeModels *auth.FreeModelList
	sessions   store.SessionStore
	fastTier   *metrics.HealthRecorder
	metrics    *metrics.Registry
	health     *HealthChecker

	baseCtx context.Context
	log     *slog.Logger

	maxAttempts   int
	defaultLimits ratelimit.Limits
	corsOrigins   []string
	version       string

	now        func() time.Time
	postFlight sync.WaitGroup
}

// NewGateway creates a fully wired Gateway. baseCtx outlives individual
// requests and owns background probes and post-flight settlement.
func NewGateway(baseCtx context.Context, deps Deps, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if deps.Registry == nil || deps.Router == nil {
		panic("gateway: registry and router are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	g := &Gateway{
		registry:      deps.Registry,
		router:        deps.Router,
		catalog:       deps.Catalog,
		users:         deps.Users,
		breakers:      deps.Breakers,
		limiter:       deps.Limiter,
		keys:          deps.Keys,
		accountant:    deps.Accountant,
		anon:          opts.Anon,
		freeModels:    opts.FreeModels,
		sessions:      opts.Sessions,
		fastTier:      opts.FastTier,
		metrics:       opts.Metrics,
		baseCtx:       baseCtx,
		log:           log,
		maxAttempts:   maxAttempts,
		defaultLimits: opts.DefaultLimits,
		corsOrigins:   opts.CORSOrigins,
		version:       version,
		now:           time.Now,
	}

	if g.metrics != nil {
		g.metrics.SetBuildInfo(version)
		if g.breakers != nil {
			g.breakers.SetOnTransition(func(provider, model string, from, to breaker.Phase) {
				pair := provider + "/" + model
				g.metrics.ObserveBreakerTransition(pair, from.Label(), to.Label(), int(to))
				g.log.WarnContext(baseCtx, "breaker_transition",
					slog.String("pair", pair),
					slog.String("from", from.Label()),
					slog.String("to", to.Label()),
				)
			})
		}
	}

	if adapters := deps.Registry.All(); len(adapters) > 0 {
		g.health = NewHealthChecker(baseCtx, adapters, opts.CacheReady, opts.SinkReady, opts.Metrics)
	}

	return g
}

// Close waits for in-flight settlements and stops background probes.
func (g *Gateway) Close() {
	g.postFlight.Wait()
	if g.health != nil {
		g.health.Close()
	}
}

// identity is the resolved caller of one request.
type identity struct {
	user    *store.User // nil for anonymous callers
	trial   bool
	free    bool
	limits  ratelimit.Limits
	rateKey string
}

// admission bundles everything the admission pipeline produced: identity,
// the rate decision behind the response headers, and the paired concurrency
// release. release is idempotent and must be called on every exit path.
type admission struct {
	ident     identity
	decision  ratelimit.Decision
	estTokens int64
	release   func()
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(ctx *fasthttp.RequestCtx) string {
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return ctx.RemoteIP().String()
}

// authorize resolves the caller. On rejection it writes the error response
// and returns ok=false.
func (g *Gateway) authorize(ctx *fasthttp.RequestCtx, model string) (identity, bool) {
	reqID, _ := ctx.UserValue("request_id").(string)
	token := parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))))

	if token == "" {
		return g.authorizeAnonymous(ctx, model, reqID)
	}

	if g.keys == nil {
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return identity{}, false
	}

	user, err := g.keys.Lookup(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownKey) {
			if g.metrics != nil {
				g.metrics.AuthCacheNegative()
			}
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return identity{}, false
		}
		if g.metrics != nil {
			g.metrics.AuthCacheError()
		}
		g.log.ErrorContext(ctx, "auth_lookup_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"authentication backend unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return identity{}, false
	}

	free := g.freeModels != nil && g.freeModels.Matches(model)

	if user.Trial.Active {
		if user.Trial.Expired || (!user.Trial.EndDate.IsZero() && g.now().After(user.Trial.EndDate)) {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				"trial period has ended", apierr.TypePermissionError, apierr.CodeTrialExpired)
			return identity{}, false
		}
		if user.Trial.Exhausted() {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				"trial quota exhausted", apierr.TypePermissionError, apierr.CodeTrialExhausted)
			return identity{}, false
		}
	} else if !free && user.Credits.Sign() <= 0 {
		apierr.WriteInsufficientCredits(ctx)
		return identity{}, false
	}

	limits := g.defaultLimits
	if g.users != nil {
		if plan, perr := g.users.PlanFor(ctx, user.ID); perr == nil && plan != nil {
			limits = ratelimit.FromPlan(plan)
		} else if perr != nil {
			g.log.WarnContext(ctx, "plan_lookup_failed",
				slog.String("request_id", reqID),
				slog.String("user_id", user.ID),
				slog.String("error", perr.Error()),
			)
		}
	}

	return identity{
		user:    user,
		trial:   user.Trial.Active,
		free:    free,
		limits:  limits,
		rateKey: "user:" + user.ID,
	}, true
}

// authorizeAnonymous admits keyless requests for free-listed models only,
// capped per client IP per day.
func (g *Gateway) authorizeAnonymous(ctx *fasthttp.RequestCtx, model, reqID string) (identity, bool) {
	if g.anon == nil || g.freeModels == nil {
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"an API key is required", apierr.TypeAuthenticationErr, apierr.CodeKeyRequired)
		return identity{}, false
	}
	if !g.freeModels.Matches(model) {
		apierr.Write(ctx, fasthttp.StatusForbidden,
			fmt.Sprintf("model %q requires an API key; anonymous access is limited to: %s",
				model, strings.Join(g.freeModels.Allowed(), ", ")),
			apierr.TypePermissionError, apierr.CodeKeyRequired)
		return identity{}, false
	}

	ip := clientIP(ctx)
	remaining, ok := g.anon.Allow(ctx, ip)
	setAnonHeaders(ctx, g.anon.Cap(), remaining, g.anon.ResetAt())
	if !ok {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked", "anonymous_daily")
		}
		g.log.InfoContext(ctx, "anon_cap_exceeded",
			slog.String("request_id", reqID),
			slog.String("ip_hash", auth.HashIP(ip)),
		)
		retryAfter := int(time.Until(g.anon.ResetAt()).Seconds())
		apierr.WriteRateLimit(ctx, retryAfter, "anonymous daily limit reached; provide an API key to continue")
		return identity{}, false
	}

	return identity{
		free:    true,
		limits:  ratelimit.Limits{MaxConcurrency: anonMaxConcurrency},
		rateKey: "anon:" + auth.HashIP(ip),
	}, true
}

// admit runs the admission pipeline: identity, sliding-window rate checks,
// and the concurrency cap. On rejection it writes the response and returns
// ok=false. On success the caller owns adm.release.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, req *chatRequest) (adm admission, ok bool) {
	ident, ok := g.authorize(ctx, req.Model)
	if !ok {
		return admission{}, false
	}

	est := estimateRequestTokens(req)
	adm = admission{ident: ident, estTokens: est, release: func() {}}

	if g.limiter == nil {
		return adm, true
	}

	dec := g.limiter.Allow(ident.rateKey, ident.limits, est)
	adm.decision = dec
	setRateLimitHeaders(ctx, dec, g.now())
	if !dec.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked", dec.Reason)
		}
		msg := "rate limit exceeded"
		if dec.Reason == "tokens" {
			msg = "token rate limit exceeded"
		}
		apierr.WriteRateLimit(ctx, int(dec.RetryAfter.Seconds()), msg)
		return admission{}, false
	}

	// Trial users are metered through their trial counters instead of the
	// concurrency semaphore.
	if !ident.trial {
		if !g.limiter.Acquire(ident.rateKey, ident.limits.MaxConcurrency) {
			denied := ratelimit.ConcurrencyDenied()
			adm.decision = denied
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked", denied.Reason)
			}
			ctx.Response.Header.Set("Retry-After",
				strconv.Itoa(int(denied.RetryAfter.Seconds())))
			apierr.Write(ctx, fasthttp.StatusTooManyRequests,
				"too many concurrent requests", apierr.TypeRateLimitError, apierr.CodeConcurrencyLimit)
			return admission{}, false
		}
		var once sync.Once
		key := ident.rateKey
		adm.release = func() { once.Do(func() { g.limiter.Release(key) }) }
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed", "")
	}
	return adm, true
}

// prependHistory loads session history and prepends it to the request
// messages. History is best-effort: a broken session store degrades to a
// stateless request.
func (g *Gateway) prependHistory(ctx context.Context, preq *providers.Request, sessionID string, ident identity) {
	if sessionID == "" || g.sessions == nil || ident.user == nil {
		return
	}
	history, err := g.sessions.History(ctx, sessionID, ident.user.ID)
	if err != nil {
		g.log.WarnContext(ctx, "session_history_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(history) == 0 {
		return
	}
	prefix := make([]providers.Message, 0, len(history)+len(preq.Messages))
	for _, m := range history {
		prefix = append(prefix, providers.Message{Role: m.Role, Content: m.Content})
	}
	preq.Messages = append(prefix, preq.Messages...)
}

// appendHistory persists the final user turn and the assistant reply.
func (g *Gateway) appendHistory(ctx context.Context, sessionID string, ident identity, req *chatRequest, reply string) {
	if sessionID == "" || g.sessions == nil || ident.user == nil || reply == "" {
		return
	}
	var turns []store.Message
	if n := len(req.Messages); n > 0 {
		last := toProviderMessage(req.Messages[n-1])
		if last.Role == "user" && last.Content != "" {
			turns = append(turns, store.Message{Role: "user", Content: last.Content})
		}
	}
	turns = append(turns, store.Message{Role: "assistant", Content: reply})
	if err := g.sessions.Append(ctx, sessionID, ident.user.ID, turns); err != nil {
		g.log.WarnContext(ctx, "session_append_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// settleAsync runs settlement off the request path. The response has already
// left; nothing here may affect it.
func (g *Gateway) settleAsync(commit billing.Commit) {
	g.postFlight.Add(1)
	go func() {
		defer g.postFlight.Done()
		ctx, cancel := context.WithTimeout(g.baseCtx, settleTimeout)
		defer cancel()

		cost := g.accountant.Settle(ctx, commit)
		if g.metrics != nil && commit.Success {
			g.metrics.AddTokens(commit.Provider, commit.Model, commit.PromptTokens, commit.CompletionTokens)
			if cost.Sign() > 0 {
				f, _ := cost.Float64()
				g.metrics.AddCost(commit.Provider, commit.Model, f)
			}
		}
	}()
}

// commitFor assembles the settlement record shared by every exit path.
func commitFor(adm admission, step routing.Step, preq *providers.Request, streamed bool) billing.Commit {
	return billing.Commit{
		User:            adm.ident.user,
		Trial:           adm.ident.trial,
		Free:            adm.ident.free,
		Row:             step.Row,
		Limits:          adm.ident.limits,
		RateKey:         adm.ident.rateKey,
		EstimatedTokens: adm.estTokens,
		RequestID:       preq.RequestID,
		Provider:        step.Provider,
		Model:           preq.CanonicalModel,
		Streamed:        streamed,
	}
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := g.now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams are finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, len(ctx.Response.Body()))
		g.metrics.RecordRequest(servedProvider, "", status)
		g.metrics.ObserveGatewayRequest(servedProvider, route, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	req, verr := parseChatRequest(ctx.PostBody())
	if verr != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			verr.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	// session_id may also arrive as a query parameter; the body field wins.
	if req.SessionID == "" {
		if sid := string(ctx.QueryArgs().Peek("session_id")); len(sid) <= maxSessionIDLen {
			req.SessionID = sid
		}
	}

	adm, ok := g.admit(ctx, req)
	if !ok {
		return
	}
	released := false
	defer func() {
		if !released && !streaming {
			adm.release()
		}
	}()

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
		slog.Bool("anonymous", adm.ident.user == nil),
	)

	chain, err := g.router.BuildChain(ctx, req.Model, req.Provider)
	if err != nil {
		g.writeRoutingError(ctx, req.Model, err)
		return
	}

	preq := req.toProviderRequest(reqID)
	g.prependHistory(ctx, preq, req.SessionID, adm.ident)

	if req.Stream {
		streaming = true
		g.serveChatStream(ctx, req, preq, chain, adm, start, route, reqBytes)
		return
	}

	out, err := g.dispatch(ctx, preq, chain)
	if err != nil {
		servedProvider = out.Step.Provider
		g.writeDispatchError(ctx, reqID, err)
		commit := commitFor(adm, out.Step, preq, false)
		commit.Success = false
		commit.ErrorKind = string(providers.Classify(err))
		commit.Elapsed = time.Since(start)
		g.settleAsync(commit)
		return
	}
	servedProvider = out.Step.Provider

	body := buildChatResponse(out.Resp, req.Model, start.Unix(),
		gatewayUsageFor(out.Step, out.Resp.Usage, time.Since(start)))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	reply := ""
	finish := ""
	if len(out.Resp.Choices) > 0 {
		reply = out.Resp.Choices[0].Content
		finish = out.Resp.Choices[0].FinishReason
	}
	g.appendHistory(ctx, req.SessionID, adm.ident, req, reply)

	adm.release()
	released = true

	commit := commitFor(adm, out.Step, preq, false)
	commit.Success = true
	commit.PromptTokens = out.Resp.Usage.PromptTokens
	commit.CompletionTokens = out.Resp.Usage.CompletionTokens
	commit.FinishReason = finish
	commit.Elapsed = time.Since(start)
	g.settleAsync(commit)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", out.Step.Provider),
		slog.String("model", req.Model),
		slog.Int("prompt_tokens", out.Resp.Usage.PromptTokens),
		slog.Int("completion_tokens", out.Resp.Usage.CompletionTokens),
		slog.Int("attempts", out.Attempts),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// writeRoutingError maps chain-building failures to client responses.
func (g *Gateway) writeRoutingError(ctx *fasthttp.RequestCtx, model string, err error) {
	switch {
	case errors.Is(err, routing.ErrUnknownModel):
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q does not exist", model),
			apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
	case errors.Is(err, routing.ErrNoProviders):
		// No eligible provider is a capacity condition, not an upstream
		// failure: 503 so clients know to retry later.
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			fmt.Sprintf("no providers available for model %q", model),
			apierr.TypeProviderError, apierr.CodeAllProvidersFailed)
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to resolve model routing", apierr.TypeServerError, apierr.CodeInternalError)
	}
}

// writeDispatchError maps the terminal upstream error to a client response.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	kind := providers.Classify(err)
	g.log.ErrorContext(ctx, "dispatch_failed",
		slog.String("request_id", reqID),
		slog.String("error_kind", string(kind)),
		slog.String("error", err.Error()),
	)

	var exhausted *exhaustedError
	if errors.As(err, &exhausted) {
		status := kind.GatewayStatus()
		// A chain emptied by open breakers (or one that was empty to begin
		// with) is a capacity condition: 503, not a gateway fault.
		if exhausted.last == nil || errors.Is(err, errBreakerOpen) {
			status = fasthttp.StatusServiceUnavailable
		}
		apierr.Write(ctx, status,
			"all providers failed to serve the request",
			apierr.TypeProviderError, apierr.CodeAllProvidersFailed)
		return
	}

	switch kind {
	case providers.KindTimeout:
		apierr.WriteTimeout(ctx)
	case providers.KindContentPolicy:
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeContentPolicy)
	case providers.KindUpstream4xx:
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case providers.KindCanceled:
		// 499 client closed request; the body is best-effort.
		apierr.Write(ctx, kind.GatewayStatus(),
			"client closed the request", apierr.TypeInvalidRequest, apierr.CodeCanceled)
	default:
		apierr.Write(ctx, kind.GatewayStatus(),
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

// Outbound OpenAI-compatible envelope for non-streaming completions.
type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// gatewayUsage is the gateway's addendum to the provider usage block:
	// the tokens it will charge for and the end-to-end latency. Priced here
	// with the same formula settlement uses later.
	gatewayUsage struct {
		TokensCharged int     `json:"tokens_charged"`
		RequestMS     int64   `json:"request_ms"`
		CostUSD       float64 `json:"cost_usd,omitempty"`
	}

	outboundMessage struct {
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		Reasoning string          `json:"reasoning_content,omitempty"`
		ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID           string           `json:"id"`
		Object       string           `json:"object"`
		Created      int64            `json:"created"`
		Model        string           `json:"model"`
		Choices      []outboundChoice `json:"choices"`
		Usage        outboundUsage    `json:"usage"`
		GatewayUsage *gatewayUsage    `json:"gateway_usage,omitempty"`
	}
)

// gatewayUsageFor prices the served response for the envelope. The
// authoritative charge still happens in post-flight settlement.
func gatewayUsageFor(step routing.Step, usage providers.Usage, elapsed time.Duration) *gatewayUsage {
	gu := &gatewayUsage{
		TokensCharged: usage.PromptTokens + usage.CompletionTokens,
		RequestMS:     elapsed.Milliseconds(),
	}
	cost := billing.Cost(step.Row.PromptPrice, step.Row.CompletionPrice,
		usage.PromptTokens, usage.CompletionTokens)
	if cost.Sign() > 0 {
		gu.CostUSD, _ = cost.Float64()
	}
	return gu
}

// buildChatResponse folds a canonical provider response into the wire
// envelope. The model echoed back is the canonical id the client asked for,
// never the provider-specific alias.
func buildChatResponse(resp *providers.Response, canonicalModel string, created int64, gu *gatewayUsage) []byte {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	choices := make([]outboundChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		role := c.Role
		if role == "" {
			role = "assistant"
		}
		finish := c.FinishReason
		if finish == "" {
			finish = "stop"
		}
		choices = append(choices, outboundChoice{
			Index: c.Index,
			Message: outboundMessage{
				Role:      role,
				Content:   c.Content,
				Reasoning: c.Reasoning,
				ToolCalls: c.ToolCalls,
			},
			FinishReason: finish,
		})
	}

	body, _ := json.Marshal(outboundResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   canonicalModel,
		Choices: choices,
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
		GatewayUsage: gu,
	})
	return body
}
