package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/resilience"
	"github.com/jllopis/watt/pkg/telemetry"
)

// Target names a provider registered on a Router and the model to ask it for.
type Target struct {
	Provider string
	Model    string
}

func (t Target) String() string {
	return t.Provider + "/" + t.Model
}

// Router owns the named providers and their resilience state. Every provider
// gets its own circuit breaker, shared by all routes that use it.
type Router struct {
	mu             sync.RWMutex
	providers      map[string]*guardedProvider
	defaultName    string
	retry          resilience.RetryConfig
	breaker        resilience.CircuitBreakerConfig
	attemptTimeout time.Duration
	logger         *slog.Logger
	metrics        *telemetry.Metrics
}

type guardedProvider struct {
	name     string
	provider Provider
	breaker  *resilience.CircuitBreaker
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRetry sets the retry policy applied to each provider attempt.
func WithRetry(cfg resilience.RetryConfig) RouterOption {
	return func(r *Router) { r.retry = cfg }
}

// WithBreaker sets the circuit breaker template for registered providers.
func WithBreaker(cfg resilience.CircuitBreakerConfig) RouterOption {
	return func(r *Router) { r.breaker = cfg }
}

// WithAttemptTimeout bounds every single provider call.
func WithAttemptTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.attemptTimeout = d }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRouterMetrics records breaker transitions.
func WithRouterMetrics(m *telemetry.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		providers: make(map[string]*guardedProvider),
		retry:     resilience.DefaultRetryConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider under name. The first registered provider becomes
// the default for targets with an empty provider name.
func (r *Router) Register(name string, p Provider) {
	cfg := r.breaker
	cfg.Name = "llm." + name
	cfg.OnStateChange = func(breaker string, from, to resilience.CircuitBreakerState) {
		r.logger.Warn("llm.breaker.state",
			slog.String("breaker", breaker),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		r.metrics.CircuitBreakerState(context.Background(), breaker, to.Gauge())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = &guardedProvider{name: name, provider: p, breaker: resilience.NewCircuitBreaker(cfg)}
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// Names lists registered providers.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Route builds a provider that tries primary, then each fallback in order.
func (r *Router) Route(primary Target, fallbacks ...Target) (*Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route := &Route{router: r}
	for _, t := range append([]Target{primary}, fallbacks...) {
		if t.Provider == "" {
			t.Provider = r.defaultName
		}
		gp, ok := r.providers[t.Provider]
		if !ok {
			return nil, errors.Newf(errors.CodeConfiguration, "llm provider %q is not registered", t.Provider)
		}
		route.hops = append(route.hops, hop{target: t, guarded: gp})
	}
	return route, nil
}

type hop struct {
	target  Target
	guarded *guardedProvider
}

// Route is an agent-specific view over a Router: a primary target plus fallbacks.
// Request.Model is overridden by each hop's model when set.
type Route struct {
	router *Router
	hops   []hop
}

// Primary returns the first target of the route.
func (rt *Route) Primary() Target {
	return rt.hops[0].target
}

// Chat implements Provider.
func (rt *Route) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	attempts := make([]resilience.Attempt[*ChatResponse], 0, len(rt.hops))
	for _, h := range rt.hops {
		h := h
		attempts = append(attempts, resilience.Attempt[*ChatResponse]{
			Name: h.target.String(),
			Run: func(ctx context.Context) (*ChatResponse, error) {
				return rt.callHop(ctx, h, req)
			},
		})
	}
	resp, _, err := resilience.WithFallback(ctx, rt.fallbackConfig(), attempts...)
	return resp, err
}

// ChatStream implements StreamingProvider. The primary is streamed when it
// supports streaming; once a stream is open no fallback happens. If opening
// the stream fails the remaining hops are tried with plain Chat and their
// answer is delivered as a single final chunk.
func (rt *Route) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	first := rt.hops[0]
	sp, ok := first.guarded.provider.(StreamingProvider)
	if !ok {
		return rt.asStream(ctx, rt, req)
	}

	hopReq := req
	if first.target.Model != "" {
		hopReq.Model = first.target.Model
	}
	var stream <-chan StreamChunk
	err := first.guarded.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		stream, err = resilience.Retry(ctx, rt.router.retry, func(ctx context.Context) (<-chan StreamChunk, error) {
			return sp.ChatStream(ctx, hopReq)
		})
		return err
	})
	if err == nil {
		return stream, nil
	}
	if len(rt.hops) == 1 || !shouldFallback(err) {
		return nil, err
	}
	rt.router.logger.Warn("llm.fallback",
		slog.String("from", first.target.String()),
		slog.String("to", rt.hops[1].target.String()),
		slog.String("error", err.Error()),
	)
	rest := &Route{router: rt.router, hops: rt.hops[1:]}
	return rt.asStream(ctx, rest, req)
}

func (rt *Route) asStream(ctx context.Context, p Provider, req ChatRequest) (<-chan StreamChunk, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 2)
	if resp.Content != "" {
		ch <- StreamChunk{Content: resp.Content, Model: resp.Model}
	}
	usage := resp.Usage
	ch <- StreamChunk{Done: true, ToolCalls: resp.ToolCalls, Usage: &usage, FinishReason: resp.FinishReason, Model: resp.Model}
	close(ch)
	return ch, nil
}

func (rt *Route) callHop(ctx context.Context, h hop, req ChatRequest) (*ChatResponse, error) {
	if h.target.Model != "" {
		req.Model = h.target.Model
	}
	var resp *ChatResponse
	err := h.guarded.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = resilience.Retry(ctx, rt.router.retry, func(ctx context.Context) (*ChatResponse, error) {
			return resilience.WithTimeout(ctx, rt.router.attemptTimeout, func(ctx context.Context) (*ChatResponse, error) {
				return h.guarded.provider.Chat(ctx, req)
			})
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New(errors.CodeLLMError, fmt.Sprintf("provider %s returned no response", h.guarded.name), nil)
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	resp.Provider = h.guarded.name
	return resp, nil
}

func (rt *Route) fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		ShouldFallback: shouldFallback,
		OnFallback: func(from, next string, err error) {
			rt.router.logger.Warn("llm.fallback",
				slog.String("from", from),
				slog.String("to", next),
				slog.String("error", err.Error()),
			)
		},
	}
}

// shouldFallback skips fallback for errors another model cannot fix.
func shouldFallback(err error) bool {
	switch errors.CodeOf(err) {
	case errors.CodeInvalidInput, errors.CodeCancelled, errors.CodeConfiguration:
		return false
	}
	return true
}

var _ StreamingProvider = (*Route)(nil)
