// Package toolhub mediates every external tool call through a uniform
// interface guarded by a per-provider circuit breaker, schema validation,
// rate limiting and bounded retries.
package toolhub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/telemetry"
)

type (
	// ProviderSpec declares an external tool provider.
	ProviderSpec struct {
		// ID identifies the provider. Minted when empty.
		ID string
		// Name is the human-readable provider name.
		Name string
		// Endpoint is the provider's base URL or connection string.
		Endpoint string
		// Protocol selects the transport: "http", "mcp" or "datasource".
		Protocol string
		// Auth carries the provider credentials.
		Auth AuthSpec
		// RateLimit caps calls per second. Zero means unlimited.
		RateLimit float64
		// Burst is the rate limiter burst size. Defaults to 1 when
		// RateLimit is set.
		Burst int
		// MaxConcurrent bounds in-flight calls to the provider. Zero means
		// unlimited.
		MaxConcurrent int
		// CallTimeout bounds a single call attempt. Zero uses the hub
		// default.
		CallTimeout time.Duration
		// Binding declares the external-system binding for data-source
		// backed providers. Tools are synthesized from it instead of being
		// fetched from the endpoint.
		Binding *DataSourceBinding
	}

	// AuthSpec is the provider authentication material.
	AuthSpec struct {
		// Type is "none", "bearer" or "basic".
		Type string
		// Token is the bearer token or basic credential.
		Token string
	}

	// Tool is one callable tool advertised by a provider.
	Tool struct {
		Name         string         `json:"name"`
		Description  string         `json:"description,omitempty"`
		InputSchema  map[string]any `json:"input_schema,omitempty"`
		OutputSchema map[string]any `json:"output_schema,omitempty"`
	}

	// HealthStatus is the result of a provider health check.
	HealthStatus struct {
		OK        bool  `json:"ok"`
		LatencyMS int64 `json:"latency_ms"`
	}

	// Transport performs the actual provider I/O. features/ supplies HTTP
	// and MCP implementations; tests use fakes.
	Transport interface {
		// ListTools fetches the provider's tool catalog.
		ListTools(ctx context.Context, spec ProviderSpec) ([]Tool, error)
		// Call invokes one tool. Implementations classify failures with
		// errs kinds: Transient, Timeout, AuthError or Internal.
		Call(ctx context.Context, spec ProviderSpec, tool string, args map[string]any) (map[string]any, error)
		// Health pings the provider.
		Health(ctx context.Context, spec ProviderSpec) error
	}

	// Options configures the hub.
	Options struct {
		// Transport performs provider I/O. Required.
		Transport Transport
		// MaxRetries bounds retries after the first attempt for Transient
		// and Timeout failures. Defaults to 2.
		MaxRetries int
		// RetryBackoff is the initial retry delay, doubled per retry.
		// Defaults to 100ms.
		RetryBackoff time.Duration
		// CallTimeout is the default per-attempt timeout. Defaults to 30s.
		CallTimeout time.Duration
		// Breaker configures per-provider breakers.
		Breaker BreakerOptions
		// NewID mints provider ids. Defaults to uuid.NewString.
		NewID func() string
		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Hub is the process-wide tool registry and call mediator.
	Hub struct {
		transport    Transport
		maxRetries   int
		retryBackoff time.Duration
		callTimeout  time.Duration
		breakerOpts  BreakerOptions
		newID        func() string
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer

		mu        sync.RWMutex
		providers map[string]*provider
	}

	provider struct {
		spec    ProviderSpec
		breaker *Breaker
		limiter *rate.Limiter
		slots   chan struct{}

		mu      sync.RWMutex
		tools   map[string]*compiledTool
		ordered []Tool
	}

	compiledTool struct {
		tool   Tool
		input  *jsonschema.Schema
		output *jsonschema.Schema
	}
)

// New validates the options and returns an empty hub.
func New(opts Options) (*Hub, error) {
	if opts.Transport == nil {
		return nil, errs.New(errs.KindInvalidInput, "tool hub requires a transport")
	}
	h := &Hub{
		transport:    opts.Transport,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		callTimeout:  opts.CallTimeout,
		breakerOpts:  opts.Breaker,
		newID:        opts.NewID,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		providers:    map[string]*provider{},
	}
	if h.maxRetries == 0 {
		h.maxRetries = 2
	}
	if h.retryBackoff == 0 {
		h.retryBackoff = 100 * time.Millisecond
	}
	if h.callTimeout == 0 {
		h.callTimeout = 30 * time.Second
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	if h.logger == nil {
		h.logger = telemetry.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = telemetry.NoopMetrics{}
	}
	if h.tracer == nil {
		h.tracer = telemetry.NoopTracer{}
	}
	return h, nil
}

// RegisterProvider registers a provider and caches its tool catalog. For
// data-source backed providers the catalog is synthesized from the binding;
// otherwise it is fetched from the endpoint.
func (h *Hub) RegisterProvider(ctx context.Context, spec ProviderSpec) (string, error) {
	if spec.Endpoint == "" && spec.Binding == nil {
		return "", errs.New(errs.KindInvalidInput, "provider requires an endpoint or a data-source binding")
	}
	if spec.ID == "" {
		spec.ID = h.newID()
	}

	var (
		tools []Tool
		err   error
	)
	if spec.Binding != nil {
		tools, err = SynthesizeTools(*spec.Binding)
	} else {
		tools, err = h.transport.ListTools(ctx, spec)
	}
	if err != nil {
		return "", errs.Wrap(errs.KindOf(err), fmt.Sprintf("register provider %q", spec.Name), err)
	}

	p := &provider{spec: spec}
	p.breaker = NewBreaker(h.breakerOpts.withTransitionMetrics(h.metrics, spec.ID))
	if spec.RateLimit > 0 {
		burst := spec.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(spec.RateLimit), burst)
	}
	if spec.MaxConcurrent > 0 {
		p.slots = make(chan struct{}, spec.MaxConcurrent)
	}
	if err := p.setTools(tools); err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.providers[spec.ID]; exists {
		return "", errs.Newf(errs.KindConflict, "provider %q already registered", spec.ID)
	}
	h.providers[spec.ID] = p
	h.logger.Info(ctx, "tool provider registered",
		"provider_id", spec.ID, "protocol", spec.Protocol, "tools", len(tools))
	return spec.ID, nil
}

// ListTools returns the provider's cached tool catalog.
func (h *Hub) ListTools(providerID string) ([]Tool, error) {
	p, err := h.provider(providerID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Tool, len(p.ordered))
	copy(out, p.ordered)
	return out, nil
}

// BreakerState exposes the provider's breaker state.
func (h *Hub) BreakerState(providerID string) (BreakerState, error) {
	p, err := h.provider(providerID)
	if err != nil {
		return "", err
	}
	return p.breaker.State(), nil
}

// Call invokes a tool. Args are validated against the tool's input schema
// and outputs against its output schema; mismatches fail with
// SchemaMismatch and are never retried. Transient and Timeout failures are
// retried with exponential backoff up to the hub's retry budget. While the
// provider's breaker is open the call fails with BreakerOpen without any
// network I/O.
func (h *Hub) Call(ctx context.Context, providerID, toolName string, args map[string]any) (map[string]any, error) {
	ctx, span := h.tracer.Start(ctx, "toolhub.call")
	defer span.End()

	p, err := h.provider(providerID)
	if err != nil {
		return nil, err
	}
	ct, err := p.compiled(toolName)
	if err != nil {
		return nil, err
	}
	if ct.input != nil {
		if verr := ct.input.Validate(toJSONValue(args)); verr != nil {
			h.countCall(ctx, providerID, toolName, "schema_mismatch")
			return nil, errs.Wrap(errs.KindSchemaMismatch, fmt.Sprintf("tool %q args", toolName), verr)
		}
	}

	allowed, probe := p.breaker.Allow()
	if !allowed {
		h.countCall(ctx, providerID, toolName, "breaker_open")
		return nil, errs.Newf(errs.KindBreakerOpen, "provider %q circuit open", providerID)
	}

	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
			defer func() { <-p.slots }()
		case <-ctx.Done():
			p.breaker.Abandon()
			return nil, errs.Wrap(errs.KindTimeout, "waiting for provider slot", ctx.Err())
		}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.breaker.Abandon()
			return nil, errs.Wrap(errs.KindTimeout, "waiting for provider rate limit", ctx.Err())
		}
	}

	attempts := 1
	if !probe {
		attempts += h.maxRetries
	}
	backoff := h.retryBackoff
	timeout := p.spec.CallTimeout
	if timeout == 0 {
		timeout = h.callTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			// Failures from earlier attempts may have opened the breaker.
			if allowed, _ = p.breaker.Allow(); !allowed {
				h.countCall(ctx, providerID, toolName, "breaker_open")
				return nil, errs.Newf(errs.KindBreakerOpen, "provider %q circuit open", providerID)
			}
		}
		out, cerr := h.attempt(ctx, p.spec, toolName, args, timeout)
		if cerr == nil {
			if ct.output != nil {
				if verr := ct.output.Validate(toJSONValue(out)); verr != nil {
					p.breaker.Failure()
					h.countCall(ctx, providerID, toolName, "schema_mismatch")
					return nil, errs.Wrap(errs.KindSchemaMismatch, fmt.Sprintf("tool %q output", toolName), verr)
				}
			}
			p.breaker.Success()
			h.countCall(ctx, providerID, toolName, "ok")
			return out, nil
		}
		lastErr = cerr
		p.breaker.Failure()
		if !errs.Retryable(cerr) || attempt == attempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			h.countCall(ctx, providerID, toolName, "cancelled")
			return nil, errs.Wrap(errs.KindTimeout, "tool call cancelled", ctx.Err())
		}
		backoff *= 2
	}
	h.countCall(ctx, providerID, toolName, "error")
	return nil, lastErr
}

// Health pings the provider and refreshes its tool catalog on success.
func (h *Hub) Health(ctx context.Context, providerID string) (HealthStatus, error) {
	p, err := h.provider(providerID)
	if err != nil {
		return HealthStatus{}, err
	}
	start := time.Now()
	if err := h.transport.Health(ctx, p.spec); err != nil {
		return HealthStatus{OK: false, LatencyMS: time.Since(start).Milliseconds()}, nil
	}
	status := HealthStatus{OK: true, LatencyMS: time.Since(start).Milliseconds()}

	if p.spec.Binding == nil {
		tools, terr := h.transport.ListTools(ctx, p.spec)
		if terr != nil {
			h.logger.Warn(ctx, "tool catalog refresh failed", "provider_id", providerID, "error", terr)
			return status, nil
		}
		if serr := p.setTools(tools); serr != nil {
			h.logger.Warn(ctx, "tool catalog refresh rejected", "provider_id", providerID, "error", serr)
		}
	}
	return status, nil
}

func (h *Hub) attempt(ctx context.Context, spec ProviderSpec, tool string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := h.transport.Call(callCtx, spec, tool, args)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && errs.KindOf(err) == errs.KindInternal {
		return nil, errs.Wrap(errs.KindTimeout, fmt.Sprintf("tool %q call", tool), err)
	}
	return out, err
}

func (h *Hub) provider(id string) (*provider, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.providers[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "provider %q not registered", id)
	}
	return p, nil
}

func (h *Hub) countCall(_ context.Context, providerID, tool, outcome string) {
	h.metrics.IncCounter(telemetry.MetricToolCalls, 1,
		"provider", providerID, "tool", tool, "outcome", outcome)
}

func (p *provider) setTools(tools []Tool) error {
	compiled := make(map[string]*compiledTool, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return errs.New(errs.KindInvalidInput, "tool name is required")
		}
		ct := &compiledTool{tool: t}
		var err error
		if ct.input, err = compileSchema(t.Name+"/input", t.InputSchema); err != nil {
			return err
		}
		if ct.output, err = compileSchema(t.Name+"/output", t.OutputSchema); err != nil {
			return err
		}
		compiled[t.Name] = ct
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools = compiled
	p.ordered = append([]Tool(nil), tools...)
	return nil
}

func (p *provider) compiled(tool string) (*compiledTool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ct, ok := p.tools[tool]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "tool %q not advertised by provider %q", tool, p.spec.ID)
	}
	return ct, nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "triflow://tools/" + strings.ToLower(name) + ".json"
	if err := compiler.AddResource(url, toJSONValue(schema)); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("register %s schema", name), err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("compile %s schema", name), err)
	}
	return sch, nil
}

// withTransitionMetrics wires breaker transitions into the metrics counter.
func (o BreakerOptions) withTransitionMetrics(m telemetry.Metrics, providerID string) BreakerOptions {
	prev := o.OnChange
	o.OnChange = func(from, to BreakerState) {
		m.IncCounter(telemetry.MetricBreakerTransitions, 1,
			"provider", providerID, "from", string(from), "to", string(to))
		if prev != nil {
			prev(from, to)
		}
	}
	return o
}

// toJSONValue round-trips v through encoding/json so jsonschema sees plain
// JSON types.
func toJSONValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
