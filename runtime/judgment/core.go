package judgment

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mugoori/triflow/runtime/canon"
	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/telemetry"
)

type (
	// Options configures the judgment core.
	Options struct {
		// Rules evaluates rulesets. Required.
		Rules Rules
		// Model is the LLM decision source. Required unless every caller
		// uses rule_only.
		Model ModelClient
		// Cache stores executions by content key. Optional; nil disables
		// caching.
		Cache Cache
		// Store persists execution records. Optional.
		Store ExecutionStore
		// PromptVersion tags the prompt revision in cache keys and records.
		// Defaults to "v1".
		PromptVersion string
		// DefaultPolicy applies when a request leaves Policy empty.
		// Defaults to escalate.
		DefaultPolicy Policy
		// Threshold is the default escalation/gate threshold. Defaults to
		// 0.8.
		Threshold float64
		// Alpha is the default weighted-combination weight on the rule
		// vector. Defaults to 0.5.
		Alpha float64
		// CacheTTL bounds cached execution lifetime. Defaults to 5 minutes.
		CacheTTL time.Duration
		// MaxTokens caps model completions. Defaults to 1024.
		MaxTokens int64
		// NewID mints execution ids. Defaults to uuid.NewString.
		NewID func() string
		// Now supplies the clock. Defaults to time.Now.
		Now func() time.Time
		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Core executes hybrid judgments.
	Core struct {
		rules         Rules
		model         ModelClient
		cache         Cache
		store         ExecutionStore
		promptVersion string
		defaultPolicy Policy
		threshold     float64
		alpha         float64
		cacheTTL      time.Duration
		maxTokens     int64
		newID         func() string
		now           func() time.Time
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
	}

	// outcome is the policy-specific portion of an execution.
	outcome struct {
		result      Class
		confidence  float64
		method      Method
		source      string
		ruleTrace   *RuleTrace
		llmMeta     *LLMMetadata
		explanation string
		actions     []RecommendedAction
	}
)

// New validates the options and returns a judgment core.
func New(opts Options) (*Core, error) {
	if opts.Rules == nil {
		return nil, errs.New(errs.KindInvalidInput, "judgment core requires a rule evaluator")
	}
	c := &Core{
		rules:         opts.Rules,
		model:         opts.Model,
		cache:         opts.Cache,
		store:         opts.Store,
		promptVersion: opts.PromptVersion,
		defaultPolicy: opts.DefaultPolicy,
		threshold:     opts.Threshold,
		alpha:         opts.Alpha,
		cacheTTL:      opts.CacheTTL,
		maxTokens:     opts.MaxTokens,
		newID:         opts.NewID,
		now:           opts.Now,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}
	if c.promptVersion == "" {
		c.promptVersion = "v1"
	}
	if c.defaultPolicy == "" {
		c.defaultPolicy = PolicyEscalate
	}
	if c.threshold == 0 {
		c.threshold = 0.8
	}
	if c.alpha == 0 {
		c.alpha = 0.5
	}
	if c.cacheTTL == 0 {
		c.cacheTTL = 5 * time.Minute
	}
	if c.maxTokens == 0 {
		c.maxTokens = 1024
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = telemetry.NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = telemetry.NoopMetrics{}
	}
	if c.tracer == nil {
		c.tracer = telemetry.NoopTracer{}
	}
	return c, nil
}

// Execute runs one judgment under the requested fusion policy. Identical
// requests within the cache TTL return the cached execution with
// method=cache without consulting rules or the model.
func (c *Core) Execute(ctx context.Context, req Request) (Execution, error) {
	ctx, span := c.tracer.Start(ctx, "judgment.execute")
	defer span.End()

	policy := req.Policy
	if policy == "" {
		policy = c.defaultPolicy
	}
	switch policy {
	case PolicyRuleOnly, PolicyLLMOnly, PolicyEscalate, PolicyRuleFallback, PolicyHybridGate, PolicyHybridWeighted:
	default:
		return Execution{}, errs.Newf(errs.KindInvalidInput, "unknown fusion policy %q", policy)
	}
	if req.RulesetID == "" {
		return Execution{}, errs.New(errs.KindInvalidInput, "ruleset id is required")
	}
	req.Policy = policy

	version, err := c.rules.ActiveVersion(ctx, req.TenantID, req.RulesetID, req.TraceID)
	if err != nil {
		return Execution{}, err
	}

	key, err := CacheKey(req.RulesetID, version, c.promptVersion, req.Input, policy)
	if err != nil {
		return Execution{}, err
	}
	if c.cache != nil {
		cached, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn(ctx, "judgment cache read failed", "error", err)
		} else if cached != nil {
			c.metrics.IncCounter(telemetry.MetricJudgmentCacheHits, 1, "ruleset", req.RulesetID)
			hit := *cached
			hit.Cached = true
			hit.Method = MethodCache
			hit.TraceID = req.TraceID
			return hit, nil
		}
	}

	start := c.now()
	out, err := c.run(ctx, req, version)
	if err != nil {
		return Execution{}, err
	}
	elapsed := c.now().Sub(start)
	latency := elapsed.Milliseconds()
	c.metrics.RecordTimer(telemetry.MetricJudgmentDuration, elapsed,
		"ruleset", req.RulesetID, "policy", string(policy), "method", string(out.method))

	ex := Execution{
		ID:                 c.newID(),
		TenantID:           req.TenantID,
		RulesetID:          req.RulesetID,
		RulesetVersion:     version,
		PromptVersion:      c.promptVersion,
		Input:              req.Input,
		Policy:             policy,
		Result:             out.result,
		Confidence:         out.confidence,
		Method:             out.method,
		Source:             out.source,
		RuleTrace:          out.ruleTrace,
		LLMMetadata:        out.llmMeta,
		Explanation:        out.explanation,
		RecommendedActions: out.actions,
		LatencyMS:          latency,
		TraceID:            req.TraceID,
		CreatedAt:          start.UTC(),
	}
	ex.Evidence = mergeEvidence(req, out)

	if c.store != nil {
		if err := c.store.PutExecution(ctx, ex); err != nil {
			return Execution{}, errs.Wrap(errs.KindInternal, "persist judgment execution", err)
		}
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, ex, c.cacheTTL); err != nil {
			c.logger.Warn(ctx, "judgment cache write failed", "error", err)
		}
	}
	return ex, nil
}

// CacheKey computes the content-addressed cache key for a judgment request.
// The key binds the ruleset version and prompt version so publishes and
// rollbacks naturally invalidate stale entries.
func CacheKey(rulesetID string, version int, promptVersion string, input map[string]any, policy Policy) (string, error) {
	inputJSON, err := canon.JSON(input)
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidInput, "canonicalize judgment input", err)
	}
	return canon.HashParts(rulesetID, strconv.Itoa(version), promptVersion, string(inputJSON), string(policy)), nil
}

func (c *Core) run(ctx context.Context, req Request, version int) (outcome, error) {
	threshold := c.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	alpha := c.alpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}

	switch req.Policy {
	case PolicyRuleOnly:
		ro, err := c.evalRules(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		return ruleOutcomeResult(req, ro, "rule"), nil

	case PolicyLLMOnly:
		v, meta, err := c.callModel(ctx, req, nil)
		if err != nil {
			return outcome{}, err
		}
		return llmResult(v, meta, MethodLLMOnly, "llm"), nil

	case PolicyEscalate:
		ro, err := c.evalRules(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		if ro.Result != ClassUnknown && ro.Confidence >= threshold {
			return ruleOutcomeResult(req, ro, "rule"), nil
		}
		v, meta, lerr := c.callModel(ctx, req, &ro)
		if lerr != nil {
			c.logger.Warn(ctx, "escalation model call failed, keeping rule result",
				"ruleset", req.RulesetID, "error", lerr)
			out := ruleOutcomeResult(req, ro, "rule_after_llm_failure")
			out.llmMeta = meta
			return out, nil
		}
		out := llmResult(v, meta, MethodHybrid, "llm_after_rule")
		out.ruleTrace = ruleTrace(req, ro, version)
		out.actions = append(out.actions, ro.Actions...)
		return out, nil

	case PolicyRuleFallback:
		v, meta, lerr := c.callModel(ctx, req, nil)
		if lerr == nil {
			return llmResult(v, meta, MethodLLMOnly, "llm"), nil
		}
		c.logger.Warn(ctx, "model call failed, falling back to rules",
			"ruleset", req.RulesetID, "error", lerr)
		ro, err := c.evalRules(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		out := ruleOutcomeResult(req, ro, "rule_after_llm")
		out.method = MethodHybrid
		out.llmMeta = meta
		return out, nil

	case PolicyHybridGate:
		ro, err := c.evalRules(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		gate := ro.Result != ClassUnknown && ro.Confidence >= threshold
		if !gate {
			return ruleOutcomeResult(req, ro, "rule"), nil
		}
		// The gate passed: the rule decision stands and the model only
		// contributes explanation and recommended actions, so the decision
		// stays deterministic for identical inputs.
		v, meta, lerr := c.callModel(ctx, req, &ro)
		if lerr != nil {
			out := ruleOutcomeResult(req, ro, "rule_after_llm_failure")
			out.llmMeta = meta
			return out, nil
		}
		out := ruleOutcomeResult(req, ro, "rule_gated_llm")
		out.method = MethodHybrid
		out.llmMeta = meta
		out.explanation = v.Explanation
		out.actions = append(append([]RecommendedAction{}, ro.Actions...), v.RecommendedActions...)
		return out, nil

	case PolicyHybridWeighted:
		ro, err := c.evalRules(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		v, meta, lerr := c.callModel(ctx, req, nil)
		if lerr != nil {
			c.logger.Warn(ctx, "model call failed, weighting rules alone",
				"ruleset", req.RulesetID, "error", lerr)
			out := ruleOutcomeResult(req, ro, "rule_after_llm_failure")
			out.llmMeta = meta
			return out, nil
		}
		rVec := outcomeVector(ro)
		lVec := verdictVector(v)
		decision, confidence, _ := Combine(rVec, lVec, alpha)
		return outcome{
			result:      decision,
			confidence:  confidence,
			method:      MethodHybrid,
			source:      "weighted",
			ruleTrace:   ruleTrace(req, ro, version),
			llmMeta:     meta,
			explanation: v.Explanation,
			actions:     append(append([]RecommendedAction{}, ro.Actions...), v.RecommendedActions...),
		}, nil
	}
	return outcome{}, errs.Newf(errs.KindInternal, "unhandled policy %q", req.Policy)
}

func (c *Core) evalRules(ctx context.Context, req Request) (RuleOutcome, error) {
	return c.rules.Evaluate(ctx, EvalQuery{
		TenantID:  req.TenantID,
		TraceID:   req.TraceID,
		RulesetID: req.RulesetID,
		Input:     req.Input,
	})
}

// callModel issues the model call with one repair retry for unparsable
// output. The returned metadata aggregates token usage across attempts and
// is populated even when the final error is LLMUnparsable.
func (c *Core) callModel(ctx context.Context, req Request, rule *RuleOutcome) (verdict, *LLMMetadata, error) {
	if c.model == nil {
		return verdict{}, nil, errs.New(errs.KindLLMUnavailable, "no model client configured")
	}
	prompt, err := buildPrompt(req, rule)
	if err != nil {
		return verdict{}, nil, err
	}

	meta := &LLMMetadata{Model: c.model.Name()}
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		p := prompt
		if attempt > 1 {
			p += repairSuffix
		}
		completion, cerr := c.model.Complete(ctx, CompletionRequest{
			System:    judgeSystemPrompt,
			Prompt:    p,
			MaxTokens: c.maxTokens,
		})
		meta.Attempts = attempt
		if cerr != nil {
			if errs.KindOf(cerr) == errs.KindLLMUnavailable {
				return verdict{}, meta, cerr
			}
			return verdict{}, meta, errs.Wrap(errs.KindLLMUnavailable, "model call failed", cerr)
		}
		if completion.Model != "" {
			meta.Model = completion.Model
		}
		meta.InputTokens += completion.InputTokens
		meta.OutputTokens += completion.OutputTokens
		meta.LatencyMS += completion.LatencyMS

		v, perr := parseVerdict(completion.Text)
		if perr == nil {
			return v, meta, nil
		}
		lastErr = perr
	}
	return verdict{}, meta, lastErr
}

func ruleOutcomeResult(req Request, ro RuleOutcome, source string) outcome {
	return outcome{
		result:     ro.Result,
		confidence: ro.Confidence,
		method:     MethodRuleOnly,
		source:     source,
		ruleTrace:  ruleTrace(req, ro, ro.RulesetVersion),
		actions:    ro.Actions,
	}
}

func llmResult(v verdict, meta *LLMMetadata, method Method, source string) outcome {
	return outcome{
		result:      Class(v.Result),
		confidence:  v.Confidence,
		method:      method,
		source:      source,
		llmMeta:     meta,
		explanation: v.Explanation,
		actions:     v.RecommendedActions,
	}
}

func ruleTrace(req Request, ro RuleOutcome, version int) *RuleTrace {
	if version == 0 {
		version = ro.RulesetVersion
	}
	return &RuleTrace{
		RulesetID:      req.RulesetID,
		RulesetVersion: version,
		MatchedRuleIDs: ro.MatchedRuleIDs,
		Result:         ro.Result,
		Confidence:     ro.Confidence,
		Vector:         outcomeVector(ro),
	}
}

// outcomeVector normalizes a rule outcome to a confidence vector, deriving
// one from the scalar decision when the evaluator supplied none.
func outcomeVector(ro RuleOutcome) Vector {
	if ro.Vector != (Vector{}) {
		return ro.Vector
	}
	return FromDecision(ro.Result, ro.Confidence)
}

func verdictVector(v verdict) Vector {
	if v.Vector != nil && *v.Vector != (Vector{}) {
		return *v.Vector
	}
	return FromDecision(Class(v.Result), v.Confidence)
}

// mergeEvidence assembles the evidence bundle from the rule trace, model
// metadata and caller-supplied references.
func mergeEvidence(req Request, out outcome) Evidence {
	ev := Evidence{
		DataRefs: req.DataRefs,
		Charts:   req.Charts,
		LLM:      out.llmMeta,
	}
	if out.ruleTrace != nil {
		ev.MatchedRuleIDs = out.ruleTrace.MatchedRuleIDs
	}
	return ev
}
