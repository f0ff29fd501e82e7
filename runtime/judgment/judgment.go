// Package judgment implements the hybrid judgment core: deterministic rule
// evaluation fused with an LLM decision source under caller-selected fusion
// policies, with content-addressed result caching and evidence assembly.
package judgment

import (
	"context"
	"time"
)

type (
	// Class is a judgment outcome class.
	Class string

	// Method records which execution path produced a judgment.
	Method string

	// Policy selects how rule and LLM sources are fused.
	Policy string

	// Vector is a per-class confidence vector over the three decided
	// classes. Components are in [0,1].
	Vector struct {
		Normal   float64 `json:"normal"`
		Warning  float64 `json:"warning"`
		Critical float64 `json:"critical"`
	}

	// Request asks the core for one judgment.
	Request struct {
		// TenantID scopes ruleset resolution.
		TenantID string
		// TraceID correlates the judgment with its workflow instance.
		TraceID string
		// RulesetID names the ruleset to evaluate.
		RulesetID string
		// Policy is the fusion policy. Empty selects the core default.
		Policy Policy
		// Input is the structured judgment input.
		Input map[string]any
		// Threshold overrides the core's escalation threshold when non-nil.
		Threshold *float64
		// Alpha overrides the core's weighted-combination alpha when non-nil.
		Alpha *float64
		// NeedExplanation requests a natural-language explanation from the
		// LLM path.
		NeedExplanation bool
		// DataRefs lists data references the caller's context supplied. The
		// core merges them into the evidence bundle untouched.
		DataRefs []string
		// Charts lists chart or URL pointers supplied by the caller.
		Charts []string
	}

	// Execution is the immutable judgment record. Never updated after
	// insert.
	Execution struct {
		ID                 string               `json:"id" bson:"_id"`
		TenantID           string               `json:"tenant_id" bson:"tenant_id"`
		RulesetID          string               `json:"ruleset_id" bson:"ruleset_id"`
		RulesetVersion     int                  `json:"ruleset_version" bson:"ruleset_version"`
		PromptVersion      string               `json:"prompt_version,omitempty" bson:"prompt_version,omitempty"`
		Input              map[string]any       `json:"input" bson:"input"`
		Policy             Policy               `json:"policy" bson:"policy"`
		Result             Class                `json:"result" bson:"result"`
		Confidence         float64              `json:"confidence" bson:"confidence"`
		Method             Method               `json:"method" bson:"method"`
		Source             string               `json:"source" bson:"source"`
		RuleTrace          *RuleTrace           `json:"rule_trace,omitempty" bson:"rule_trace,omitempty"`
		LLMMetadata        *LLMMetadata         `json:"llm_metadata,omitempty" bson:"llm_metadata,omitempty"`
		Evidence           Evidence             `json:"evidence" bson:"evidence"`
		Explanation        string               `json:"explanation,omitempty" bson:"explanation,omitempty"`
		RecommendedActions []RecommendedAction  `json:"recommended_actions,omitempty" bson:"recommended_actions,omitempty"`
		LatencyMS          int64                `json:"latency_ms" bson:"latency_ms"`
		Cached             bool                 `json:"cached" bson:"cached"`
		TraceID            string               `json:"trace_id" bson:"trace_id"`
		CreatedAt          time.Time            `json:"created_at" bson:"created_at"`
	}

	// RuleTrace records the deterministic rule evaluation that contributed
	// to a judgment.
	RuleTrace struct {
		RulesetID      string   `json:"ruleset_id" bson:"ruleset_id"`
		RulesetVersion int      `json:"ruleset_version" bson:"ruleset_version"`
		MatchedRuleIDs []string `json:"matched_rule_ids,omitempty" bson:"matched_rule_ids,omitempty"`
		Result         Class    `json:"result" bson:"result"`
		Confidence     float64  `json:"confidence" bson:"confidence"`
		Vector         Vector   `json:"vector" bson:"vector"`
	}

	// LLMMetadata records the model call that contributed to a judgment.
	LLMMetadata struct {
		Model        string  `json:"model" bson:"model"`
		InputTokens  int64   `json:"input_tokens" bson:"input_tokens"`
		OutputTokens int64   `json:"output_tokens" bson:"output_tokens"`
		CostUSD      float64 `json:"cost_usd" bson:"cost_usd"`
		LatencyMS    int64   `json:"latency_ms" bson:"latency_ms"`
		Attempts     int     `json:"attempts" bson:"attempts"`
	}

	// Evidence is the merged evidence bundle. The core merges sources but
	// never fabricates entries.
	Evidence struct {
		MatchedRuleIDs []string     `json:"matched_rule_ids,omitempty" bson:"matched_rule_ids,omitempty"`
		LLM            *LLMMetadata `json:"llm,omitempty" bson:"llm,omitempty"`
		DataRefs       []string     `json:"data_refs,omitempty" bson:"data_refs,omitempty"`
		Charts         []string     `json:"charts,omitempty" bson:"charts,omitempty"`
	}

	// RecommendedAction is a generic follow-up suggested by a judgment.
	RecommendedAction struct {
		ActionType string         `json:"action_type" bson:"action_type"`
		Priority   string         `json:"priority,omitempty" bson:"priority,omitempty"`
		Target     string         `json:"target,omitempty" bson:"target,omitempty"`
		Message    string         `json:"message,omitempty" bson:"message,omitempty"`
		Parameters map[string]any `json:"parameters,omitempty" bson:"parameters,omitempty"`
	}

	// Rules is the deterministic rule evaluation seam. The ruleset hub
	// implements it.
	Rules interface {
		// ActiveVersion returns the ruleset version that would serve the
		// given trace, honoring canary deployments. Missing rulesets return
		// NotFound.
		ActiveVersion(ctx context.Context, tenantID, rulesetID, traceID string) (int, error)
		// Evaluate runs the ruleset against the input and returns the rule
		// outcome. Fails with NotFound or CompileError.
		Evaluate(ctx context.Context, q EvalQuery) (RuleOutcome, error)
	}

	// EvalQuery is one rule evaluation request.
	EvalQuery struct {
		TenantID  string
		TraceID   string
		RulesetID string
		Input     map[string]any
	}

	// RuleOutcome is the result of deterministic rule evaluation.
	RuleOutcome struct {
		RulesetVersion int
		Result         Class
		Confidence     float64
		Vector         Vector
		MatchedRuleIDs []string
		Actions        []RecommendedAction
	}

	// ModelClient is the LLM completion seam. features/model provides
	// OpenAI and Anthropic implementations.
	ModelClient interface {
		// Name identifies the backing model for evidence metadata.
		Name() string
		// Complete returns the model's text completion. Transport failures
		// return LLMUnavailable.
		Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	}

	// CompletionRequest is one model call.
	CompletionRequest struct {
		System    string
		Prompt    string
		MaxTokens int64
	}

	// Completion is the raw model response plus usage metadata.
	Completion struct {
		Text         string
		Model        string
		InputTokens  int64
		OutputTokens int64
		LatencyMS    int64
	}

	// Cache stores judgment executions keyed by content hash.
	// features/cache/redis provides the shared implementation.
	Cache interface {
		// Get returns the cached execution for key, or nil on miss or
		// expiry. Implementations increment the entry hit count on hit.
		Get(ctx context.Context, key string) (*Execution, error)
		// Set stores the execution under key with the given TTL.
		Set(ctx context.Context, key string, ex Execution, ttl time.Duration) error
	}

	// ExecutionStore persists judgment executions.
	ExecutionStore interface {
		// PutExecution inserts an execution record.
		PutExecution(ctx context.Context, ex Execution) error
		// GetExecution returns an execution by id or NotFound.
		GetExecution(ctx context.Context, tenantID, id string) (Execution, error)
	}
)

const (
	ClassNormal   Class = "normal"
	ClassWarning  Class = "warning"
	ClassCritical Class = "critical"
	ClassUnknown  Class = "unknown"
)

const (
	MethodRuleOnly Method = "rule_only"
	MethodLLMOnly  Method = "llm_only"
	MethodHybrid   Method = "hybrid"
	MethodCache    Method = "cache"
)

const (
	PolicyRuleOnly       Policy = "rule_only"
	PolicyLLMOnly        Policy = "llm_only"
	PolicyEscalate       Policy = "escalate"
	PolicyRuleFallback   Policy = "rule_fallback"
	PolicyHybridGate     Policy = "hybrid_gate"
	PolicyHybridWeighted Policy = "hybrid_weighted"
)

// severityRank orders classes for tie-breaking. Higher wins ties.
var severityRank = map[Class]int{
	ClassUnknown:  0,
	ClassNormal:   1,
	ClassWarning:  2,
	ClassCritical: 3,
}

// Combine fuses two confidence vectors with weight alpha on r and returns
// the argmax decision and its confidence. Ties break toward the more severe
// class.
func Combine(r, l Vector, alpha float64) (Class, float64, Vector) {
	combined := Vector{
		Normal:   alpha*r.Normal + (1-alpha)*l.Normal,
		Warning:  alpha*r.Warning + (1-alpha)*l.Warning,
		Critical: alpha*r.Critical + (1-alpha)*l.Critical,
	}
	decision, confidence := combined.ArgMax()
	return decision, confidence, combined
}

// ArgMax returns the highest-confidence class and its component. Ties break
// toward the more severe class.
func (v Vector) ArgMax() (Class, float64) {
	best, conf := ClassNormal, v.Normal
	if v.Warning >= conf {
		best, conf = ClassWarning, v.Warning
	}
	if v.Critical >= conf {
		best, conf = ClassCritical, v.Critical
	}
	if conf == 0 {
		return ClassUnknown, 0
	}
	return best, conf
}

// FromDecision derives a vector from a scalar decision: the decided class
// gets the confidence and the remaining classes split the remainder evenly.
// Unknown decisions yield the zero vector.
func FromDecision(c Class, confidence float64) Vector {
	if c == ClassUnknown {
		return Vector{}
	}
	rest := (1 - confidence) / 2
	v := Vector{Normal: rest, Warning: rest, Critical: rest}
	switch c {
	case ClassNormal:
		v.Normal = confidence
	case ClassWarning:
		v.Warning = confidence
	case ClassCritical:
		v.Critical = confidence
	}
	return v
}
