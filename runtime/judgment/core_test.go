package judgment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/runtime/errs"
)

func TestRuleOnly(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 3, outcome: RuleOutcome{
		RulesetVersion: 3,
		Result:         ClassWarning,
		Confidence:     0.9,
		MatchedRuleIDs: []string{"r-temp-high"},
	}}
	core := newTestCore(t, Options{Rules: rules})

	ex, err := core.Execute(context.Background(), Request{
		TenantID:  "t1",
		RulesetID: "rs-defects",
		Policy:    PolicyRuleOnly,
		Input:     map[string]any{"temperature": 81},
	})
	require.NoError(t, err)
	assert.Equal(t, ClassWarning, ex.Result)
	assert.Equal(t, MethodRuleOnly, ex.Method)
	assert.Equal(t, "rule", ex.Source)
	assert.Equal(t, 3, ex.RulesetVersion)
	assert.Equal(t, []string{"r-temp-high"}, ex.Evidence.MatchedRuleIDs)
	assert.False(t, ex.Cached)
}

func TestRuleOnlyPropagatesUnknown(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 1, outcome: RuleOutcome{Result: ClassUnknown, Confidence: 0.2}}
	core := newTestCore(t, Options{Rules: rules})

	ex, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyRuleOnly, Input: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, ClassUnknown, ex.Result)
}

// Mirrors the temperature escalation flow: rules decide warning below the
// threshold, the model escalates to critical, and the execution carries both
// traces.
func TestEscalateBelowThreshold(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 7, outcome: RuleOutcome{
		RulesetVersion: 7,
		Result:         ClassWarning,
		Confidence:     0.6,
		MatchedRuleIDs: []string{"r-temp"},
	}}
	model := &scriptedModel{replies: []string{
		`{"result": "critical", "confidence": 0.9, "explanation": "sustained overtemp on line A"}`,
	}}
	core := newTestCore(t, Options{Rules: rules, Model: model, Threshold: 0.8})

	ex, err := core.Execute(context.Background(), Request{
		TenantID:  "t1",
		TraceID:   "trace-1",
		RulesetID: "rs-temp",
		Policy:    PolicyEscalate,
		Input:     map[string]any{"line": "A", "temperature": 81},
	})
	require.NoError(t, err)
	assert.Equal(t, ClassCritical, ex.Result)
	assert.InDelta(t, 0.9, ex.Confidence, 1e-9)
	assert.Equal(t, MethodHybrid, ex.Method)
	assert.Equal(t, "llm_after_rule", ex.Source)
	require.NotNil(t, ex.RuleTrace)
	assert.Equal(t, ClassWarning, ex.RuleTrace.Result)
	require.NotNil(t, ex.LLMMetadata)
	assert.Equal(t, 1, ex.LLMMetadata.Attempts)
	assert.Equal(t, []string{"r-temp"}, ex.Evidence.MatchedRuleIDs)
	assert.Equal(t, 1, model.calls)
}

func TestEscalateAboveThresholdSkipsModel(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 1, outcome: RuleOutcome{Result: ClassNormal, Confidence: 0.95}}
	model := &scriptedModel{}
	core := newTestCore(t, Options{Rules: rules, Model: model, Threshold: 0.8})

	ex, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyEscalate, Input: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, ClassNormal, ex.Result)
	assert.Equal(t, MethodRuleOnly, ex.Method)
	assert.Zero(t, model.calls)
}

func TestEscalateKeepsRuleResultWhenModelFails(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 1, outcome: RuleOutcome{Result: ClassWarning, Confidence: 0.5}}
	model := &scriptedModel{err: errs.New(errs.KindLLMUnavailable, "model down")}
	core := newTestCore(t, Options{Rules: rules, Model: model})

	ex, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyEscalate, Input: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, ClassWarning, ex.Result)
	assert.Equal(t, "rule_after_llm_failure", ex.Source)
}

func TestLLMOnlyRepairRetry(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []string{
		"sure! the answer is critical",
		`{"result": "critical", "confidence": 0.85}`,
	}}
	core := newTestCore(t, Options{Rules: &fakeRules{version: 1}, Model: model})

	ex, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyLLMOnly, Input: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, ClassCritical, ex.Result)
	assert.Equal(t, MethodLLMOnly, ex.Method)
	assert.Equal(t, 2, ex.LLMMetadata.Attempts)
	assert.Contains(t, model.prompts[1], "ONLY the JSON object")
}

func TestLLMOnlyUnparsableAfterRetries(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []string{"nope", "still nope"}}
	core := newTestCore(t, Options{Rules: &fakeRules{version: 1}, Model: model})

	_, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyLLMOnly, Input: map[string]any{}})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindLLMUnparsable))
	assert.Equal(t, 2, model.calls)
}

func TestRuleFallback(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 2, outcome: RuleOutcome{Result: ClassNormal, Confidence: 0.7, MatchedRuleIDs: []string{"r1"}}}
	model := &scriptedModel{err: errs.New(errs.KindLLMUnavailable, "model down")}
	core := newTestCore(t, Options{Rules: rules, Model: model})

	ex, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyRuleFallback, Input: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, ClassNormal, ex.Result)
	assert.Equal(t, MethodHybrid, ex.Method)
	assert.Equal(t, "rule_after_llm", ex.Source)
	require.NotNil(t, ex.LLMMetadata)
}

func TestHybridGateDecisionStaysDeterministic(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 4, outcome: RuleOutcome{
		RulesetVersion: 4,
		Result:         ClassCritical,
		Confidence:     0.92,
		MatchedRuleIDs: []string{"r-gate"},
	}}
	model := &scriptedModel{replies: []string{
		`{"result": "warning", "confidence": 0.99, "explanation": "bearing wear trend",
		  "recommended_actions": [{"action_type": "schedule_maintenance", "priority": "high"}]}`,
	}}
	core := newTestCore(t, Options{Rules: rules, Model: model, Threshold: 0.8})

	ex, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyHybridGate, Input: map[string]any{}})
	require.NoError(t, err)
	// The model disagrees but the gated decision comes from the rules.
	assert.Equal(t, ClassCritical, ex.Result)
	assert.InDelta(t, 0.92, ex.Confidence, 1e-9)
	assert.Equal(t, MethodHybrid, ex.Method)
	assert.Equal(t, "bearing wear trend", ex.Explanation)
	require.Len(t, ex.RecommendedActions, 1)
	assert.Equal(t, "schedule_maintenance", ex.RecommendedActions[0].ActionType)
}

func TestHybridGateFailsClosed(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 1, outcome: RuleOutcome{Result: ClassWarning, Confidence: 0.4}}
	model := &scriptedModel{}
	core := newTestCore(t, Options{Rules: rules, Model: model, Threshold: 0.8})

	ex, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyHybridGate, Input: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, ClassWarning, ex.Result)
	assert.Equal(t, MethodRuleOnly, ex.Method)
	assert.Zero(t, model.calls)
}

func TestHybridWeightedCombination(t *testing.T) {
	t.Parallel()

	rules := &fakeRules{version: 1, outcome: RuleOutcome{
		Result:     ClassNormal,
		Confidence: 0.8,
		Vector:     Vector{Normal: 0.8, Warning: 0.15, Critical: 0.05},
	}}
	model := &scriptedModel{replies: []string{
		`{"result": "critical", "confidence": 0.9, "vector": {"normal": 0.05, "warning": 0.05, "critical": 0.9}}`,
	}}
	core := newTestCore(t, Options{Rules: rules, Model: model, Alpha: 0.5})

	ex, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: PolicyHybridWeighted, Input: map[string]any{}})
	require.NoError(t, err)
	// 0.5*0.05 + 0.5*0.9 = 0.475 critical vs 0.425 normal.
	assert.Equal(t, ClassCritical, ex.Result)
	assert.InDelta(t, 0.475, ex.Confidence, 1e-9)
	assert.Equal(t, "weighted", ex.Source)
}

func TestCombineTieBreaksTowardSevere(t *testing.T) {
	t.Parallel()

	decision, conf, _ := Combine(
		Vector{Normal: 0.5, Warning: 0.5},
		Vector{Normal: 0.5, Warning: 0.5},
		0.5,
	)
	assert.Equal(t, ClassWarning, decision)
	assert.InDelta(t, 0.5, conf, 1e-9)

	decision, _, _ = Combine(
		Vector{Warning: 0.5, Critical: 0.5},
		Vector{Warning: 0.5, Critical: 0.5},
		0.5,
	)
	assert.Equal(t, ClassCritical, decision)
}

// Mirrors the cache-hit flow: within the TTL an identical request returns
// the stored execution with method=cache and issues no model call.
func TestCacheHit(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []string{
		`{"result": "warning", "confidence": 0.7}`,
		`{"result": "critical", "confidence": 0.9}`,
	}}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	cache := newMemCache(clock.Now)
	core := newTestCore(t, Options{
		Rules:    &fakeRules{version: 7},
		Model:    model,
		Cache:    cache,
		CacheTTL: 300 * time.Second,
		Now:      clock.Now,
	})

	req := Request{TenantID: "t1", RulesetID: "rs", Policy: PolicyLLMOnly, Input: map[string]any{"x": 1}}

	first, err := core.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, model.calls)

	clock.Advance(299 * time.Second)
	second, err := core.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, MethodCache, second.Method)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, 1, model.calls, "cache hit must not consult the model")

	clock.Advance(2 * time.Second)
	third, err := core.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, model.calls, "expired entry must be recomputed")
}

func TestCacheKeyBindsVersionAndPolicy(t *testing.T) {
	t.Parallel()

	input := map[string]any{"x": 1}
	base, err := CacheKey("rs", 7, "v3", input, PolicyLLMOnly)
	require.NoError(t, err)

	otherVersion, err := CacheKey("rs", 8, "v3", input, PolicyLLMOnly)
	require.NoError(t, err)
	otherPrompt, err := CacheKey("rs", 7, "v4", input, PolicyLLMOnly)
	require.NoError(t, err)
	otherPolicy, err := CacheKey("rs", 7, "v3", input, PolicyEscalate)
	require.NoError(t, err)
	sameAgain, err := CacheKey("rs", 7, "v3", map[string]any{"x": 1}, PolicyLLMOnly)
	require.NoError(t, err)

	assert.NotEqual(t, base, otherVersion)
	assert.NotEqual(t, base, otherPrompt)
	assert.NotEqual(t, base, otherPolicy)
	assert.Equal(t, base, sameAgain)
}

func TestExecuteRejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, Options{Rules: &fakeRules{version: 1}})
	_, err := core.Execute(context.Background(), Request{RulesetID: "rs", Policy: "vibes", Input: map[string]any{}})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidInput))
}

func TestExecutePropagatesMissingRuleset(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, Options{Rules: &fakeRules{versionErr: errs.New(errs.KindNotFound, "ruleset missing")}})
	_, err := core.Execute(context.Background(), Request{RulesetID: "ghost", Policy: PolicyRuleOnly, Input: map[string]any{}})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func newTestCore(t *testing.T, opts Options) *Core {
	t.Helper()
	core, err := New(opts)
	require.NoError(t, err)
	return core
}

type fakeRules struct {
	version    int
	versionErr error
	outcome    RuleOutcome
	evalErr    error
	evalCalls  int
}

func (f *fakeRules) ActiveVersion(context.Context, string, string, string) (int, error) {
	if f.versionErr != nil {
		return 0, f.versionErr
	}
	return f.version, nil
}

func (f *fakeRules) Evaluate(context.Context, EvalQuery) (RuleOutcome, error) {
	f.evalCalls++
	if f.evalErr != nil {
		return RuleOutcome{}, f.evalErr
	}
	out := f.outcome
	if out.RulesetVersion == 0 {
		out.RulesetVersion = f.version
	}
	return out, nil
}

type scriptedModel struct {
	replies []string
	err     error
	calls   int
	prompts []string
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Complete(_ context.Context, req CompletionRequest) (Completion, error) {
	m.prompts = append(m.prompts, req.Prompt)
	if m.err != nil {
		m.calls++
		return Completion{}, m.err
	}
	if m.calls >= len(m.replies) {
		return Completion{}, errs.New(errs.KindLLMUnavailable, "no scripted reply left")
	}
	reply := m.replies[m.calls]
	m.calls++
	return Completion{Text: reply, Model: "scripted", InputTokens: 10, OutputTokens: 5, LatencyMS: 1}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memCacheEntry struct {
	ex        Execution
	expiresAt time.Time
}

type memCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memCacheEntry
}

func newMemCache(now func() time.Time) *memCache {
	return &memCache{now: now, entries: map[string]memCacheEntry{}}
}

func (c *memCache) Get(_ context.Context, key string) (*Execution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !entry.expiresAt.After(c.now()) {
		delete(c.entries, key)
		return nil, nil
	}
	ex := entry.ex
	return &ex, nil
}

func (c *memCache) Set(_ context.Context, key string, ex Execution, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memCacheEntry{ex: ex, expiresAt: c.now().Add(ttl)}
	return nil
}
