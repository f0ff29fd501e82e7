package rules

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mugoori/triflow/runtime/canon"
	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
	"github.com/mugoori/triflow/runtime/telemetry"
)

type (
	// Options configures the ruleset hub.
	Options struct {
		// Store persists rulesets, scripts and deployments. Required.
		Store Store
		// ConflictThreshold is the condition overlap ratio that flags a
		// rule pair. Defaults to 0.8.
		ConflictThreshold float64
		// NewID mints deployment ids. Defaults to uuid.NewString.
		NewID func() string
		// Now supplies the clock. Defaults to time.Now.
		Now func() time.Time
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Hub is the process-wide ruleset deployment manager and evaluator. It
	// implements judgment.Rules.
	Hub struct {
		store             Store
		conflictThreshold float64
		newID             func() string
		now               func() time.Time
		logger            telemetry.Logger
		metrics           telemetry.Metrics

		// compiled caches compiled scripts keyed by tenant/ruleset/version.
		compiled sync.Map
	}
)

// NewHub validates the options and returns a hub.
func NewHub(opts Options) (*Hub, error) {
	if opts.Store == nil {
		return nil, errs.New(errs.KindInvalidInput, "ruleset hub requires a store")
	}
	h := &Hub{
		store:             opts.Store,
		conflictThreshold: opts.ConflictThreshold,
		newID:             opts.NewID,
		now:               opts.Now,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
	}
	if h.conflictThreshold == 0 {
		h.conflictThreshold = 0.8
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = telemetry.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = telemetry.NoopMetrics{}
	}
	return h, nil
}

// CreateVersion appends a new draft version to the ruleset's stream. The
// source is compiled eagerly so the compile status is known immediately, but
// an uncompilable source is still stored as a failed draft.
func (h *Hub) CreateVersion(ctx context.Context, tenantID, rulesetID, source, changelog string) (Script, error) {
	rs, err := h.store.GetRuleset(ctx, tenantID, rulesetID)
	if err != nil {
		if !errs.IsKind(err, errs.KindNotFound) {
			return Script{}, err
		}
		rs = Ruleset{ID: rulesetID, TenantID: tenantID, Name: rulesetID, CreatedAt: h.now().UTC()}
	}

	s := Script{
		RulesetID: rulesetID,
		Version:   rs.LatestVersion + 1,
		Source:    source,
		Digest:    canon.HashParts(source),
		State:     ScriptDraft,
		Changelog: changelog,
		CreatedAt: h.now().UTC(),
	}
	if _, cerr := Compile(source); cerr != nil {
		s.CompileStatus = CompileFailed
		s.CompileError = cerr.Error()
	} else {
		s.CompileStatus = CompileOK
	}

	if err := h.store.PutScript(ctx, tenantID, s); err != nil {
		return Script{}, err
	}
	rs.LatestVersion = s.Version
	rs.UpdatedAt = h.now().UTC()
	if err := h.store.PutRuleset(ctx, rs); err != nil {
		return Script{}, err
	}
	h.logger.Info(ctx, "ruleset version created",
		"ruleset", rulesetID, "version", s.Version, "compile_status", string(s.CompileStatus))
	return s, nil
}

// Publish activates a version. Without canary parameters the version
// becomes the sole active deployment and the previous active version is
// demoted to deprecated. With canary parameters the version receives a
// traffic slice; active canary fractions must sum to at most 1. A version
// that fails to compile is left untouched in draft and the current active
// version is never disturbed.
func (h *Hub) Publish(ctx context.Context, tenantID, rulesetID string, version int, canary *CanaryParams) (string, error) {
	s, err := h.store.GetScript(ctx, tenantID, rulesetID, version)
	if err != nil {
		return "", err
	}
	if s.State == ScriptArchived {
		return "", errs.Newf(errs.KindConflict, "version %d is archived", version)
	}
	if _, cerr := Compile(s.Source); cerr != nil {
		return "", cerr
	}

	now := h.now().UTC()
	dep := Deployment{
		ID:        h.newID(),
		RulesetID: rulesetID,
		Version:   version,
		CreatedAt: now,
	}

	if canary != nil {
		if canary.Fraction < 0 || canary.Fraction > 1 {
			return "", errs.Newf(errs.KindInvalidInput, "canary fraction %v outside [0,1]", canary.Fraction)
		}
		existing, err := h.store.ActiveDeployments(ctx, tenantID, rulesetID)
		if err != nil {
			return "", err
		}
		var sum float64
		for _, d := range existing {
			if d.Canary {
				sum += d.Fraction
			}
		}
		if sum+canary.Fraction > 1+1e-9 {
			return "", errs.Newf(errs.KindConflict, "canary fractions would sum to %.3f", sum+canary.Fraction)
		}
		dep.Canary = true
		dep.Fraction = canary.Fraction
		dep.TargetFilter = canary.TargetFilter
		if err := h.store.PutDeployment(ctx, tenantID, dep); err != nil {
			return "", err
		}
		h.logger.Info(ctx, "ruleset canary published",
			"ruleset", rulesetID, "version", version, "fraction", canary.Fraction)
		return dep.ID, nil
	}

	if err := h.demoteActive(ctx, tenantID, rulesetID); err != nil {
		return "", err
	}
	if err := h.store.SupersedeDeployments(ctx, tenantID, rulesetID); err != nil {
		return "", err
	}
	s.State = ScriptActive
	s.CompileStatus = CompileOK
	s.CompileError = ""
	if err := h.store.PutScript(ctx, tenantID, s); err != nil {
		return "", err
	}
	if err := h.store.PutDeployment(ctx, tenantID, dep); err != nil {
		return "", err
	}
	h.logger.Info(ctx, "ruleset published", "ruleset", rulesetID, "version", version)
	return dep.ID, nil
}

// Rollback re-activates an earlier version. The target must exist and not
// be archived; the current active version is demoted to deprecated.
func (h *Hub) Rollback(ctx context.Context, tenantID, rulesetID string, toVersion int) error {
	target, err := h.store.GetScript(ctx, tenantID, rulesetID, toVersion)
	if err != nil {
		return err
	}
	if target.State == ScriptArchived {
		return errs.Newf(errs.KindConflict, "version %d is archived and cannot be re-activated", toVersion)
	}
	if _, err := h.Publish(ctx, tenantID, rulesetID, toVersion, nil); err != nil {
		return err
	}
	h.logger.Info(ctx, "ruleset rolled back", "ruleset", rulesetID, "to_version", toVersion)
	return nil
}

// ActiveVersion resolves the version that serves the given trace. Canary
// deployments claim consecutive slices of the unit interval; a selection key
// derived deterministically from the trace id and the canary's target
// filter decides whether the trace falls inside a slice. Traces outside all
// canary slices get the sole active deployment.
func (h *Hub) ActiveVersion(ctx context.Context, tenantID, rulesetID, traceID string) (int, error) {
	deps, err := h.store.ActiveDeployments(ctx, tenantID, rulesetID)
	if err != nil {
		return 0, err
	}
	if len(deps) == 0 {
		return 0, errs.Newf(errs.KindNotFound, "ruleset %q has no active deployment", rulesetID)
	}

	active := -1
	var cumulative float64
	for _, d := range deps {
		if !d.Canary {
			active = d.Version
			continue
		}
		key := selectionKey(traceID, d.TargetFilter)
		if key >= cumulative && key < cumulative+d.Fraction {
			return d.Version, nil
		}
		cumulative += d.Fraction
	}
	if active < 0 {
		return 0, errs.Newf(errs.KindNotFound, "ruleset %q has only canary deployments", rulesetID)
	}
	return active, nil
}

// Evaluate implements judgment.Rules: it resolves the serving version for
// the trace, compiles (or reuses) the script and runs it.
func (h *Hub) Evaluate(ctx context.Context, q judgment.EvalQuery) (judgment.RuleOutcome, error) {
	version, err := h.ActiveVersion(ctx, q.TenantID, q.RulesetID, q.TraceID)
	if err != nil {
		return judgment.RuleOutcome{}, err
	}
	compiled, err := h.compiledScript(ctx, q.TenantID, q.RulesetID, version)
	if err != nil {
		return judgment.RuleOutcome{}, err
	}
	out, err := compiled.Evaluate(q.Input)
	if err != nil {
		return judgment.RuleOutcome{}, err
	}
	out.RulesetVersion = version
	return out, nil
}

// DetectConflicts statically analyzes the active version for rule pairs
// whose normalized condition atoms overlap at or above the threshold while
// their results disagree.
func (h *Hub) DetectConflicts(ctx context.Context, tenantID, rulesetID string) ([]Conflict, error) {
	version, err := h.ActiveVersion(ctx, tenantID, rulesetID, "")
	if err != nil {
		return nil, err
	}
	compiled, err := h.compiledScript(ctx, tenantID, rulesetID, version)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for i := 0; i < len(compiled.Rules); i++ {
		for j := i + 1; j < len(compiled.Rules); j++ {
			a, b := compiled.Rules[i], compiled.Rules[j]
			if a.Result == b.Result {
				continue
			}
			overlap := jaccard(a.Cond.Atoms(), b.Cond.Atoms())
			if overlap >= h.conflictThreshold {
				conflicts = append(conflicts, Conflict{
					RuleA:   a.ID,
					RuleB:   b.ID,
					Overlap: overlap,
					ResultA: string(a.Result),
					ResultB: string(b.Result),
				})
			}
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Overlap != conflicts[j].Overlap {
			return conflicts[i].Overlap > conflicts[j].Overlap
		}
		return conflicts[i].RuleA < conflicts[j].RuleA
	})
	return conflicts, nil
}

func (h *Hub) demoteActive(ctx context.Context, tenantID, rulesetID string) error {
	scripts, err := h.store.ListScripts(ctx, tenantID, rulesetID)
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if s.State == ScriptActive {
			s.State = ScriptDeprecated
			if err := h.store.PutScript(ctx, tenantID, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Hub) compiledScript(ctx context.Context, tenantID, rulesetID string, version int) (*CompiledScript, error) {
	key := fmt.Sprintf("%s/%s/%d", tenantID, rulesetID, version)
	if cached, ok := h.compiled.Load(key); ok {
		return cached.(*CompiledScript), nil
	}
	s, err := h.store.GetScript(ctx, tenantID, rulesetID, version)
	if err != nil {
		return nil, err
	}
	compiled, err := Compile(s.Source)
	if err != nil {
		return nil, err
	}
	h.compiled.Store(key, compiled)
	return compiled, nil
}

// selectionKey maps a trace deterministically into [0,1). The target filter
// salts the key so overlapping canaries sample independent trace subsets.
func selectionKey(traceID string, filter map[string]string) float64 {
	hash := fnv.New64a()
	hash.Write([]byte(traceID))
	hash.Write([]byte{0})
	if len(filter) > 0 {
		// Canonical order keeps the key stable across map iteration.
		b, _ := canon.JSON(filter)
		hash.Write(b)
	}
	return float64(hash.Sum64()) / math.MaxUint64
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	inter := 0
	union := len(set)
	for _, s := range b {
		if _, ok := set[s]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
