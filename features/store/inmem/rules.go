package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/rules"
)

// RuleStore implements rules.Store.
type RuleStore struct {
	mu          sync.RWMutex
	rulesets    map[string]rules.Ruleset // tenant/id
	scripts     map[string][]rules.Script
	deployments map[string][]rules.Deployment
}

// NewRuleStore returns an empty store.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		rulesets:    map[string]rules.Ruleset{},
		scripts:     map[string][]rules.Script{},
		deployments: map[string][]rules.Deployment{},
	}
}

func rsKey(tenantID, id string) string { return tenantID + "/" + id }

// PutRuleset creates or replaces a ruleset record.
func (s *RuleStore) PutRuleset(_ context.Context, rs rules.Ruleset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rulesets[rsKey(rs.TenantID, rs.ID)] = rs
	return nil
}

// GetRuleset returns the ruleset or NotFound.
func (s *RuleStore) GetRuleset(_ context.Context, tenantID, id string) (rules.Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rulesets[rsKey(tenantID, id)]
	if !ok {
		return rules.Ruleset{}, errs.Newf(errs.KindNotFound, "ruleset %q not found", id)
	}
	return rs, nil
}

// PutScript stores a script version, replacing any entry with the same
// version number.
func (s *RuleStore) PutScript(_ context.Context, tenantID string, script rules.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rsKey(tenantID, script.RulesetID)
	for i, existing := range s.scripts[key] {
		if existing.Version == script.Version {
			s.scripts[key][i] = script
			return nil
		}
	}
	s.scripts[key] = append(s.scripts[key], script)
	sort.Slice(s.scripts[key], func(i, j int) bool { return s.scripts[key][i].Version < s.scripts[key][j].Version })
	return nil
}

// GetScript returns one version or VersionNotFound.
func (s *RuleStore) GetScript(_ context.Context, tenantID, rulesetID string, version int) (rules.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, script := range s.scripts[rsKey(tenantID, rulesetID)] {
		if script.Version == version {
			return script, nil
		}
	}
	return rules.Script{}, errs.Newf(errs.KindVersionNotFound, "ruleset %q version %d not found", rulesetID, version)
}

// ListScripts returns the ruleset's versions in ascending order.
func (s *RuleStore) ListScripts(_ context.Context, tenantID, rulesetID string) ([]rules.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.scripts[rsKey(tenantID, rulesetID)]
	out := make([]rules.Script, len(src))
	copy(out, src)
	return out, nil
}

// PutDeployment stores a deployment record.
func (s *RuleStore) PutDeployment(_ context.Context, tenantID string, d rules.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rsKey(tenantID, d.RulesetID)
	s.deployments[key] = append(s.deployments[key], d)
	return nil
}

// ActiveDeployments returns non-superseded deployments in creation order.
func (s *RuleStore) ActiveDeployments(_ context.Context, tenantID, rulesetID string) ([]rules.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rules.Deployment
	for _, d := range s.deployments[rsKey(tenantID, rulesetID)] {
		if !d.Superseded {
			out = append(out, d)
		}
	}
	return out, nil
}

// SupersedeDeployments marks all of the ruleset's deployments superseded.
func (s *RuleStore) SupersedeDeployments(_ context.Context, tenantID, rulesetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rsKey(tenantID, rulesetID)
	for i := range s.deployments[key] {
		s.deployments[key][i].Superseded = true
	}
	return nil
}
