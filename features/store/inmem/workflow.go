// Package inmem provides in-memory implementations of the persistence seams.
// They back tests and single-process deployments; features/store/mongo
// provides the durable equivalents. All stores are safe for concurrent use.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/event"
	"github.com/mugoori/triflow/runtime/workflow"
)

// WorkflowStore implements workflow.Store.
type WorkflowStore struct {
	mu          sync.RWMutex
	workflows   map[string]workflow.Workflow // tenant/id
	versions    map[string][]workflow.Version
	instances   map[string]workflow.Instance
	checkpoints map[string][]workflow.Checkpoint
	events      map[string][]event.Event
}

// NewWorkflowStore returns an empty store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{
		workflows:   map[string]workflow.Workflow{},
		versions:    map[string][]workflow.Version{},
		instances:   map[string]workflow.Instance{},
		checkpoints: map[string][]workflow.Checkpoint{},
		events:      map[string][]event.Event{},
	}
}

func wfKey(tenantID, id string) string { return tenantID + "/" + id }

// PutWorkflow creates or replaces a workflow record.
func (s *WorkflowStore) PutWorkflow(_ context.Context, wf workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wfKey(wf.TenantID, wf.ID)] = wf
	return nil
}

// GetWorkflow returns the workflow or NotFound. Soft-deleted workflows are
// returned with DeletedAt set.
func (s *WorkflowStore) GetWorkflow(_ context.Context, tenantID, id string) (workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[wfKey(tenantID, id)]
	if !ok {
		return workflow.Workflow{}, errs.Newf(errs.KindNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

// ListWorkflows returns the tenant's live workflows sorted by id.
func (s *WorkflowStore) ListWorkflows(_ context.Context, tenantID string) ([]workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.Workflow
	for _, wf := range s.workflows {
		if wf.TenantID == tenantID && wf.DeletedAt == nil {
			out = append(out, wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteWorkflow soft-deletes the workflow.
func (s *WorkflowStore) DeleteWorkflow(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[wfKey(tenantID, id)]
	if !ok {
		return errs.Newf(errs.KindNotFound, "workflow %q not found", id)
	}
	now := wf.UpdatedAt
	wf.DeletedAt = &now
	s.workflows[wfKey(tenantID, id)] = wf
	return nil
}

// PutVersion appends or replaces a version entry.
func (s *WorkflowStore) PutVersion(_ context.Context, tenantID string, v workflow.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := wfKey(tenantID, v.WorkflowID)
	for i, existing := range s.versions[key] {
		if existing.Number == v.Number {
			s.versions[key][i] = v
			return nil
		}
	}
	s.versions[key] = append(s.versions[key], v)
	sort.Slice(s.versions[key], func(i, j int) bool { return s.versions[key][i].Number < s.versions[key][j].Number })
	return nil
}

// GetVersion returns one version or VersionNotFound.
func (s *WorkflowStore) GetVersion(_ context.Context, tenantID, workflowID string, number int) (workflow.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[wfKey(tenantID, workflowID)] {
		if v.Number == number {
			return v, nil
		}
	}
	return workflow.Version{}, errs.Newf(errs.KindVersionNotFound, "workflow %q version %d not found", workflowID, number)
}

// ListVersions returns the workflow's versions in ascending order.
func (s *WorkflowStore) ListVersions(_ context.Context, tenantID, workflowID string) ([]workflow.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.versions[wfKey(tenantID, workflowID)]
	out := make([]workflow.Version, len(src))
	copy(out, src)
	return out, nil
}

// Activate marks the version active, demotes the previously active one and
// rewrites the workflow record to the activated document.
func (s *WorkflowStore) Activate(_ context.Context, tenantID, workflowID string, number int) (workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := wfKey(tenantID, workflowID)
	wf, ok := s.workflows[key]
	if !ok {
		return workflow.Workflow{}, errs.Newf(errs.KindNotFound, "workflow %q not found", workflowID)
	}
	versions := s.versions[key]
	target := -1
	for i, v := range versions {
		if v.Number == number {
			target = i
		}
	}
	if target < 0 {
		return workflow.Workflow{}, errs.Newf(errs.KindVersionNotFound, "workflow %q version %d not found", workflowID, number)
	}
	for i, v := range versions {
		if v.State == workflow.VersionActive && v.Number != number {
			versions[i].State = workflow.VersionDeprecated
		}
	}
	versions[target].State = workflow.VersionActive
	wf.Version = number
	wf.DSL = versions[target].DSL
	wf.Digest = versions[target].Digest
	s.workflows[key] = wf
	return wf, nil
}

// CreateInstance stores a new instance; duplicate ids return Conflict.
func (s *WorkflowStore) CreateInstance(_ context.Context, inst workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.instances[inst.ID]; dup {
		return errs.Newf(errs.KindConflict, "instance %q already exists", inst.ID)
	}
	s.instances[inst.ID] = inst
	return nil
}

// GetInstance returns an instance or NotFound.
func (s *WorkflowStore) GetInstance(_ context.Context, tenantID, id string) (workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok || inst.TenantID != tenantID {
		return workflow.Instance{}, errs.Newf(errs.KindNotFound, "instance %q not found", id)
	}
	return inst, nil
}

// UpdateInstance replaces the stored instance.
func (s *WorkflowStore) UpdateInstance(_ context.Context, inst workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return errs.Newf(errs.KindNotFound, "instance %q not found", inst.ID)
	}
	s.instances[inst.ID] = inst
	return nil
}

// ListInstances returns instances matching the filter, most recent first.
func (s *WorkflowStore) ListInstances(_ context.Context, tenantID string, filter workflow.InstanceFilter) ([]workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.Instance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if len(filter.States) > 0 && !stateIn(inst.State, filter.States) {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountActive returns the tenant's non-terminal instance count.
func (s *WorkflowStore) CountActive(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, inst := range s.instances {
		if inst.TenantID == tenantID && !inst.State.Terminal() {
			count++
		}
	}
	return count, nil
}

// AppendCheckpoint stores a checkpoint; Seq must advance.
func (s *WorkflowStore) AppendCheckpoint(_ context.Context, cp workflow.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.checkpoints[cp.InstanceID]
	if len(existing) > 0 && existing[len(existing)-1].Seq >= cp.Seq {
		return errs.Newf(errs.KindConflict, "checkpoint seq %d does not advance", cp.Seq)
	}
	s.checkpoints[cp.InstanceID] = append(existing, cp)
	return nil
}

// LatestCheckpoint returns the newest checkpoint or NotFound.
func (s *WorkflowStore) LatestCheckpoint(_ context.Context, instanceID string) (workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[instanceID]
	if len(cps) == 0 {
		return workflow.Checkpoint{}, errs.Newf(errs.KindNotFound, "instance %q has no checkpoints", instanceID)
	}
	return cps[len(cps)-1], nil
}

// ListCheckpoints returns the instance's checkpoints in Seq order.
func (s *WorkflowStore) ListCheckpoints(_ context.Context, instanceID string) ([]workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.checkpoints[instanceID]
	out := make([]workflow.Checkpoint, len(src))
	copy(out, src)
	return out, nil
}

// Append stores an event at the tail of the instance's log.
func (s *WorkflowStore) Append(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
	return nil
}

// ListEvents returns the instance's events in append order.
func (s *WorkflowStore) ListEvents(_ context.Context, instanceID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[instanceID]
	out := make([]event.Event, len(src))
	copy(out, src)
	return out, nil
}

func stateIn(s workflow.State, set []workflow.State) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
