package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/learning"
)

// LearningStore implements learning.TemplateStore and learning.FeedbackStore.
type LearningStore struct {
	mu        sync.RWMutex
	templates map[string]learning.PromptTemplate // tenant/id
	bodies    map[string][]learning.TemplateBody
	feedback  map[string][]learning.Feedback
}

// NewLearningStore returns an empty store.
func NewLearningStore() *LearningStore {
	return &LearningStore{
		templates: map[string]learning.PromptTemplate{},
		bodies:    map[string][]learning.TemplateBody{},
		feedback:  map[string][]learning.Feedback{},
	}
}

func tplKey(tenantID, id string) string { return tenantID + "/" + id }

// PutTemplate creates or replaces a template record.
func (s *LearningStore) PutTemplate(_ context.Context, t learning.PromptTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tplKey(t.TenantID, t.ID)] = t
	return nil
}

// GetTemplate returns a template or NotFound.
func (s *LearningStore) GetTemplate(_ context.Context, tenantID, id string) (learning.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[tplKey(tenantID, id)]
	if !ok {
		return learning.PromptTemplate{}, errs.Newf(errs.KindNotFound, "template %q not found", id)
	}
	return t, nil
}

// ListTemplates returns the tenant's templates sorted by id.
func (s *LearningStore) ListTemplates(_ context.Context, tenantID string) ([]learning.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []learning.PromptTemplate
	for _, t := range s.templates {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutBody appends a body version; duplicate versions return Conflict.
func (s *LearningStore) PutBody(_ context.Context, tenantID string, b learning.TemplateBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tplKey(tenantID, b.TemplateID)
	for _, existing := range s.bodies[key] {
		if existing.Version == b.Version {
			return errs.Newf(errs.KindConflict, "template %q body version %d already exists", b.TemplateID, b.Version)
		}
	}
	s.bodies[key] = append(s.bodies[key], b)
	sort.Slice(s.bodies[key], func(i, j int) bool { return s.bodies[key][i].Version < s.bodies[key][j].Version })
	if t, ok := s.templates[key]; ok && b.Version > t.LatestVersion {
		t.LatestVersion = b.Version
		s.templates[key] = t
	}
	return nil
}

// LatestBody returns the highest-version body or NotFound.
func (s *LearningStore) LatestBody(_ context.Context, tenantID, templateID string) (learning.TemplateBody, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bodies := s.bodies[tplKey(tenantID, templateID)]
	if len(bodies) == 0 {
		return learning.TemplateBody{}, errs.Newf(errs.KindNotFound, "template %q has no body", templateID)
	}
	return bodies[len(bodies)-1], nil
}

// PutFeedback inserts a feedback record.
func (s *LearningStore) PutFeedback(_ context.Context, f learning.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tplKey(f.TenantID, f.TemplateID)
	s.feedback[key] = append(s.feedback[key], f)
	return nil
}

// ListFeedback returns a template's feedback, newest first.
func (s *LearningStore) ListFeedback(_ context.Context, tenantID, templateID string) ([]learning.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.feedback[tplKey(tenantID, templateID)]
	out := make([]learning.Feedback, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
