package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
)

type (
	// JudgmentStore implements judgment.ExecutionStore.
	JudgmentStore struct {
		mu         sync.RWMutex
		executions map[string]judgment.Execution
	}

	// JudgmentCache implements judgment.Cache with wall-clock expiry. The
	// production equivalent lives in features/cache/redis.
	JudgmentCache struct {
		mu      sync.Mutex
		entries map[string]cacheEntry
		now     func() time.Time
	}

	cacheEntry struct {
		ex        judgment.Execution
		expiresAt time.Time
		hits      int
	}
)

// NewJudgmentStore returns an empty store.
func NewJudgmentStore() *JudgmentStore {
	return &JudgmentStore{executions: map[string]judgment.Execution{}}
}

// PutExecution inserts an execution record.
func (s *JudgmentStore) PutExecution(_ context.Context, ex judgment.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[ex.ID] = ex
	return nil
}

// GetExecution returns an execution by id or NotFound.
func (s *JudgmentStore) GetExecution(_ context.Context, tenantID, id string) (judgment.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[id]
	if !ok || ex.TenantID != tenantID {
		return judgment.Execution{}, errs.Newf(errs.KindNotFound, "execution %q not found", id)
	}
	return ex, nil
}

// NewJudgmentCache returns an empty cache. A nil clock uses time.Now.
func NewJudgmentCache(clock func() time.Time) *JudgmentCache {
	if clock == nil {
		clock = time.Now
	}
	return &JudgmentCache{entries: map[string]cacheEntry{}, now: clock}
}

// Get returns the cached execution or nil on miss or expiry.
func (c *JudgmentCache) Get(_ context.Context, key string) (*judgment.Execution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	entry.hits++
	c.entries[key] = entry
	ex := entry.ex
	return &ex, nil
}

// Set stores the execution under key with the given TTL.
func (c *JudgmentCache) Set(_ context.Context, key string, ex judgment.Execution, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{ex: ex, expiresAt: c.now().Add(ttl)}
	return nil
}

// Hits returns the hit count recorded for key. Test helper.
func (c *JudgmentCache) Hits(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key].hits
}
