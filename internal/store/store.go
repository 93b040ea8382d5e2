package store

import (
	"context"
	"time"

	"fleetradar/internal/cache"
	"fleetradar/internal/domain"
	"fleetradar/internal/repo"
)

// TTL is the freshness window for cached process records.
const TTL = 300 * time.Second

// ProcessStore is a read-through cache in front of the persistence
// collaborator. Persistence stays the single source of truth; the cache is a
// time-bounded shadow copy. No lock guards a process id across concurrent
// callers: two requests for the same id may read the same snapshot, both
// pass validation, and both write back. That lost update is an accepted
// property of the engine, not a latent guarantee.
type ProcessStore struct {
	Repo  repo.Repo
	Cache *cache.Cache
}

func New(r repo.Repo, c *cache.Cache) ProcessStore {
	return ProcessStore{Repo: r, Cache: c}
}

// Key returns the cache key for a process id.
func Key(id string) string {
	return "process:" + id
}

// Get returns the process for id, consulting the cache first and
// repopulating it from persistence on a miss. Cache failures degrade to a
// direct persistence read.
func (s ProcessStore) Get(ctx context.Context, id string) (domain.Process, error) {
	var cached domain.Process
	if s.Cache.Get(ctx, Key(id), &cached) {
		return cached, nil
	}
	p, err := s.Repo.GetProcess(ctx, id)
	if err != nil {
		return domain.Process{}, err
	}
	s.Cache.Set(ctx, Key(id), p, TTL)
	return p, nil
}

// Save writes through to persistence, then refreshes the cache entry.
// Persistence errors propagate; the cache refresh is best effort.
func (s ProcessStore) Save(ctx context.Context, p domain.Process) error {
	if err := s.Repo.SaveProcess(ctx, p); err != nil {
		return err
	}
	s.Cache.Set(ctx, Key(p.ID), p, TTL)
	return nil
}

// Invalidate drops the cached copy for id.
func (s ProcessStore) Invalidate(ctx context.Context, id string) {
	s.Cache.Del(ctx, Key(id))
}
