package blacklist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/textileio/deploy-core/deployer"
)

// MemRepository is an in-memory Repository, useful for tests and tooling.
type MemRepository struct {
	lock    sync.Mutex
	entries map[string]deployer.BlacklistEntry
}

var _ Repository = (*MemRepository)(nil)

// NewMemRepository returns an empty MemRepository.
func NewMemRepository() *MemRepository {
	return &MemRepository{entries: map[string]deployer.BlacklistEntry{}}
}

// UpsertBlacklistEntry implements Repository.
func (r *MemRepository) UpsertBlacklistEntry(_ context.Context, e deployer.BlacklistEntry) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if old, ok := r.entries[e.ProviderID]; ok {
		e.CreatedAt = old.CreatedAt
	} else {
		e.CreatedAt = time.Now()
	}
	r.entries[e.ProviderID] = e
	return nil
}

// IsBlacklisted implements Repository.
func (r *MemRepository) IsBlacklisted(_ context.Context, providerID string, now time.Time) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	e, ok := r.entries[providerID]
	return ok && active(e, now), nil
}

// ListBlacklist implements Repository.
func (r *MemRepository) ListBlacklist(_ context.Context, now time.Time) ([]deployer.BlacklistEntry, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var ret []deployer.BlacklistEntry
	for _, e := range r.entries {
		if active(e, now) {
			ret = append(ret, e)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ProviderID < ret[j].ProviderID })
	return ret, nil
}

// DeleteExpiredBlacklistEntries implements Repository.
func (r *MemRepository) DeleteExpiredBlacklistEntries(_ context.Context, now time.Time) (int64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var n int64
	for id, e := range r.entries {
		if !active(e, now) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}

func active(e deployer.BlacklistEntry, now time.Time) bool {
	return e.Permanent() || e.ExpiresAt.After(now)
}
