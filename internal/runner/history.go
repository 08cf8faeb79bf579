package runner

import (
	"sync"
	"time"

	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/patrickmn/go-cache"
)

const (
	DefaultHistoryTTL   = 24 * time.Hour
	DefaultHistoryLimit = 20
)

// History keeps the most recent attempts per job in memory. Entries expire
// after the TTL; nothing here survives a restart.
type History struct {
	cache *cache.Cache
	limit int
	mu    sync.Mutex
}

func NewHistory(ttl time.Duration, limit int) *History {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{
		cache: cache.New(ttl, 10*time.Minute),
		limit: limit,
	}
}

func (h *History) Add(rec types.RunRecord) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var runs []types.RunRecord
	if cached, found := h.cache.Get(rec.JobName); found {
		runs = cached.([]types.RunRecord)
	}

	// newest first
	updated := make([]types.RunRecord, 0, len(runs)+1)
	updated = append(updated, rec)
	updated = append(updated, runs...)
	if len(updated) > h.limit {
		updated = updated[:h.limit]
	}
	h.cache.Set(rec.JobName, updated, cache.DefaultExpiration)
}

// List returns the job's recent attempts, newest first.
func (h *History) List(jobName string) []types.RunRecord {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cached, found := h.cache.Get(jobName)
	if !found {
		return []types.RunRecord{}
	}
	runs := cached.([]types.RunRecord)
	out := make([]types.RunRecord, len(runs))
	copy(out, runs)
	return out
}

func (h *History) Forget(jobName string) {
	if h == nil {
		return
	}
	h.cache.Delete(jobName)
}
