package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// key identifies a session across projects.
type key struct {
	project string
	id      string
}

// Registry maps (project, session id) to live records. The registry lock
// guards only the map itself (insert, remove, LRU scan), never per-session
// work.
type Registry struct {
	maxSessions int

	mu      sync.Mutex
	records map[key]*Record

	log     *slog.Logger
	metrics *observe.Metrics
}

// NewRegistry creates a Registry capped at maxSessions live records. Log and
// metrics fall back to process-wide defaults when nil.
func NewRegistry(maxSessions int, log *slog.Logger, metrics *observe.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		maxSessions: maxSessions,
		records:     make(map[key]*Record),
		log:         log,
		metrics:     metrics,
	}
}

// GetOrCreate returns the record for (project, sessionID), creating a fresh
// one on first use. When the registry is at capacity, the least-recently-used
// record is evicted to make room. Workers still holding a pointer to an
// evicted record finish their turn against it; the record is simply no
// longer reachable for new requests.
func (r *Registry) GetOrCreate(project, sessionID string, now time.Time) *Record {
	k := key{project: project, id: sessionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[k]; ok {
		return rec
	}

	if len(r.records) >= r.maxSessions {
		r.evictLRU()
	}

	rec := newRecord(project, sessionID, now)
	r.records[k] = rec
	r.metrics.ActiveSessions.Add(context.Background(), 1)
	return rec
}

// evictLRU removes the record with the oldest last-use time. Caller holds
// r.mu.
func (r *Registry) evictLRU() {
	var (
		oldestKey key
		oldest    int64
		found     bool
	)
	for k, rec := range r.records {
		if used := rec.lastUsed.Load(); !found || used < oldest {
			oldestKey, oldest, found = k, used, true
		}
	}
	if !found {
		return
	}
	delete(r.records, oldestKey)
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	r.log.Debug("evicted least-recently-used session",
		"project", oldestKey.project,
		"session_id", oldestKey.id,
	)
}

// Lookup returns the record for (project, sessionID) without creating one.
func (r *Registry) Lookup(project, sessionID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key{project: project, id: sessionID}]
	return rec, ok
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Reap removes every record idle for longer than timeout. A record whose
// session lock is held is skipped and retried on the next tick. Returns the
// number of records removed.
func (r *Registry) Reap(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, rec := range r.records {
		if now.Sub(rec.LastUsed()) <= timeout {
			continue
		}
		if !rec.mu.TryLock() {
			// A worker is mid-turn; the stamp it writes will push the
			// session out of the idle window anyway.
			continue
		}
		rec.mu.Unlock()
		delete(r.records, k)
		removed++
	}
	if removed > 0 {
		r.metrics.ActiveSessions.Add(context.Background(), int64(-removed))
	}
	return removed
}

// RunReaper scans for idle sessions every interval until ctx ends.
func (r *Registry) RunReaper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := r.Reap(now, timeout); removed > 0 {
				r.log.Info("reaped idle sessions",
					"removed", removed,
					"remaining", r.Len(),
				)
			}
		}
	}
}
