// Package session provides the in-memory session registry: per-session
// dialog state guarded by a per-session lock, LRU eviction at a capacity
// cap, fixed-window rate limiting, and an idle reaper.
//
// Locking is two-phase. Workers hold a session lock only inside BeginTurn
// (append the user turn, snapshot the dialog) and FinishTurn (append the
// assistant turn, trim). The backend call happens between the two with no
// lock held, so a slow backend never serializes unrelated sessions.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/chat"
)

// ErrRateLimited is returned by BeginTurn when the session exceeded its
// per-window request quota.
var ErrRateLimited = errors.New("session rate limit exceeded")

// RateLimit is a fixed-window per-session quota. A zero MaxPerWindow
// disables limiting.
type RateLimit struct {
	MaxPerWindow int
	Window       time.Duration
}

// Record is the mutable state of one conversation. All dialog access goes
// through BeginTurn and FinishTurn, which hold the per-session lock for
// microseconds of local work only.
type Record struct {
	// Project and ID identify the session; immutable.
	Project string
	ID      string

	// CreatedAt is the registry insertion time; immutable.
	CreatedAt time.Time

	mu     sync.Mutex
	dialog []chat.Turn

	windowStart time.Time
	windowCount int

	// lastUsed holds unix nanoseconds. Atomic so the registry can scan for
	// LRU and idle candidates without taking per-session locks.
	lastUsed atomic.Int64
}

func newRecord(project, id string, now time.Time) *Record {
	r := &Record{
		Project:     project,
		ID:          id,
		CreatedAt:   now,
		windowStart: now,
	}
	r.lastUsed.Store(now.UnixNano())
	return r
}

// LastUsed returns the time of the session's most recent turn activity.
func (s *Record) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// BeginTurn is the pre-inference critical section. Under the session lock it
// enforces the rate limit, appends the user turn, and returns a snapshot of
// the dialog as it stood before the append. The caller composes the prompt
// from the snapshot after the lock is released.
//
// On ErrRateLimited the user turn is not appended.
func (s *Record) BeginTurn(now time.Time, userMessage string, limit RateLimit) ([]chat.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit.MaxPerWindow > 0 {
		if now.Sub(s.windowStart) > limit.Window {
			s.windowStart = now
			s.windowCount = 0
		}
		s.windowCount++
		if s.windowCount > limit.MaxPerWindow {
			return nil, ErrRateLimited
		}
	}

	snapshot := make([]chat.Turn, len(s.dialog))
	copy(snapshot, s.dialog)

	s.dialog = append(s.dialog, chat.Turn{Role: chat.RoleUser, Content: userMessage})
	s.lastUsed.Store(now.UnixNano())
	return snapshot, nil
}

// FinishTurn is the post-inference critical section. Under the session lock
// it appends the assistant turn, trims the dialog to budget, and stamps the
// last-use time.
func (s *Record) FinishTurn(now time.Time, assistant string, budget int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dialog = append(s.dialog, chat.Turn{Role: chat.RoleAssistant, Content: assistant})
	s.dialog = chat.Trim(s.dialog, budget)
	s.lastUsed.Store(now.UnixNano())
}

// Dialog returns a copy of the stored dialog.
func (s *Record) Dialog() []chat.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Turn, len(s.dialog))
	copy(out, s.dialog)
	return out
}

// Unlocked reports whether the session lock is currently free. Used by tests
// asserting that no lock is held across backend calls.
func (s *Record) Unlocked() bool {
	if s.mu.TryLock() {
		s.mu.Unlock()
		return true
	}
	return false
}
