package session

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/chat"
)

func TestBeginTurnSnapshotExcludesNewTurn(t *testing.T) {
	rec := newRecord("general", "s1", time.Now())
	now := time.Now()

	snap, err := rec.BeginTurn(now, "hello", RateLimit{})
	if err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("first snapshot should be empty, got %d turns", len(snap))
	}

	dialog := rec.Dialog()
	if len(dialog) != 1 || dialog[0].Role != chat.RoleUser || dialog[0].Content != "hello" {
		t.Errorf("dialog after BeginTurn = %+v", dialog)
	}
}

func TestFinishTurnAppendsAndTrims(t *testing.T) {
	rec := newRecord("general", "s1", time.Now())
	now := time.Now()

	rec.BeginTurn(now, "hello", RateLimit{})
	rec.FinishTurn(now, "hi", 100)

	dialog := rec.Dialog()
	if len(dialog) != 2 {
		t.Fatalf("dialog length = %d, want 2", len(dialog))
	}
	if dialog[1].Role != chat.RoleAssistant || dialog[1].Content != "hi" {
		t.Errorf("assistant turn = %+v", dialog[1])
	}

	t.Run("budget enforced after every finish", func(t *testing.T) {
		budget := 10
		for i := 0; i < 20; i++ {
			rec.BeginTurn(now, "a somewhat longer user message", RateLimit{})
			rec.FinishTurn(now, "a somewhat longer assistant reply", budget)
			if est := chat.EstimateTokens(rec.Dialog()); est > budget {
				t.Fatalf("iteration %d: estimate %d exceeds budget %d", i, est, budget)
			}
		}
	})
}

func TestRateLimit(t *testing.T) {
	rec := newRecord("general", "s1", time.Now())
	limit := RateLimit{MaxPerWindow: 2, Window: 10 * time.Second}
	start := time.Now()

	if _, err := rec.BeginTurn(start, "one", limit); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := rec.BeginTurn(start.Add(time.Second), "two", limit); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	_, err := rec.BeginTurn(start.Add(2*time.Second), "three", limit)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third turn err = %v, want ErrRateLimited", err)
	}
	if got := len(rec.Dialog()); got != 2 {
		t.Errorf("rejected turn was appended; dialog length = %d, want 2", got)
	}

	// A fresh window admits requests again.
	if _, err := rec.BeginTurn(start.Add(11*time.Second), "four", limit); err != nil {
		t.Errorf("post-window turn err = %v, want nil", err)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	rec := newRecord("general", "s1", time.Now())
	now := time.Now()
	for i := 0; i < 50; i++ {
		if _, err := rec.BeginTurn(now, "m", RateLimit{}); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
}

func TestGetOrCreate(t *testing.T) {
	r := NewRegistry(4, nil, nil)
	now := time.Now()

	a := r.GetOrCreate("general", "s1", now)
	b := r.GetOrCreate("general", "s1", now)
	if a != b {
		t.Error("GetOrCreate returned distinct records for the same key")
	}

	c := r.GetOrCreate("maze", "s1", now)
	if c == a {
		t.Error("sessions with the same id in different projects must be distinct")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	r := NewRegistry(3, nil, nil)
	base := time.Now()

	r.GetOrCreate("p", "oldest", base)
	r.GetOrCreate("p", "mid", base.Add(time.Second))
	r.GetOrCreate("p", "newest", base.Add(2*time.Second))

	// Capacity reached; the next distinct session evicts "oldest".
	r.GetOrCreate("p", "extra", base.Add(3*time.Second))

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
	if _, ok := r.Lookup("p", "oldest"); ok {
		t.Error("oldest session should have been evicted")
	}
	if _, ok := r.Lookup("p", "mid"); !ok {
		t.Error("mid session should survive")
	}

	t.Run("evicted session restarts empty", func(t *testing.T) {
		fresh := r.GetOrCreate("p", "oldest", base.Add(4*time.Second))
		if got := len(fresh.Dialog()); got != 0 {
			t.Errorf("recreated session has %d turns, want 0", got)
		}
	})
}

func TestLRUUsesLastUse(t *testing.T) {
	r := NewRegistry(2, nil, nil)
	base := time.Now()

	first := r.GetOrCreate("p", "first", base)
	r.GetOrCreate("p", "second", base.Add(time.Second))

	// Touch "first" so "second" becomes the LRU.
	first.BeginTurn(base.Add(2*time.Second), "hi", RateLimit{})

	r.GetOrCreate("p", "third", base.Add(3*time.Second))
	if _, ok := r.Lookup("p", "first"); !ok {
		t.Error("recently used session was evicted")
	}
	if _, ok := r.Lookup("p", "second"); ok {
		t.Error("least-recently-used session should have been evicted")
	}
}

func TestReap(t *testing.T) {
	r := NewRegistry(10, nil, nil)
	base := time.Now()

	r.GetOrCreate("p", "idle", base)
	fresh := r.GetOrCreate("p", "fresh", base)
	fresh.BeginTurn(base.Add(5*time.Minute), "still here", RateLimit{})

	removed := r.Reap(base.Add(6*time.Minute), time.Minute)
	if removed != 1 {
		t.Errorf("Reap removed %d, want 1", removed)
	}
	if _, ok := r.Lookup("p", "idle"); ok {
		t.Error("idle session should have been reaped")
	}
	if _, ok := r.Lookup("p", "fresh"); !ok {
		t.Error("fresh session should survive")
	}
}

func TestReapSkipsLockedSessions(t *testing.T) {
	r := NewRegistry(10, nil, nil)
	base := time.Now()

	rec := r.GetOrCreate("p", "busy", base)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	removed := r.Reap(base.Add(time.Hour), time.Minute)
	if removed != 0 {
		t.Errorf("Reap removed %d, want 0 (session lock held)", removed)
	}
	if _, ok := r.Lookup("p", "busy"); !ok {
		t.Error("locked session must not be reaped")
	}
}

func TestUnlocked(t *testing.T) {
	rec := newRecord("p", "s", time.Now())
	if !rec.Unlocked() {
		t.Error("fresh record should report unlocked")
	}
	rec.mu.Lock()
	if rec.Unlocked() {
		t.Error("locked record should report locked")
	}
	rec.mu.Unlock()
}
