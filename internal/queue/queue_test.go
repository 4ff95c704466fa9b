package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/gateway"
)

func req(id string, priority int) *gateway.Request {
	return &gateway.Request{RequestID: id, Priority: priority}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(8)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(req(fmt.Sprintf("r%d", i), 0)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if want := fmt.Sprintf("r%d", i); r.RequestID != want {
			t.Errorf("Dequeue(%d) = %q, want %q", i, r.RequestID, want)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(8)
	q.Enqueue(req("low-1", 0))
	q.Enqueue(req("high", 5))
	q.Enqueue(req("low-2", 0))

	ctx := context.Background()
	var got []string
	for i := 0; i < 3; i++ {
		r, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		got = append(got, r.RequestID)
	}

	want := []string{"high", "low-1", "low-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dequeue order = %v, want %v", got, want)
		}
	}
}

func TestEnqueueOverflow(t *testing.T) {
	q := New(2)
	if err := q.Enqueue(req("a", 0)); err != nil {
		t.Fatalf("Enqueue(a): %v", err)
	}
	if err := q.Enqueue(req("b", 0)); err != nil {
		t.Fatalf("Enqueue(b): %v", err)
	}
	if err := q.Enqueue(req("c", 0)); !errors.Is(err, ErrFull) {
		t.Errorf("Enqueue(c) = %v, want ErrFull", err)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}

	// Draining one makes room again.
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Enqueue(req("d", 0)); err != nil {
		t.Errorf("Enqueue(d) after drain = %v, want nil", err)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(4)
	done := make(chan *gateway.Request, 1)

	go func() {
		r, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		done <- r
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(req("late", 0))

	select {
	case r := <-done:
		if r.RequestID != "late" {
			t.Errorf("got %q, want late", r.RequestID)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake after Enqueue")
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q := New(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dequeue = %v, want DeadlineExceeded", err)
	}
}

func TestCloseDrainsThenStops(t *testing.T) {
	q := New(4)
	q.Enqueue(req("a", 0))
	q.Enqueue(req("b", 0))
	q.Close()

	if err := q.Enqueue(req("c", 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		r, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue(%s): %v", want, err)
		}
		if r.RequestID != want {
			t.Errorf("Dequeue = %q, want %q", r.RequestID, want)
		}
	}

	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue after drain = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := New(2)
	q.Close()
	q.Close()
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		perProd   = 50
	)
	q := New(producers * perProd)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				if err := q.Enqueue(req(fmt.Sprintf("p%d-%d", p, i), 0)); err != nil {
					t.Errorf("Enqueue: %v", err)
				}
			}
		}(p)
	}

	got := make(chan string, producers*perProd)
	var cg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				r, err := q.Dequeue(context.Background())
				if err != nil {
					return
				}
				got <- r.RequestID
			}
		}()
	}

	wg.Wait()
	q.Close()
	cg.Wait()
	close(got)

	seen := make(map[string]bool)
	for id := range got {
		if seen[id] {
			t.Errorf("request %q dequeued twice", id)
		}
		seen[id] = true
	}
	if len(seen) != producers*perProd {
		t.Errorf("dequeued %d distinct requests, want %d", len(seen), producers*perProd)
	}
}
