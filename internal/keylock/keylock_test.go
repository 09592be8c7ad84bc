package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "Gate A")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
	}
	if m.Len() != 0 {
		t.Fatalf("expected entries released, got %d", m.Len())
	}
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	m := New()
	unlockA, err := m.Lock(context.Background(), "Gate A")
	if err != nil {
		t.Fatalf("lock A: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := m.Lock(ctx, "Library")
	if err != nil {
		t.Fatalf("lock B blocked by A: %v", err)
	}
	unlockB()
}

func TestLockHonoursContext(t *testing.T) {
	m := New()
	unlock, _ := m.Lock(context.Background(), "d1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "d1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	unlock()
	unlock() // second call is a no-op
	if m.Len() != 0 {
		t.Fatalf("expected no entries, got %d", m.Len())
	}
}
