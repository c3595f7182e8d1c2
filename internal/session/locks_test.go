package session

import (
	"sync"
	"testing"
	"time"
)

func TestLockRegistrySerializesSameSession(t *testing.T) {
	reg := NewLockRegistry(time.Minute)

	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := reg.Acquire("s1")
			defer release()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Fatalf("expected at most 1 concurrent holder, saw %d", max)
	}
}

func TestLockRegistryIndependentSessions(t *testing.T) {
	reg := NewLockRegistry(time.Minute)

	releaseA := reg.Acquire("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := reg.Acquire("b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different session blocked behind an unrelated holder")
	}
}

func TestLockRegistrySweep(t *testing.T) {
	reg := NewLockRegistry(time.Minute)
	current := time.Now()
	reg.now = func() time.Time { return current }

	release := reg.Acquire("s1")
	release()
	if got := reg.size(); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}

	// Still within the TTL.
	if reaped := reg.Sweep(); reaped != 0 {
		t.Fatalf("expected no entries reaped, got %d", reaped)
	}

	current = current.Add(2 * time.Minute)
	if reaped := reg.Sweep(); reaped != 1 {
		t.Fatalf("expected 1 entry reaped, got %d", reaped)
	}
	if got := reg.size(); got != 0 {
		t.Fatalf("expected empty registry, got %d entries", got)
	}
}

func TestLockRegistrySweepSkipsHeldLocks(t *testing.T) {
	reg := NewLockRegistry(time.Minute)
	current := time.Now()
	reg.now = func() time.Time { return current }

	release := reg.Acquire("s1")
	current = current.Add(time.Hour)
	if reaped := reg.Sweep(); reaped != 0 {
		t.Fatalf("expected held lock to survive sweep, reaped %d", reaped)
	}

	release()
	current = current.Add(2 * time.Minute)
	if reaped := reg.Sweep(); reaped != 1 {
		t.Fatalf("expected released lock reaped, got %d", reaped)
	}
}

func TestLockRegistryReacquireAfterSweep(t *testing.T) {
	reg := NewLockRegistry(time.Minute)
	current := time.Now()
	reg.now = func() time.Time { return current }

	reg.Acquire("s1")()
	current = current.Add(2 * time.Minute)
	reg.Sweep()

	// A fresh acquire after reaping gets a working lock again.
	release := reg.Acquire("s1")
	release()
	if got := reg.size(); got != 1 {
		t.Fatalf("expected 1 entry after reacquire, got %d", got)
	}
}
