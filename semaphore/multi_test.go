package semaphore

import (
	"context"
	"testing"
	"time"
)

func TestAcquireAll_AcquiresEverySemaphore(t *testing.T) {
	s1 := NewRegistry(map[string]int{"k": 1})
	s2 := NewRegistry(map[string]int{"k": 1})
	s3 := NewRegistry(nil) // unlimited

	release, err := AcquireAll(context.Background(), []*Registry{s1, s2, s3}, "k")
	if err != nil {
		t.Fatalf("AcquireAll() error = %v", err)
	}
	if s1.Current("k") != 1 || s2.Current("k") != 1 {
		t.Fatalf("Current = (%d, %d), want (1, 1)", s1.Current("k"), s2.Current("k"))
	}

	release()
	if s1.Current("k") != 0 || s2.Current("k") != 0 {
		t.Fatalf("Current after release = (%d, %d), want (0, 0)", s1.Current("k"), s2.Current("k"))
	}
}

func TestAcquireAll_EmptyRegistries(t *testing.T) {
	release, err := AcquireAll(context.Background(), nil, "k")
	if err != nil {
		t.Fatalf("AcquireAll() error = %v", err)
	}
	release()
}

func TestAcquireAll_CancellationReleasesPartialAcquisitions(t *testing.T) {
	s1 := NewRegistry(map[string]int{"k": 1})
	s2 := NewRegistry(map[string]int{"k": 1})
	s3 := NewRegistry(map[string]int{"k": 1})

	// Hold s2's only slot so the multi-acquire blocks on it.
	if err := s2.Acquire(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}

	pre1, pre3 := s1.Current("k"), s3.Current("k")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := AcquireAll(ctx, []*Registry{s1, s2, s3}, "k")
		errCh <- err
	}()

	waitForPending(t, s2, "k", 1)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("AcquireAll() returned nil after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireAll() did not return after cancellation")
	}

	// Every completed acquisition was rolled back to its pre-call value.
	waitForCurrent(t, s1, "k", pre1)
	waitForCurrent(t, s3, "k", pre3)
	if got := s2.Current("k"); got != 1 {
		t.Errorf("s2.Current = %d, want 1 (held by the outside holder)", got)
	}
	if got := s2.Pending("k"); got != 0 {
		t.Errorf("s2.Pending = %d, want 0", got)
	}
}

func TestAcquireAll_LateCompletionAfterFailureReleasesItself(t *testing.T) {
	s1 := NewRegistry(map[string]int{"k": 1})
	s2 := NewRegistry(map[string]int{"k": 1})

	// Hold both so the multi-acquire queues on each.
	if err := s1.Acquire(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	if err := s2.Acquire(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := AcquireAll(ctx, []*Registry{s1, s2}, "k")
		errCh <- err
	}()

	waitForPending(t, s1, "k", 1)
	waitForPending(t, s2, "k", 1)

	// Hand s1's slot to the waiting acquisition at the same moment the
	// call is cancelled: whichever way the race goes, the slot must not
	// be stranded.
	s1.Release("k")
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("AcquireAll() returned nil after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireAll() did not return")
	}

	s2.Release("k")
	waitForCurrent(t, s1, "k", 0)
	waitForCurrent(t, s2, "k", 0)
}

func waitForCurrent(t *testing.T, r *Registry, key string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Current(key) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Current(%q) = %d, want %d", key, r.Current(key), want)
}
