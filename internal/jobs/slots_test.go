package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"media-pipeline/internal/domain"
)

// TestSlotPoolGrantsUpToCapacity verifies immediate grants below capacity.
func TestSlotPoolGrantsUpToCapacity(t *testing.T) {
	pool := NewSlotPool(2)
	ctx := context.Background()

	if err := pool.Acquire(ctx, "a"); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := pool.Acquire(ctx, "b"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if pool.InUse() != 2 {
		t.Fatalf("in use = %d, want 2", pool.InUse())
	}

	if err := pool.Acquire(ctx, "a"); err == nil {
		t.Fatal("double acquire should fail")
	}
}

// TestSlotPoolFIFO verifies waiters are granted strictly in request order.
func TestSlotPoolFIFO(t *testing.T) {
	pool := NewSlotPool(1)
	ctx := context.Background()

	if err := pool.Acquire(ctx, "holder"); err != nil {
		t.Fatalf("acquire holder: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	acquire := func(id string) {
		defer wg.Done()
		if err := pool.Acquire(ctx, id); err != nil {
			t.Errorf("acquire %s: %v", id, err)
			return
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		pool.Release(id)
	}

	for i, id := range []string{"first", "second", "third"} {
		wg.Add(1)
		go acquire(id)
		// Wait until this waiter is enqueued so the FIFO order is fixed.
		want := i + 1
		waitFor(t, func() bool { return pool.Waiting() == want })
	}

	pool.Release("holder")
	wg.Wait()

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("grant order = %v, want [first second third]", order)
	}
}

// TestSlotPoolCancelledWaiterLeavesQueue verifies a cancelled waiter never
// occupies a slot and the queue moves on without it.
func TestSlotPoolCancelledWaiterLeavesQueue(t *testing.T) {
	pool := NewSlotPool(1)
	ctx := context.Background()

	if err := pool.Acquire(ctx, "holder"); err != nil {
		t.Fatalf("acquire holder: %v", err)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Acquire(waitCtx, "quitter") }()
	waitFor(t, func() bool { return pool.Waiting() == 1 })

	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("cancelled waiter err = %v, want context.Canceled", err)
	}
	if pool.Waiting() != 0 {
		t.Fatalf("waiting = %d, want 0", pool.Waiting())
	}

	// The slot still hands over cleanly to a later waiter.
	go func() { errCh <- pool.Acquire(ctx, "next") }()
	waitFor(t, func() bool { return pool.Waiting() == 1 })
	pool.Release("holder")
	if err := <-errCh; err != nil {
		t.Fatalf("next waiter err = %v", err)
	}
	if pool.InUse() != 1 {
		t.Fatalf("in use = %d, want 1", pool.InUse())
	}
}

// TestSlotPoolReleaseIsIdempotent verifies a slot is never double-released.
func TestSlotPoolReleaseIsIdempotent(t *testing.T) {
	pool := NewSlotPool(1)
	ctx := context.Background()

	if err := pool.Acquire(ctx, "a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release("a")
	pool.Release("a")
	pool.Release("never-held")

	if pool.InUse() != 0 {
		t.Fatalf("in use = %d, want 0", pool.InUse())
	}
	if err := pool.Acquire(ctx, "b"); err != nil {
		t.Fatalf("acquire after releases: %v", err)
	}
	if pool.InUse() != 1 {
		t.Fatalf("in use = %d, want exactly 1", pool.InUse())
	}
}

// TestAdmissionPerStagePools verifies stage isolation and unknown stages.
func TestAdmissionPerStagePools(t *testing.T) {
	adm := NewAdmission(1, 1, 1)
	ctx := context.Background()

	if err := adm.Acquire(ctx, domain.StageDownloading, "a"); err != nil {
		t.Fatalf("download slot: %v", err)
	}
	// A full download pool does not block encode admission.
	if err := adm.Acquire(ctx, domain.StageEncoding, "a"); err != nil {
		t.Fatalf("encode slot: %v", err)
	}

	if err := adm.Acquire(ctx, domain.StageQueued, "a"); err == nil {
		t.Fatal("expected error for stage without a pool")
	}

	adm.Release(domain.StageDownloading, "a")
	adm.Release(domain.StageEncoding, "a")
	if adm.Pool(domain.StageDownloading).InUse() != 0 {
		t.Fatal("download slot not released")
	}
}

// waitFor polls a condition with a deadline to avoid flaky sleeps.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
