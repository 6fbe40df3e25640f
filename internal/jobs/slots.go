package jobs

import (
	"context"
	"fmt"
	"sync"

	"media-pipeline/internal/domain"
)

// SlotPool gates how many jobs may run one stage concurrently. Waiters are
// granted strictly in request order.
type SlotPool struct {
	mu       sync.Mutex
	capacity int
	occupied map[string]struct{}
	waiters  []*slotWaiter
}

type slotWaiter struct {
	jobID string
	ready chan struct{}
}

// NewSlotPool creates a pool with fixed capacity.
func NewSlotPool(capacity int) *SlotPool {
	if capacity <= 0 {
		capacity = 1
	}
	return &SlotPool{
		capacity: capacity,
		occupied: make(map[string]struct{}),
	}
}

// Acquire blocks until the job holds a slot or ctx is done. A cancelled
// waiter is removed from the queue without ever occupying a slot.
func (p *SlotPool) Acquire(ctx context.Context, jobID string) error {
	p.mu.Lock()
	if _, held := p.occupied[jobID]; held {
		p.mu.Unlock()
		return fmt.Errorf("job %s already holds a slot", jobID)
	}
	if len(p.waiters) == 0 && len(p.occupied) < p.capacity {
		p.occupied[jobID] = struct{}{}
		p.mu.Unlock()
		return nil
	}

	w := &slotWaiter{jobID: jobID, ready: make(chan struct{})}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, queued := range p.waiters {
			if queued == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return ctx.Err()
			}
		}
		// Granted concurrently with cancellation: hand the slot on.
		p.releaseLocked(jobID)
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees the job's slot and grants the next waiter in FIFO order.
// Releasing a slot the job does not hold is a no-op, so a slot is never
// double-released.
func (p *SlotPool) Release(jobID string) {
	p.mu.Lock()
	p.releaseLocked(jobID)
	p.mu.Unlock()
}

func (p *SlotPool) releaseLocked(jobID string) {
	if _, held := p.occupied[jobID]; !held {
		return
	}
	delete(p.occupied, jobID)

	if len(p.waiters) > 0 && len(p.occupied) < p.capacity {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.occupied[next.jobID] = struct{}{}
		close(next.ready)
	}
}

// InUse returns the number of occupied slots.
func (p *SlotPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.occupied)
}

// Waiting returns the number of queued slot requests.
func (p *SlotPool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Admission owns one slot pool per active stage.
type Admission struct {
	pools map[domain.Stage]*SlotPool
}

// NewAdmission creates the per-stage pools with fixed capacities.
func NewAdmission(downloadSlots, encodeSlots, uploadSlots int) *Admission {
	return &Admission{
		pools: map[domain.Stage]*SlotPool{
			domain.StageDownloading: NewSlotPool(downloadSlots),
			domain.StageEncoding:    NewSlotPool(encodeSlots),
			domain.StageUploading:   NewSlotPool(uploadSlots),
		},
	}
}

// Acquire blocks until the stage's pool grants the job a slot.
func (a *Admission) Acquire(ctx context.Context, stage domain.Stage, jobID string) error {
	pool, ok := a.pools[stage]
	if !ok {
		return fmt.Errorf("no slot pool for stage %s", stage)
	}
	return pool.Acquire(ctx, jobID)
}

// Release frees the job's slot in the stage's pool.
func (a *Admission) Release(stage domain.Stage, jobID string) {
	if pool, ok := a.pools[stage]; ok {
		pool.Release(jobID)
	}
}

// Pool exposes one stage's pool for inspection.
func (a *Admission) Pool(stage domain.Stage) *SlotPool {
	return a.pools[stage]
}
