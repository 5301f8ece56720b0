package executioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrNeverFits is returned for a request larger than the whole budget.
var ErrNeverFits = errors.New("resource request exceeds the budget")

// Budget caps cpus and memory in use at once. A zero or negative memory cap
// means memory is not tracked.
type Budget struct {
	maxCpus int64
	maxMem  int64
	cpus    *semaphore.Weighted
	mem     *semaphore.Weighted

	cpusInUse atomic.Int64
	memInUse  atomic.Int64
}

// NewBudget returns a budget with the given caps.
func NewBudget(cpus int, mem int64) *Budget {
	if cpus <= 0 {
		cpus = 1
	}
	b := &Budget{maxCpus: int64(cpus), maxMem: mem, cpus: semaphore.NewWeighted(int64(cpus))}
	if mem > 0 {
		b.mem = semaphore.NewWeighted(mem)
	}
	return b
}

func (b *Budget) request(cpus int, mem int64) (int64, int64, error) {
	c := int64(cpus)
	if c <= 0 {
		c = 1
	}
	if c > b.maxCpus {
		return 0, 0, fmt.Errorf("%w: %d cpus requested, %d available", ErrNeverFits, c, b.maxCpus)
	}
	if b.mem == nil || mem < 0 {
		mem = 0
	}
	if mem > b.maxMem && b.mem != nil {
		return 0, 0, fmt.Errorf("%w: %d bytes requested, %d available", ErrNeverFits, mem, b.maxMem)
	}
	return c, mem, nil
}

// Acquire blocks until the request fits or ctx is done.
func (b *Budget) Acquire(ctx context.Context, cpus int, mem int64) (func(), error) {
	c, m, err := b.request(cpus, mem)
	if err != nil {
		return nil, err
	}
	if err := b.cpus.Acquire(ctx, c); err != nil {
		return nil, err
	}
	if m > 0 {
		if err := b.mem.Acquire(ctx, m); err != nil {
			b.cpus.Release(c)
			return nil, err
		}
	}
	return b.reserve(c, m), nil
}

// TryAcquire is Acquire without blocking. ok is false when the request does
// not fit right now.
func (b *Budget) TryAcquire(cpus int, mem int64) (release func(), ok bool, err error) {
	c, m, err := b.request(cpus, mem)
	if err != nil {
		return nil, false, err
	}
	if !b.cpus.TryAcquire(c) {
		return nil, false, nil
	}
	if m > 0 && !b.mem.TryAcquire(m) {
		b.cpus.Release(c)
		return nil, false, nil
	}
	return b.reserve(c, m), true, nil
}

func (b *Budget) reserve(c, m int64) func() {
	b.cpusInUse.Add(c)
	b.memInUse.Add(m)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.cpusInUse.Add(-c)
			b.memInUse.Add(-m)
			if m > 0 {
				b.mem.Release(m)
			}
			b.cpus.Release(c)
		})
	}
}

// InUse returns the cpus and memory currently reserved.
func (b *Budget) InUse() (cpus, mem int64) {
	return b.cpusInUse.Load(), b.memInUse.Load()
}

// Cpus is the cpu cap.
func (b *Budget) Cpus() int64 { return b.maxCpus }
