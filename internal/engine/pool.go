package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs at most size functions at once and reports its spare capacity so
// the engine never claims more jobs than it can start.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	active atomic.Int64
	wg     sync.WaitGroup
}

func NewPool(size int) *Pool {
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int { return int(p.size) }

func (p *Pool) Active() int { return int(p.active.Load()) }

func (p *Pool) Available() int { return int(p.size - p.active.Load()) }

// Go starts fn once a slot is free. It only fails if ctx ends first.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.active.Add(1)
	p.wg.Add(1)
	go func() {
		defer func() {
			p.active.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Wait blocks until every started function has returned.
func (p *Pool) Wait() { p.wg.Wait() }
