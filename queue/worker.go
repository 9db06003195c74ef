package queue

import (
	"context"
	"sync"
)

// WorkerPool runs detached tasks with bounded concurrency. Submit never
// blocks the caller: tasks wait for a slot on their own goroutine.
type WorkerPool struct {
	workers chan struct{}
	wg      sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		workers: make(chan struct{}, size),
	}
}

func (p *WorkerPool) Submit(task func()) {
	p.wg.Add(1)

	go func() {
		p.workers <- struct{}{}
		defer func() {
			<-p.workers
			p.wg.Done()
		}()
		task()
	}()
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// WaitContext waits for submitted tasks or until ctx is done.
func (p *WorkerPool) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
