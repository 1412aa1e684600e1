package workerpool

import (
	"context"
	"sync"
)

// task is a unit of blocking work submitted to the pool.
type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Pool is a bounded set of goroutines draining a shared task queue,
// generalizing the one-goroutine-per-node idiom into one-goroutine-per-
// slot: capacity is fixed at construction and does not grow with the
// number of containers or execs in flight.
type Pool struct {
	tasks  chan task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New starts a Pool with the given number of worker goroutines and a
// queue depth of queueSize pending tasks.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}

	p := &Pool{
		tasks:  make(chan task, queueSize),
		stopCh: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			t.done <- t.fn(context.Background())
		case <-p.stopCh:
			return
		}
	}
}

// Submit runs fn on a pool worker and blocks until it returns or ctx is
// cancelled first.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	t := task{fn: fn, done: make(chan error, 1)}

	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrStopped
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals every worker to exit and waits for them to drain their
// current task. Queued-but-not-yet-started tasks are abandoned.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}
