package git

import (
	"context"
	"fmt"
	"sync"
)

type job struct {
	ctx    context.Context
	fn     func() error
	result chan error
}

// executor runs every object store mutation on a single goroutine.
type executor struct {
	jobs chan job
	mu   *sync.RWMutex

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

func newExecutor(queue int, mu *sync.RWMutex) *executor {
	e := &executor{
		jobs: make(chan job, queue),
		mu:   mu,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			j.result <- e.run(j)
		}
	}
}

func (e *executor) run(j job) error {
	if err := j.ctx.Err(); err != nil {
		return fmt.Errorf("waiting for repository executor: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return j.fn()
}

// submit queues fn and waits for it to complete. A context that expires
// before fn starts prevents it from running; once started, fn always completes.
func (e *executor) submit(ctx context.Context, fn func() error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-e.quit:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("waiting for repository executor: %w", ctx.Err())
	case e.jobs <- j:
	}

	select {
	case err := <-j.result:
		return err
	case <-e.done:
		return ErrClosed
	}
}

func (e *executor) stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
	})
	<-e.done
}
