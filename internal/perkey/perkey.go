// Package perkey serializes work per key while work for different keys runs
// concurrently. Writers use it to funnel commands for one aggregate through a
// single goroutine so they stop racing each other inside one process.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Scheduler runs tasks such that for any given key tasks execute one at a
// time in submission order. A key's worker exits once its queue is empty.
type Scheduler[K comparable] struct {
	mu      sync.Mutex
	workers map[K]*worker
	closed  bool
	running sync.WaitGroup
}

type worker struct {
	queue []*task
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{workers: make(map[K]*worker)}
}

// Do queues fn for key and waits for its result. If ctx ends before fn
// starts, fn is skipped; if it ends while fn runs, Do returns ctx.Err()
// without waiting.
func (s *Scheduler[K]) Do(ctx context.Context, key K, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	w, ok := s.workers[key]
	if !ok {
		w = &worker{}
		s.workers[key] = w
		s.running.Add(1)
		go s.drain(key, w)
	}
	w.queue = append(w.queue, t)
	s.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of keys with queued or running work.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting tasks and waits until queued tasks have finished.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.running.Wait()
}

func (s *Scheduler[K]) drain(key K, w *worker) {
	defer s.running.Done()
	for {
		s.mu.Lock()
		if len(w.queue) == 0 {
			delete(s.workers, key)
			s.mu.Unlock()
			return
		}
		t := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		s.mu.Unlock()

		if err := t.ctx.Err(); err != nil {
			t.done <- err
			continue
		}
		t.done <- t.fn(t.ctx)
	}
}
