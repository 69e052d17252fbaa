package offlinecache

import (
	"context"
	"net/http"
	"sync"
)

// Scheduler runs work that must not delay the response to the client,
// such as store writes and revalidation fetches.
type Scheduler interface {
	Go(func())
}

// GoScheduler runs every job in its own goroutine.
type GoScheduler struct{}

func (GoScheduler) Go(f func()) {
	go f()
}

// InlineScheduler runs every job synchronously, before Go returns.
type InlineScheduler struct{}

func (InlineScheduler) Go(f func()) {
	f()
}

// TrackingScheduler runs jobs in goroutines and lets callers wait for all of them.
type TrackingScheduler struct {
	wg sync.WaitGroup
}

func (s *TrackingScheduler) Go(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

// Wait blocks until every job started so far has returned.
func (s *TrackingScheduler) Wait() {
	s.wg.Wait()
}

// Task is a handle to a detached revalidation.
// The network response becomes available before the store update completes.
type Task struct {
	fetched chan struct{}
	done    chan struct{}
	res     *http.Response
	err     error
	// set before fetched is closed
	storing bool
}

func newTask() *Task {
	return &Task{
		fetched: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// resolve must be called exactly once.
func (t *Task) resolve(res *http.Response, err error) {
	t.res, t.err = res, err
	close(t.fetched)
}

func (t *Task) finish() {
	close(t.done)
}

// Response waits for the network result of the task.
func (t *Task) Response(ctx context.Context) (*http.Response, error) {
	select {
	case <-t.fetched:
		return t.res, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait waits until the task has finished, including any store update.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
