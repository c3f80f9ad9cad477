package server

import (
	"context"
	"fmt"
)

// workRequest represents a unit of work to be executed on the worker goroutine.
type workRequest struct {
	fn   func() (interface{}, error)
	done chan workResult
}

// workResult holds the return value from a unit of work.
type workResult struct {
	value interface{}
	err   error
}

// Worker serializes all VM runs through a single goroutine. Each run
// owns its scheduler, but running them one at a time bounds the CPU a
// server spends on guest programs.
type Worker struct {
	requests chan workRequest
	quit     chan struct{}
	stopped  chan struct{}
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker() *Worker {
	w := &Worker{
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function, recovering from panics.
func (w *Worker) execute(fn func() (interface{}, error)) workResult {
	var result workResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("worker: panic: %v", r)
			}
		}()
		result.value, result.err = fn()
	}()
	return result
}

// Do submits a function for execution on the worker goroutine and blocks
// until it completes or ctx is done. A function already running is not
// interrupted by ctx; it should watch ctx itself.
func (w *Worker) Do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	req := workRequest{
		fn:   fn,
		done: make(chan workResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine and waits for it to exit.
// Requests still queued are abandoned.
func (w *Worker) Stop() {
	close(w.quit)
	<-w.stopped
}
