package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// Worker drains one subscription's delivery channel on its own goroutine.
//
// The worker exits when Stop is called or src is closed. Producers that
// push into src should also select on Done so they never block on a
// stopped worker.
type Worker[T any] struct {
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	busy   atomic.Bool
}

// StartWorker starts a goroutine that calls fn for every value from src.
func StartWorker[T any](src <-chan T, fn func(T)) *Worker[T] {
	w := &Worker[T]{
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go func() {
		defer close(w.exited)
		for {
			select {
			case <-w.done:
				return
			case v, ok := <-src:
				if !ok {
					return
				}
				select {
				case <-w.done:
					return
				default:
				}
				w.busy.Store(true)
				fn(v)
				w.busy.Store(false)
			}
		}
	}()
	return w
}

// Done is closed once Stop has been called.
func (w *Worker[T]) Done() <-chan struct{} { return w.done }

// Exited is closed once the goroutine has returned.
func (w *Worker[T]) Exited() <-chan struct{} { return w.exited }

// Push sends v on ch unless the worker has been stopped.
func (w *Worker[T]) Push(ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-w.done:
		return false
	}
}

// Stop signals the goroutine and waits for it to exit or for ctx to end.
// If fn is mid-call, Stop returns without waiting: the call may be the one
// stopping the worker, and the goroutine exits once it returns. No further
// calls start after Stop.
func (w *Worker[T]) Stop(ctx context.Context) error {
	w.once.Do(func() { close(w.done) })
	if w.busy.Load() {
		return nil
	}
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
