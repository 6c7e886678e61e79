// Package async bridges pending platform operations to synchronous-style
// calls with an optional timeout.
//
// A waiting goroutine only blocks itself: the bridge never takes a lock
// while it waits, so any number of waits, and the platform callbacks that
// complete them, can run at the same time.
package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/darkhz/btlocal/errorkinds"
)

// Status describes the state of a pending operation.
type Status byte

// The different operation states.
const (
	StatusStarted Status = iota
	StatusCompleted
	StatusCanceled
	StatusError
)

// statusNames holds names of the operation states.
var statusNames = map[Status]string{
	StatusStarted:   "started",
	StatusCompleted: "completed",
	StatusCanceled:  "canceled",
	StatusError:     "error",
}

// String returns the name of the status.
func (s Status) String() string {
	return statusNames[s]
}

var errNotFinished = errors.New("operation has not finished")

// Operation describes a pending asynchronous platform operation.
type Operation[T any] interface {
	// Done is closed once the operation reaches a terminal state.
	Done() <-chan struct{}

	// Status returns the current state of the operation.
	Status() Status

	// Result returns the value of a completed operation, or the
	// error the operation terminated with.
	Result() (T, error)

	// Cancel cancels the operation if it has not finished yet.
	Cancel()
}

// Pending is a future which is resolved exactly once.
type Pending[T any] struct {
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	status Status
	value  T
	err    error

	cancel context.CancelFunc
}

// New returns a new, unresolved operation.
func New[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

// Go runs fn in a new goroutine and returns an operation that resolves
// with its result. The context passed to fn is cancelled when the
// operation is cancelled or finishes.
func Go[T any](fn func(ctx context.Context) (T, error)) *Pending[T] {
	ctx, cancel := context.WithCancel(context.Background())

	p := New[T]()
	p.cancel = cancel

	go func() {
		v, err := fn(ctx)
		if err != nil {
			p.Fail(err)
			return
		}

		p.Complete(v)
	}()

	return p
}

// Completed returns an operation that has already completed with v.
func Completed[T any](v T) *Pending[T] {
	p := New[T]()
	p.Complete(v)

	return p
}

// Failed returns an operation that has already failed with err.
func Failed[T any](err error) *Pending[T] {
	p := New[T]()
	p.Fail(err)

	return p
}

// Complete resolves the operation with v. It reports whether this call
// resolved the operation.
func (p *Pending[T]) Complete(v T) bool {
	return p.finish(StatusCompleted, v, nil)
}

// Fail resolves the operation with err.
func (p *Pending[T]) Fail(err error) bool {
	var zero T

	if err == nil {
		err = errorkinds.ErrOperationCanceled
	}

	return p.finish(StatusError, zero, err)
}

// Cancel cancels the operation.
func (p *Pending[T]) Cancel() {
	var zero T

	p.finish(StatusCanceled, zero, errorkinds.ErrOperationCanceled)
}

// Done is closed once the operation reaches a terminal state.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Status returns the current state of the operation.
func (p *Pending[T]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

// Result returns the value or error of the operation.
func (p *Pending[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.status {
	case StatusStarted:
		var zero T
		return zero, errNotFinished

	case StatusCompleted:
		return p.value, nil
	}

	return p.value, p.err
}

// finish moves the operation to a terminal state once.
func (p *Pending[T]) finish(status Status, v T, err error) bool {
	var finished bool

	p.once.Do(func() {
		p.mu.Lock()
		p.status, p.value, p.err = status, v, err
		p.mu.Unlock()

		close(p.done)
		finished = true
	})

	if finished && p.cancel != nil {
		p.cancel()
	}

	return finished
}

// Wait blocks until op reaches a terminal state, the timeout elapses or ctx
// is done. A zero timeout waits without bound. On timeout the operation is
// cancelled and errorkinds.ErrOperationTimeout is returned. Any terminal
// state other than StatusCompleted returns the operation's error.
func Wait[T any](ctx context.Context, op Operation[T], timeout time.Duration) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	select {
	case <-op.Done():

	case <-expired:
		op.Cancel()
		return zero, errorkinds.ErrOperationTimeout

	case <-ctx.Done():
		op.Cancel()
		return zero, errors.Join(errorkinds.ErrOperationCanceled, ctx.Err())
	}

	if op.Status() == StatusCompleted {
		return op.Result()
	}

	_, err := op.Result()
	if err == nil {
		err = errorkinds.ErrOperationCanceled
	}

	return zero, err
}

// Await is Wait reduced to a success flag. The returned value must only
// be used when the flag is true.
func Await[T any](ctx context.Context, op Operation[T], timeout time.Duration) (T, bool) {
	v, err := Wait(ctx, op, timeout)

	return v, err == nil
}
