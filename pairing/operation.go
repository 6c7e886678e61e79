package pairing

import (
	"context"
	"sync"
)

// operation guards the single pairing request that may be in flight.
type operation struct {
	cancel context.CancelFunc
	lock   sync.Mutex
}

// start marks an operation as running and returns its context.
// It reports false if another operation is still in progress.
func (o *operation) start(ctx context.Context) (context.Context, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.cancel != nil {
		return nil, false
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	return ctx, true
}

// finish releases the running operation.
func (o *operation) finish() {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.cancel == nil {
		return
	}

	o.cancel()
	o.cancel = nil
}

// cancelOperation cancels the running operation. It reports whether
// an operation was running.
func (o *operation) cancelOperation() bool {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.cancel == nil {
		return false
	}

	o.cancel()

	return true
}

// running reports whether an operation is in progress.
func (o *operation) running() bool {
	o.lock.Lock()
	defer o.lock.Unlock()

	return o.cancel != nil
}
