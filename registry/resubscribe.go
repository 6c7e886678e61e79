package registry

import (
	"time"

	"github.com/darkhz/btlocal/metrics"
	"github.com/darkhz/btlocal/platform"
)

// The default resubscription policy.
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 100 * time.Millisecond
)

// RetryPolicy describes how often and how fast a radio handle is
// re-acquired after its adapter is plugged back in.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy returns the default resubscription policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultRetryDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}

	return p
}

// RetryOutcome is the terminal state of a resubscription machine.
type RetryOutcome byte

// The different resubscription outcomes.
const (
	RetrySucceeded RetryOutcome = iota
	RetryCanceled
	RetryGaveUp
)

// retryOutcomeNames holds the metric labels of the outcomes.
var retryOutcomeNames = map[RetryOutcome]string{
	RetrySucceeded: metrics.OutcomeSucceeded,
	RetryCanceled:  metrics.OutcomeCanceled,
	RetryGaveUp:    metrics.OutcomeGaveUp,
}

// String returns the name of the outcome.
func (o RetryOutcome) String() string {
	return retryOutcomeNames[o]
}

// resubscribe re-acquires the radio handle of rec, which was plugged back in
// while it still had clients. It runs until the handle is installed, the
// record is removed or replaced, the attempts are exhausted or the registry
// is closed.
func (r *Registry) resubscribe(rec *record) {
	defer r.wg.Done()

	outcome := r.runResubscribe(rec)

	r.mu.Lock()
	rec.retrying = false
	r.mu.Unlock()

	r.metrics.ResubscribeFinished(outcome.String())
	r.logger.Debug("Resubscription finished", "adapter", rec.adapterID, "outcome", outcome.String())
}

func (r *Registry) runResubscribe(rec *record) RetryOutcome {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			return RetryCanceled
		}

		if !r.needsHandle(rec) {
			return RetryCanceled
		}

		r.metrics.ResubscribeAttempted(rec.adapterID)

		handle, err := r.resolve(r.ctx, rec.adapterID)
		if err == nil {
			if r.install(rec, handle) {
				return RetrySucceeded
			}

			return RetryCanceled
		}

		if attempt+1 >= r.retry.MaxAttempts {
			r.logger.Warn("Failed to resubscribe to adapter state changes",
				"adapter", rec.adapterID, "attempts", attempt+1, "error", err,
			)

			return RetryGaveUp
		}

		r.logger.Debug("Trying to resubscribe to adapter state changes", "adapter", rec.adapterID, "attempt", attempt+1)
		timer.Reset(r.retry.Delay)
	}
}

// needsHandle reports whether rec is still the adapter's record and
// still lacks a radio handle.
func (r *Registry) needsHandle(rec *record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[rec.adapterID]

	return ok && current == rec && rec.radio == nil && !r.shutdown
}

// install hands a resolved radio handle to the consumer loop, and waits
// until it is applied. It reports whether the handle was installed.
func (r *Registry) install(rec *record, handle platform.Radio) bool {
	installed := make(chan bool, 1)
	r.enqueue(hwEvent{
		kind:      hwHandleResolved,
		adapterID: rec.adapterID,
		radio:     handle,
		rec:       rec,
		installed: installed,
	})

	select {
	case ok := <-installed:
		return ok

	case <-r.ctx.Done():
		return false
	}
}

// installHandle sets the radio handle of rec and notifies its clients of
// the freshly observed state. The handle is discarded if rec was removed
// or got a handle in the meantime. It runs on the consumer loop, so state
// callbacks of the new handle are applied after its first notification.
func (r *Registry) installHandle(rec *record, handle platform.Radio) bool {
	r.mu.Lock()

	current, ok := r.records[rec.adapterID]
	if !ok || current != rec || rec.radio != nil || r.shutdown {
		r.mu.Unlock()
		return false
	}

	rec.radio = handle
	rec.state = powerState(handle.State())
	rec.token = r.subscribeHandle(handle)

	adapterID, state := rec.adapterID, rec.state
	r.mu.Unlock()

	r.logger.Info("Resubscribed to adapter state changes", "adapter", adapterID, "state", state)
	r.notifyState(adapterID, state)

	return true
}
