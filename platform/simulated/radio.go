package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/darkhz/btlocal/async"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/platform"
)

// Adapter is a simulated local adapter.
type Adapter struct {
	id      string
	name    string
	address bluetooth.MacAddress

	mu      sync.Mutex
	plugged bool
	state   platform.RadioState
	radios  []*Radio

	resolveFailures int
	resolveLatency  time.Duration
	resolutions     int

	setStateStatus  platform.AccessStatus
	setStateLatency time.Duration
	applyState      bool

	duplicates bool
}

// Radio is a radio handle resolved for a simulated adapter. Every
// resolution returns a distinct handle.
type Radio struct {
	adapter  *Adapter
	handlers *xsync.MapOf[platform.Token, func(platform.Radio)]
	live     *atomic.Bool
}

func newAdapter(id, name string, state platform.RadioState) *Adapter {
	address, _ := bluetooth.ParseMAC(id)
	if name == "" {
		name = "sim-" + id
	}

	return &Adapter{
		id:      id,
		name:    name,
		address: address,

		plugged: true,
		state:   state,

		setStateStatus: platform.AccessAllowed,
		applyState:     true,
	}
}

// ID returns the id of the adapter.
func (a *Adapter) ID() string {
	return a.id
}

// Plugged reports whether the adapter is present.
func (a *Adapter) Plugged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.plugged
}

// RadioState returns the native state of the adapter's radio.
func (a *Adapter) RadioState() platform.RadioState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// SetRadioState changes the radio state as if the change happened outside
// the application, and invokes the state change callbacks of every live
// handle.
func (a *Adapter) SetRadioState(state platform.RadioState) {
	a.mu.Lock()
	a.state = state
	radios, duplicates := append([]*Radio(nil), a.radios...), a.duplicates
	a.mu.Unlock()

	for _, r := range radios {
		r.notify()
		if duplicates {
			r.notify()
		}
	}
}

// FailResolutions makes the next n resolutions of the adapter fail.
func (a *Adapter) FailResolutions(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.resolveFailures = n
}

// SetResolveLatency delays every resolution of the adapter by d.
func (a *Adapter) SetResolveLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.resolveLatency = d
}

// Resolutions returns the number of resolutions attempted for the adapter.
func (a *Adapter) Resolutions() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.resolutions
}

// SetStateResult sets the status returned by SetState on the adapter's
// radios. If apply is false, an allowed SetState does not change the
// radio's state.
func (a *Adapter) SetStateResult(status platform.AccessStatus, apply bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setStateStatus, a.applyState = status, apply
}

// SetStateLatency delays every SetState on the adapter's radios by d.
func (a *Adapter) SetStateLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setStateLatency = d
}

// EmitDuplicates makes every state change invoke each callback twice.
func (a *Adapter) EmitDuplicates(enable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.duplicates = enable
}

// Subscriptions returns the number of state change callbacks registered
// on the adapter's live handles.
func (a *Adapter) Subscriptions() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var count int
	for _, r := range a.radios {
		count += r.handlers.Size()
	}

	return count
}

func (a *Adapter) info() platform.AdapterInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	return platform.AdapterInfo{
		ID:      a.id,
		Name:    a.name,
		Address: a.address,
		Powered: a.state == platform.RadioOn,
	}
}

func (a *Adapter) resolve(ctx context.Context) (platform.Radio, error) {
	a.mu.Lock()
	a.resolutions++
	latency := a.resolveLatency
	a.mu.Unlock()

	if err := sleep(ctx, latency); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.plugged {
		return nil, fmt.Errorf("resolve %q: adapter is unplugged: %w", a.id, errorkinds.ErrResolution)
	}

	if a.resolveFailures > 0 {
		a.resolveFailures--
		return nil, fmt.Errorf("resolve %q: %w", a.id, errorkinds.ErrResolution)
	}

	r := &Radio{
		adapter:  a,
		handlers: xsync.NewMapOf[platform.Token, func(platform.Radio)](),
		live:     atomic.NewBool(true),
	}
	a.radios = append(a.radios, r)

	return r, nil
}

func (a *Adapter) plug() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.plugged {
		return false
	}

	a.plugged = true

	return true
}

func (a *Adapter) unplug() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.plugged {
		return false
	}

	a.plugged = false
	a.releaseLocked()

	return true
}

func (a *Adapter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.releaseLocked()
}

func (a *Adapter) releaseLocked() {
	for _, r := range a.radios {
		r.live.Store(false)
		r.handlers.Clear()
	}

	a.radios = nil
}

// State returns the native state of the radio.
// A handle of an unplugged adapter reports RadioUnknown.
func (r *Radio) State() platform.RadioState {
	if !r.live.Load() {
		return platform.RadioUnknown
	}

	return r.adapter.RadioState()
}

// SetState requests a change of the radio's state.
func (r *Radio) SetState(state platform.RadioState) async.Operation[platform.AccessStatus] {
	return async.Go(func(ctx context.Context) (platform.AccessStatus, error) {
		a := r.adapter

		a.mu.Lock()
		status, apply, latency := a.setStateStatus, a.applyState, a.setStateLatency
		a.mu.Unlock()

		if err := sleep(ctx, latency); err != nil {
			return platform.AccessUnspecified, err
		}

		if !r.live.Load() {
			return platform.AccessUnspecified, fmt.Errorf("set state of %q: %w", a.id, errorkinds.ErrAdapterUnavailable)
		}

		if status != platform.AccessAllowed {
			return status, nil
		}

		if apply && a.RadioState() != state {
			a.SetRadioState(state)
		}

		return platform.AccessAllowed, nil
	})
}

// OnStateChanged registers a state change callback.
func (r *Radio) OnStateChanged(fn func(platform.Radio)) platform.Token {
	token := newToken()
	if r.live.Load() {
		r.handlers.Store(token, fn)
	}

	return token
}

// Unsubscribe removes a state change callback.
func (r *Radio) Unsubscribe(token platform.Token) {
	r.handlers.Delete(token)
}

func (r *Radio) notify() {
	r.handlers.Range(func(_ platform.Token, fn func(platform.Radio)) bool {
		fn(r)
		return true
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
