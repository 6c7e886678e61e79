// Package device provides the facade applications use to control one
// local adapter and pair remote devices through it.
package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/metrics"
	"github.com/darkhz/btlocal/pairing"
	"github.com/darkhz/btlocal/platform"
	"github.com/darkhz/btlocal/radio"
	"github.com/darkhz/btlocal/registry"
)

// Registry is the part of the adapter registry used by a facade.
type Registry interface {
	Register(ctx context.Context, adapterID string) (radio.PowerState, bool)
	RemoveClient(adapterID string)
	RequestModeChange(ctx context.Context, adapterID string, mode radio.HostMode) error
	Subscribe(adapterID string) *registry.Subscription
	Unsubscribe(sub *registry.Subscription)
	Snapshot(adapterID string) (registry.Snapshot, bool)
}

// Handler receives the notifications of a facade. Calls are serialized.
type Handler func(radio.Event)

// Option configures a facade.
type Option func(o *options)

type options struct {
	handler  Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeouts pairing.Timeouts
}

// WithHandler sets the notification handler.
func WithHandler(handler Handler) Option {
	return func(o *options) {
		o.handler = handler
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder of the facade's pairing coordinator.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPairingTimeouts sets the timeouts of pairing requests.
func WithPairingTimeouts(t pairing.Timeouts) Option {
	return func(o *options) {
		o.timeouts = t
	}
}

// LocalDevice is a facade over one local adapter.
type LocalDevice struct {
	id        uuid.UUID
	adapterID string

	reg     Registry
	pairing *pairing.Coordinator
	logger  *slog.Logger

	handler   Handler
	handlerMu sync.Mutex

	mode       *atomic.Uint32
	valid      *atomic.Bool
	registered *atomic.Bool
	closed     *atomic.Bool

	sub       *registry.Subscription
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a facade for the adapter and registers it as a client of
// the registry. If the adapter cannot be resolved, the facade is invalid
// until the adapter appears again.
func New(ctx context.Context, reg Registry, api platform.PairingAPI, adapterID string, opts ...Option) *LocalDevice {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.handler == nil {
		o.handler = func(radio.Event) {}
	}

	d := &LocalDevice{
		id:        uuid.New(),
		adapterID: adapterID,

		reg:     reg,
		handler: o.handler,

		mode:       atomic.NewUint32(uint32(radio.PoweredOff)),
		valid:      atomic.NewBool(false),
		registered: atomic.NewBool(false),
		closed:     atomic.NewBool(false),

		done: make(chan struct{}),
	}
	d.logger = o.logger.With("component", "device", "adapter", adapterID, "device", d.id.String())
	d.pairing = pairing.New(api, d.emitPairing, pairing.Options{
		Logger:   o.logger,
		Metrics:  o.metrics,
		Timeouts: o.timeouts,
	})

	// Subscribe first so that no notification is lost between
	// registering and the start of the drain loop.
	d.sub = reg.Subscribe(adapterID)
	d.register(ctx)

	go d.drain()

	return d
}

// ID returns the identifier of the facade.
func (d *LocalDevice) ID() uuid.UUID {
	return d.id
}

// AdapterID returns the identifier of the adapter.
func (d *LocalDevice) AdapterID() string {
	return d.adapterID
}

// IsValid reports whether the adapter is usable.
func (d *LocalDevice) IsValid() bool {
	return d.valid.Load() && !d.closed.Load()
}

// HostMode returns the last known power state of the adapter.
func (d *LocalDevice) HostMode() radio.PowerState {
	return radio.PowerState(d.mode.Load())
}

// SetHostMode asks for the adapter to be put in the provided mode. The new
// mode is reported through the handler once the adapter confirms it.
func (d *LocalDevice) SetHostMode(ctx context.Context, mode radio.HostMode) error {
	if !d.IsValid() {
		err := errorkinds.Wrap(errorkinds.ErrAdapterUnavailable, "device:mode", ftag.NotFound,
			"The adapter is not available", "adapter", d.adapterID,
		)
		d.logger.Warn("Cannot set the mode of an unavailable adapter", "mode", mode.String())
		d.emit(radio.Error(d.adapterID, err))

		return err
	}

	if mode.Adjust() == d.HostMode() {
		return nil
	}

	if err := d.reg.RequestModeChange(ctx, d.adapterID, mode); err != nil {
		d.emit(radio.Error(d.adapterID, err))
		return err
	}

	return nil
}

// PowerOn asks for the adapter to be powered on.
func (d *LocalDevice) PowerOn(ctx context.Context) error {
	return d.SetHostMode(ctx, radio.HostConnectable)
}

// RequestPairing pairs or unpairs the remote device. The outcome is
// also reported through the handler.
func (d *LocalDevice) RequestPairing(ctx context.Context, address bluetooth.MacAddress, mode radio.PairingMode) error {
	if !d.IsValid() {
		err := errorkinds.Wrap(errorkinds.ErrAdapterUnavailable, "device:pair", ftag.NotFound,
			"Cannot pair through an unavailable adapter", "adapter", d.adapterID, "address", address.String(),
		)
		d.emitPairing(radio.PairingError(address, err))

		return err
	}

	return d.pairing.PairOrUnpair(ctx, address, mode)
}

// CancelPairing cancels the running pairing request, if any.
func (d *LocalDevice) CancelPairing() bool {
	return d.pairing.Cancel()
}

// PairingStatus returns the pairing mode of the remote device.
func (d *LocalDevice) PairingStatus(ctx context.Context, address bluetooth.MacAddress) radio.PairingMode {
	if !d.IsValid() {
		return radio.Unpaired
	}

	return d.pairing.Status(ctx, address)
}

// Close deregisters the facade. No notification is delivered after
// Close returns. It must not be called from the handler.
func (d *LocalDevice) Close() {
	d.closeOnce.Do(func() {
		d.handlerMu.Lock()
		d.closed.Store(true)
		d.handlerMu.Unlock()

		d.pairing.Cancel()

		d.reg.Unsubscribe(d.sub)
		<-d.done

		if d.registered.Load() {
			d.reg.RemoveClient(d.adapterID)
		}
	})
}

// register adds the facade as a client of its adapter.
func (d *LocalDevice) register(ctx context.Context) bool {
	state, ok := d.reg.Register(ctx, d.adapterID)
	if !ok {
		d.logger.Warn("Failed to create the local device for the adapter")
		return false
	}

	// A record whose adapter is still being re-acquired has no radio yet.
	snap, _ := d.reg.Snapshot(d.adapterID)

	d.registered.Store(true)
	d.valid.Store(snap.Live)
	d.mode.Store(uint32(state))

	return true
}

func (d *LocalDevice) drain() {
	defer close(d.done)

	for ev := range d.sub.C {
		if d.closed.Load() {
			continue
		}

		d.dispatch(ev)
	}
}

func (d *LocalDevice) dispatch(ev radio.Event) {
	switch ev.Kind {
	case radio.EventPowerStateChanged:
		// States are only published for live radios.
		d.valid.Store(d.registered.Load())

		if radio.PowerState(d.mode.Swap(uint32(ev.State))) == ev.State {
			return
		}

	case radio.EventAdapterAppeared:
		// A registered facade becomes valid once the registry has
		// re-acquired the radio and published its state.
		if !d.registered.Load() {
			d.register(context.Background())
		}

	case radio.EventAdapterDisappeared:
		d.valid.Store(false)
		d.emit(ev)

		if radio.PowerState(d.mode.Swap(uint32(radio.PoweredOff))) != radio.PoweredOff {
			d.emit(radio.PowerStateChanged(d.adapterID, radio.PoweredOff))
		}

		return
	}

	d.emit(ev)
}

func (d *LocalDevice) emitPairing(ev radio.Event) {
	ev.AdapterID = d.adapterID
	d.emit(ev)
}

func (d *LocalDevice) emit(ev radio.Event) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()

	if d.closed.Load() {
		return
	}

	d.handler(ev)
}
