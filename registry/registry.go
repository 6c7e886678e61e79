// Package registry tracks the local adapters that clients are interested in.
//
// Each adapter with at least one interested client has a record holding its
// live radio handle, the number of clients and the last observed power
// state. Hardware callbacks are queued onto a channel and applied by a
// single consumer (Run), and the resulting notifications are published to
// the adapter's topic on a notification bus.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault/ftag"
	"github.com/cskr/pubsub/v2"
	"golang.org/x/sync/singleflight"

	"github.com/darkhz/btlocal/async"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/metrics"
	"github.com/darkhz/btlocal/platform"
	"github.com/darkhz/btlocal/radio"
)

const (
	// DefaultTimeout bounds each bridged platform call made by the registry.
	DefaultTimeout = 10 * time.Second

	eventQueueSize  = 64
	subscriberQueue = 16
)

// Options describes the options of the registry.
type Options struct {
	// Logger receives the registry's logs. If nil, logs are discarded.
	Logger *slog.Logger

	// Metrics records the registry's metrics. It may be nil.
	Metrics *metrics.Metrics

	// Retry is the policy of the resubscription machine.
	// Zero values are replaced with DefaultRetryPolicy's values.
	Retry RetryPolicy

	// Timeout bounds radio resolution, access requests and state changes.
	// If zero, DefaultTimeout is used.
	Timeout time.Duration
}

// Registry is the adapter registry.
type Registry struct {
	radios  platform.RadioAPI
	watcher platform.DeviceWatcher

	logger  *slog.Logger
	metrics *metrics.Metrics
	retry   RetryPolicy
	timeout time.Duration

	mu       sync.Mutex
	records  map[string]*record
	shutdown bool

	handles singleflight.Group
	events  chan hwEvent

	busMu     sync.RWMutex
	bus       *pubsub.PubSub[string, radio.Event]
	busClosed bool

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// record holds the state of an adapter that has interested clients.
type record struct {
	adapterID string

	radio   platform.Radio
	token   platform.Token
	clients int
	state   radio.PowerState

	retrying bool
}

// Snapshot is a copy of an adapter record.
type Snapshot struct {
	AdapterID string
	Clients   int
	State     radio.PowerState
	Live      bool
	Retrying  bool
}

// Subscription is a subscription to the notifications of one adapter.
// The subscriber must keep receiving from C until it is closed, even
// after calling Unsubscribe.
type Subscription struct {
	C <-chan radio.Event

	ch        chan radio.Event
	adapterID string
}

// hwEventKind describes the kind of a queued hardware callback.
type hwEventKind byte

const (
	hwStateChanged hwEventKind = iota
	hwAdapterAdded
	hwAdapterRemoved
	hwHandleResolved
)

// hwEvent is a normalized hardware callback.
type hwEvent struct {
	kind      hwEventKind
	adapterID string

	radio platform.Radio
	state platform.RadioState

	// Set for hwHandleResolved.
	rec       *record
	installed chan<- bool
}

// New returns a new registry.
func New(radios platform.RadioAPI, watcher platform.DeviceWatcher, opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Registry{
		radios:  radios,
		watcher: watcher,

		logger:  logger.With("component", "registry"),
		metrics: opts.Metrics,
		retry:   opts.Retry.withDefaults(),
		timeout: timeout,

		records: make(map[string]*record),
		events:  make(chan hwEvent, eventQueueSize),
		bus:     pubsub.New[string, radio.Event](subscriberQueue),

		ctx:    ctx,
		cancel: cancel,
	}
}

// Run subscribes to adapter added and removed callbacks and applies
// queued hardware callbacks until ctx is done or the registry is closed.
func (r *Registry) Run(ctx context.Context) error {
	added := r.watcher.OnAdded(func(adapterID string) {
		r.enqueue(hwEvent{kind: hwAdapterAdded, adapterID: adapterID})
	})
	removed := r.watcher.OnRemoved(func(adapterID string) {
		r.enqueue(hwEvent{kind: hwAdapterRemoved, adapterID: adapterID})
	})
	defer func() {
		r.watcher.Remove(added)
		r.watcher.Remove(removed)
	}()

	for {
		select {
		case ev := <-r.events:
			r.handle(ev)

		case <-ctx.Done():
			return ctx.Err()

		case <-r.ctx.Done():
			return nil
		}
	}
}

// Close stops every resubscription machine, releases every radio handle
// subscription and closes all notification subscriptions.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.shutdown = true
		r.mu.Unlock()

		r.cancel()
		r.wg.Wait()

		r.mu.Lock()
		for id, rec := range r.records {
			r.releaseHandle(rec)
			delete(r.records, id)
			r.metrics.SetClients(id, 0)
		}
		r.metrics.SetRecords(0)
		r.mu.Unlock()

		r.busMu.Lock()
		r.busClosed = true
		r.bus.Shutdown()
		r.busMu.Unlock()
	})
}

// AddClient registers interest in an adapter and returns its power state.
// If the adapter's radio cannot be resolved, PoweredOff is returned and
// no record is created.
func (r *Registry) AddClient(ctx context.Context, adapterID string) radio.PowerState {
	state, _ := r.Register(ctx, adapterID)

	return state
}

// Register is AddClient, additionally reporting whether the caller was
// counted as a client. Only counted callers may call RemoveClient.
func (r *Registry) Register(ctx context.Context, adapterID string) (radio.PowerState, bool) {
	if state, ok := r.addToRecord(adapterID); ok {
		return state, true
	}

	handle, err := r.resolve(ctx, adapterID)
	if err != nil {
		r.logger.Warn("Failed to resolve the radio of the adapter", "adapter", adapterID, "error", err)
		r.metrics.ResolutionFailed(adapterID)

		return radio.PoweredOff, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return radio.PoweredOff, false
	}

	// The record may have been created while the radio was being resolved.
	if rec, ok := r.records[adapterID]; ok {
		return r.addClientLocked(rec), true
	}

	rec := &record{
		adapterID: adapterID,
		radio:     handle,
		clients:   1,
		state:     powerState(handle.State()),
	}
	rec.token = r.subscribeHandle(handle)
	r.records[adapterID] = rec

	r.metrics.SetRecords(len(r.records))
	r.metrics.SetClients(adapterID, rec.clients)
	r.logger.Debug("Added adapter record", "adapter", adapterID, "state", rec.state)

	return rec.state, true
}

// RemoveClient deregisters interest in an adapter. The record is removed
// once no clients are left.
func (r *Registry) RemoveClient(adapterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[adapterID]
	if !ok {
		r.logger.Warn("Removing client for an unknown adapter", "adapter", adapterID)
		return
	}

	rec.clients--
	r.metrics.SetClients(adapterID, rec.clients)

	if rec.clients > 0 {
		return
	}

	r.releaseHandle(rec)
	delete(r.records, adapterID)

	r.metrics.SetRecords(len(r.records))
	r.logger.Debug("Removed adapter record", "adapter", adapterID)
}

// RequestModeChange asks the platform to put the adapter in the provided
// host mode. The observed state is not updated here, the hardware
// callback confirms the change.
func (r *Registry) RequestModeChange(ctx context.Context, adapterID string, mode radio.HostMode) error {
	desired := mode.Adjust()

	r.mu.Lock()
	rec, ok := r.records[adapterID]
	if !ok {
		r.mu.Unlock()
		r.metrics.ModeChanged(metrics.ResultError)

		return errorkinds.Wrap(errorkinds.ErrUnknownAdapter, "registry:mode", ftag.NotFound,
			"Cannot change the mode of an adapter without clients", "adapter", adapterID,
		)
	}

	handle, current := rec.radio, rec.state
	r.mu.Unlock()

	if handle == nil {
		r.metrics.ModeChanged(metrics.ResultError)

		return errorkinds.Wrap(errorkinds.ErrAdapterUnavailable, "registry:mode", ftag.NotFound,
			"The adapter is not plugged in", "adapter", adapterID,
		)
	}

	if desired == current {
		r.metrics.ModeChanged(metrics.ResultNoop)
		return nil
	}

	access, err := async.Wait(ctx, r.radios.RequestAccess(), r.timeout)
	if err != nil {
		return r.modeChangeError(err, adapterID, desired)
	}
	if access != platform.AccessAllowed {
		return r.accessDenied(access, adapterID, desired)
	}

	status, err := async.Wait(ctx, handle.SetState(nativeState(desired)), r.timeout)
	if err != nil {
		return r.modeChangeError(err, adapterID, desired)
	}
	if status != platform.AccessAllowed {
		return r.accessDenied(status, adapterID, desired)
	}

	r.metrics.ModeChanged(metrics.ResultOK)
	r.logger.Debug("Requested mode change", "adapter", adapterID, "state", desired)

	return nil
}

// Subscribe subscribes to the notifications of an adapter.
func (r *Registry) Subscribe(adapterID string) *Subscription {
	r.busMu.RLock()
	defer r.busMu.RUnlock()

	if r.busClosed {
		ch := make(chan radio.Event)
		close(ch)

		return &Subscription{C: ch, ch: ch, adapterID: adapterID}
	}

	ch := r.bus.Sub(adapterID)

	return &Subscription{C: ch, ch: ch, adapterID: adapterID}
}

// Unsubscribe cancels a subscription. Its channel is closed asynchronously.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	go func() {
		r.busMu.RLock()
		defer r.busMu.RUnlock()

		if r.busClosed {
			return
		}

		r.bus.Unsub(sub.ch, sub.adapterID)
	}()
}

// Snapshot returns a copy of the record of an adapter.
func (r *Registry) Snapshot(adapterID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[adapterID]
	if !ok {
		return Snapshot{}, false
	}

	return rec.snapshot(), true
}

// Records returns a copy of every record, ordered by adapter id.
func (r *Registry) Records() []Snapshot {
	r.mu.Lock()
	snapshots := make([]Snapshot, 0, len(r.records))
	for _, rec := range r.records {
		snapshots = append(snapshots, rec.snapshot())
	}
	r.mu.Unlock()

	slices.SortFunc(snapshots, func(a, b Snapshot) int {
		return strings.Compare(a.AdapterID, b.AdapterID)
	})

	return snapshots
}

// addToRecord adds a client to an existing record.
func (r *Registry) addToRecord(adapterID string) (radio.PowerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return radio.PoweredOff, false
	}

	rec, ok := r.records[adapterID]
	if !ok {
		return radio.PowerUnknown, false
	}

	return r.addClientLocked(rec), true
}

func (r *Registry) addClientLocked(rec *record) radio.PowerState {
	rec.clients++
	r.metrics.SetClients(rec.adapterID, rec.clients)

	if rec.radio == nil {
		return radio.PoweredOff
	}

	return rec.state
}

// resolve obtains a radio handle for the adapter. Concurrent resolutions
// of the same adapter share one platform call.
func (r *Registry) resolve(ctx context.Context, adapterID string) (platform.Radio, error) {
	ch := r.handles.DoChan(adapterID, func() (any, error) {
		return async.Wait(r.ctx, r.radios.ResolveAdapter(adapterID), r.timeout)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, errorkinds.Wrap(res.Err, "registry:resolve", ftag.Internal,
				"Cannot obtain the radio of the adapter", "adapter", adapterID,
			)
		}

		handle, _ := res.Val.(platform.Radio)
		if handle == nil {
			return nil, errorkinds.Wrap(errorkinds.ErrResolution, "registry:resolve", ftag.Internal,
				"The platform returned no radio for the adapter", "adapter", adapterID,
			)
		}

		return handle, nil

	case <-ctx.Done():
		return nil, errorkinds.Wrap(ctx.Err(), "registry:resolve", ftag.Internal,
			"Radio resolution was cancelled", "adapter", adapterID,
		)
	}
}

// subscribeHandle subscribes to state changes of a radio handle.
func (r *Registry) subscribeHandle(handle platform.Radio) platform.Token {
	return handle.OnStateChanged(func(h platform.Radio) {
		r.enqueue(hwEvent{kind: hwStateChanged, radio: h, state: h.State()})
	})
}

// releaseHandle unsubscribes from and clears the radio handle of a record.
func (r *Registry) releaseHandle(rec *record) {
	if rec.radio != nil {
		rec.radio.Unsubscribe(rec.token)
	}

	rec.radio, rec.token = nil, ""
}

func (r *Registry) enqueue(ev hwEvent) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

// handle applies a hardware callback and publishes its notifications.
func (r *Registry) handle(ev hwEvent) {
	switch ev.kind {
	case hwStateChanged:
		r.onStateChanged(ev.radio, ev.state)

	case hwAdapterAdded:
		r.onAdapterAdded(ev.adapterID)

	case hwAdapterRemoved:
		r.onAdapterRemoved(ev.adapterID)

	case hwHandleResolved:
		ev.installed <- r.installHandle(ev.rec, ev.radio)
	}
}

func (r *Registry) onStateChanged(handle platform.Radio, native platform.RadioState) {
	state := powerState(native)

	r.mu.Lock()

	var owner *record
	for _, rec := range r.records {
		if rec.radio != nil && rec.radio == handle {
			owner = rec
			break
		}
	}

	if owner == nil {
		r.mu.Unlock()
		return
	}

	if owner.state == state {
		r.mu.Unlock()
		r.metrics.DuplicateCallback()

		return
	}

	owner.state = state
	adapterID := owner.adapterID
	r.mu.Unlock()

	r.notifyState(adapterID, state)
}

func (r *Registry) onAdapterAdded(adapterID string) {
	r.publish(radio.AdapterAppeared(adapterID))

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[adapterID]
	if !ok || rec.radio != nil || rec.retrying || r.shutdown {
		return
	}

	rec.retrying = true
	r.wg.Add(1)

	go r.resubscribe(rec)
}

func (r *Registry) onAdapterRemoved(adapterID string) {
	r.mu.Lock()
	if rec, ok := r.records[adapterID]; ok {
		// The record and its clients are kept for when the adapter is plugged back in.
		r.releaseHandle(rec)
		r.logger.Debug("Adapter removed", "adapter", adapterID, "clients", rec.clients)
	}
	r.mu.Unlock()

	r.publish(radio.AdapterDisappeared(adapterID))
}

func (r *Registry) notifyState(adapterID string, state radio.PowerState) {
	r.metrics.StateNotified(adapterID, state.String())
	r.publish(radio.PowerStateChanged(adapterID, state))
}

// publish delivers a notification to every subscriber of its adapter.
func (r *Registry) publish(ev radio.Event) {
	r.busMu.RLock()
	defer r.busMu.RUnlock()

	if r.busClosed {
		return
	}

	r.bus.Pub(ev, ev.AdapterID)
}

func (rec *record) snapshot() Snapshot {
	return Snapshot{
		AdapterID: rec.adapterID,
		Clients:   rec.clients,
		State:     rec.state,
		Live:      rec.radio != nil,
		Retrying:  rec.retrying,
	}
}

func (r *Registry) modeChangeError(err error, adapterID string, desired radio.PowerState) error {
	result := metrics.ResultError
	if errors.Is(err, errorkinds.ErrOperationTimeout) {
		result = metrics.ResultTimeout
	}
	r.metrics.ModeChanged(result)

	return errorkinds.Wrap(err, "registry:mode", ftag.Internal,
		"Cannot change the mode of the adapter", "adapter", adapterID, "state", desired.String(),
	)
}

func (r *Registry) accessDenied(status platform.AccessStatus, adapterID string, desired radio.PowerState) error {
	r.metrics.ModeChanged(metrics.ResultDenied)

	err := errorkinds.ErrAccessDenied
	if status == platform.AccessDeniedBySystem {
		err = errorkinds.ErrAccessDeniedBySystem
		r.logger.Warn("Check that the user has permissions to control the adapter", "adapter", adapterID)
	}

	return errorkinds.Wrap(err, "registry:mode", ftag.PermissionDenied,
		"Access to the radio was denied", "adapter", adapterID, "state", desired.String(), "status", status.String(),
	)
}

// powerState projects a native radio state to a power state.
func powerState(state platform.RadioState) radio.PowerState {
	if state == platform.RadioOn {
		return radio.Connectable
	}

	return radio.PoweredOff
}

// nativeState returns the native radio state for a power state.
func nativeState(state radio.PowerState) platform.RadioState {
	if state == radio.Connectable {
		return platform.RadioOn
	}

	return platform.RadioOff
}
