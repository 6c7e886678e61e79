// Package simulated provides an in-memory platform backend.
//
// Adapters can be plugged, unplugged and powered, and radio resolution,
// access requests and pairing can be made to fail, hang or deliver
// duplicate callbacks.
package simulated

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/darkhz/btlocal/async"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/platform"
)

// DefaultAdapterID is the id of the adapter created by NewDefault.
const DefaultAdapterID = "00:1A:7D:DA:71:13"

// DefaultDeviceAddress is the address of the remote device created by NewDefault.
const DefaultDeviceAddress = "AC:DE:48:00:11:22"

// Platform is an in-memory platform backend.
type Platform struct {
	adapters *xsync.MapOf[string, *Adapter]
	devices  *xsync.MapOf[bluetooth.MacAddress, *Device]

	addedHandlers   *xsync.MapOf[platform.Token, func(string)]
	removedHandlers *xsync.MapOf[platform.Token, func(string)]

	access        *atomic.Uint32
	accessLatency *atomic.Duration

	closeOnce sync.Once
}

// New returns an empty simulated platform.
func New() *Platform {
	return &Platform{
		adapters: xsync.NewMapOf[string, *Adapter](),
		devices:  xsync.NewMapOf[bluetooth.MacAddress, *Device](),

		addedHandlers:   xsync.NewMapOf[platform.Token, func(string)](),
		removedHandlers: xsync.NewMapOf[platform.Token, func(string)](),

		access:        atomic.NewUint32(uint32(platform.AccessAllowed)),
		accessLatency: atomic.NewDuration(0),
	}
}

// NewDefault returns a simulated platform with one powered adapter and
// one unpaired remote device.
func NewDefault() *Platform {
	p := New()
	p.AddAdapter(DefaultAdapterID, "btlocal-sim", platform.RadioOn)

	address, _ := bluetooth.ParseMAC(DefaultDeviceAddress)
	p.AddDevice(address, platform.TransportClassic)

	return p
}

// Radios returns the radio API of the platform.
func (p *Platform) Radios() platform.RadioAPI {
	return p
}

// Watcher returns the device watcher of the platform.
func (p *Platform) Watcher() platform.DeviceWatcher {
	return p
}

// Pairing returns the pairing API of the platform.
func (p *Platform) Pairing() platform.PairingAPI {
	return p
}

// Adapters lists the plugged adapters.
func (p *Platform) Adapters() ([]platform.AdapterInfo, error) {
	adapters := make([]platform.AdapterInfo, 0, p.adapters.Size())

	p.adapters.Range(func(_ string, a *Adapter) bool {
		if a.Plugged() {
			adapters = append(adapters, a.info())
		}

		return true
	})

	if len(adapters) == 0 {
		return nil, fmt.Errorf("list adapters: %w", errorkinds.ErrAdapterUnavailable)
	}

	slices.SortFunc(adapters, func(a, b platform.AdapterInfo) int {
		return strings.Compare(a.ID, b.ID)
	})

	return adapters, nil
}

// Close removes every registered callback.
func (p *Platform) Close() error {
	p.closeOnce.Do(func() {
		p.addedHandlers.Clear()
		p.removedHandlers.Clear()

		p.adapters.Range(func(_ string, a *Adapter) bool {
			a.release()
			return true
		})
	})

	return nil
}

// AddAdapter adds a plugged adapter with the provided id, name and initial
// radio state. No added callback is invoked.
func (p *Platform) AddAdapter(id, name string, state platform.RadioState) *Adapter {
	a := newAdapter(id, name, state)
	p.adapters.Store(id, a)

	return a
}

// Adapter returns the adapter with the provided id.
func (p *Platform) Adapter(id string) (*Adapter, bool) {
	return p.adapters.Load(id)
}

// Plug marks the adapter as present and invokes the added callbacks.
// An unknown id is added as a new, powered off adapter.
func (p *Platform) Plug(id string) *Adapter {
	a, _ := p.adapters.LoadOrCompute(id, func() *Adapter {
		a := newAdapter(id, "", platform.RadioOff)
		a.plugged = false

		return a
	})

	if a.plug() {
		p.addedHandlers.Range(func(_ platform.Token, fn func(string)) bool {
			fn(id)
			return true
		})
	}

	return a
}

// Unplug marks the adapter as absent, invalidates every radio handle
// resolved for it and invokes the removed callbacks.
func (p *Platform) Unplug(id string) {
	a, ok := p.adapters.Load(id)
	if !ok || !a.unplug() {
		return
	}

	p.removedHandlers.Range(func(_ platform.Token, fn func(string)) bool {
		fn(id)
		return true
	})
}

// Announce invokes the added callbacks for a plugged adapter without
// changing it, as platforms do when an adapter is first used.
func (p *Platform) Announce(id string) {
	a, ok := p.adapters.Load(id)
	if !ok || !a.Plugged() {
		return
	}

	p.addedHandlers.Range(func(_ platform.Token, fn func(string)) bool {
		fn(id)
		return true
	})
}

// SetAccess sets the status returned by RequestAccess.
func (p *Platform) SetAccess(status platform.AccessStatus) {
	p.access.Store(uint32(status))
}

// SetAccessLatency delays RequestAccess by d.
func (p *Platform) SetAccessLatency(d time.Duration) {
	p.accessLatency.Store(d)
}

// ResolveAdapter resolves a new radio handle for the adapter.
func (p *Platform) ResolveAdapter(adapterID string) async.Operation[platform.Radio] {
	return async.Go(func(ctx context.Context) (platform.Radio, error) {
		a, ok := p.adapters.Load(adapterID)
		if !ok {
			return nil, fmt.Errorf("resolve %q: %w", adapterID, errorkinds.ErrResolution)
		}

		return a.resolve(ctx)
	})
}

// RequestAccess returns the configured access status.
func (p *Platform) RequestAccess() async.Operation[platform.AccessStatus] {
	return async.Go(func(ctx context.Context) (platform.AccessStatus, error) {
		if err := sleep(ctx, p.accessLatency.Load()); err != nil {
			return platform.AccessUnspecified, err
		}

		return platform.AccessStatus(p.access.Load()), nil
	})
}

// OnAdded registers a callback invoked when an adapter is plugged.
func (p *Platform) OnAdded(fn func(adapterID string)) platform.Token {
	token := newToken()
	p.addedHandlers.Store(token, fn)

	return token
}

// OnRemoved registers a callback invoked when an adapter is unplugged.
func (p *Platform) OnRemoved(fn func(adapterID string)) platform.Token {
	token := newToken()
	p.removedHandlers.Store(token, fn)

	return token
}

// Remove removes an added or removed callback.
func (p *Platform) Remove(token platform.Token) {
	p.addedHandlers.Delete(token)
	p.removedHandlers.Delete(token)
}

// WatcherCallbacks returns the number of registered watcher callbacks.
func (p *Platform) WatcherCallbacks() int {
	return p.addedHandlers.Size() + p.removedHandlers.Size()
}

func newToken() platform.Token {
	return platform.Token(xid.New().String())
}
