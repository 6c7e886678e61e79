// Package bluez provides a platform backed by the system's Bluetooth daemon,
// through a bluetooth-classic session.
//
// Adapters are identified by their Bluetooth address.
package bluez

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault/ftag"
	scfg "github.com/bluetuith-org/bluetooth-classic/api/config"
	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/bluetuith-org/bluetooth-classic/session"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/xid"

	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/platform"
)

// Options describes the options of the platform.
type Options struct {
	// Logger receives the platform's logs. If nil, logs are discarded.
	Logger *slog.Logger

	// AuthTimeout bounds each pairing confirmation asked by the daemon.
	// If zero, the session's default is used.
	AuthTimeout time.Duration
}

// Platform is a platform backed by a bluetooth-classic session.
type Platform struct {
	session bluetooth.Session
	auth    *authorizer
	logger  *slog.Logger

	radios  *xsync.MapOf[*Radio, string]
	pending *xsync.MapOf[bluetooth.MacAddress, *PairingInfo]

	addedHandlers   *xsync.MapOf[platform.Token, func(string)]
	removedHandlers *xsync.MapOf[platform.Token, func(string)]

	events *bluetooth.Subscriber[bluetooth.AdapterData, bluetooth.AdapterEventData]
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New starts a session with the system's Bluetooth daemon and returns
// a platform backed by it.
func New(opts Options) (*Platform, error) {
	return Start(session.NewSession(), opts)
}

// Start starts the provided session and returns a platform backed by it.
func Start(s bluetooth.Session, opts Options) (*Platform, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &Platform{
		session: s,
		logger:  logger.With("component", "bluez"),

		radios:  xsync.NewMapOf[*Radio, string](),
		pending: xsync.NewMapOf[bluetooth.MacAddress, *PairingInfo](),

		addedHandlers:   xsync.NewMapOf[platform.Token, func(string)](),
		removedHandlers: xsync.NewMapOf[platform.Token, func(string)](),

		done: make(chan struct{}),
	}
	p.auth = newAuthorizer(p)

	cfg := scfg.New()
	if opts.AuthTimeout > 0 {
		cfg.AuthTimeout = opts.AuthTimeout
	}

	if _, _, err := s.Start(p.auth, cfg); err != nil {
		return nil, errorkinds.Wrap(err, "bluez:start", ftag.Internal,
			"Cannot start a session with the Bluetooth daemon",
		)
	}

	events, ok := bluetooth.AdapterEvents().Subscribe()
	if !ok {
		s.Stop()

		return nil, errorkinds.Wrap(errorkinds.ErrNotSupported, "bluez:events", ftag.Internal,
			"Cannot subscribe to adapter events",
		)
	}
	p.events = events

	p.wg.Add(1)
	go p.watch()

	return p, nil
}

// Radios returns the radio API of the platform.
func (p *Platform) Radios() platform.RadioAPI {
	return p
}

// Watcher returns the adapter watcher of the platform.
func (p *Platform) Watcher() platform.DeviceWatcher {
	return p
}

// Pairing returns the pairing API of the platform.
func (p *Platform) Pairing() platform.PairingAPI {
	return p
}

// Adapters lists the adapters known to the daemon, ordered by id.
func (p *Platform) Adapters() ([]platform.AdapterInfo, error) {
	adapters, err := p.session.Adapters()
	if err != nil {
		return nil, errorkinds.Wrap(err, "bluez:adapters", ftag.NotFound, "No adapters were found")
	}

	infos := make([]platform.AdapterInfo, 0, len(adapters))
	for _, adapter := range adapters {
		infos = append(infos, platform.AdapterInfo{
			ID:      adapter.Address.String(),
			Name:    adapter.UniqueName,
			Address: adapter.Address,
			Powered: adapter.Powered,
		})
	}

	slices.SortFunc(infos, func(a, b platform.AdapterInfo) int {
		return strings.Compare(a.ID, b.ID)
	})

	return infos, nil
}

// Close stops watching adapter events and stops the session.
func (p *Platform) Close() error {
	var err error

	p.closeOnce.Do(func() {
		close(p.done)
		p.events.Unsubscribe()
		p.wg.Wait()

		p.radios.Range(func(r *Radio, _ string) bool {
			r.invalidate()
			return true
		})
		p.radios.Clear()

		err = p.session.Stop()
	})

	return err
}

// OnAdded registers a callback invoked when an adapter is added.
func (p *Platform) OnAdded(fn func(adapterID string)) platform.Token {
	token := newToken()
	p.addedHandlers.Store(token, fn)

	return token
}

// OnRemoved registers a callback invoked when an adapter is removed.
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

// watch handles adapter events published by the session.
func (p *Platform) watch() {
	defer p.wg.Done()

	for {
		select {
		case data, ok := <-p.events.AddedEvents:
			if !ok {
				return
			}

			p.added(data.Address)

		case data, ok := <-p.events.UpdatedEvents:
			if !ok {
				return
			}

			p.updated(data)

		case data, ok := <-p.events.RemovedEvents:
			if !ok {
				return
			}

			p.removed(data.Address)

		case <-p.events.Done:
			return

		case <-p.done:
			return
		}
	}
}

func (p *Platform) added(address bluetooth.MacAddress) {
	id := address.String()
	p.logger.Debug("Adapter added", "adapter", id)

	p.addedHandlers.Range(func(_ platform.Token, fn func(string)) bool {
		fn(id)
		return true
	})
}

func (p *Platform) updated(data bluetooth.AdapterEventData) {
	id := data.Address.String()

	state := platform.RadioOff
	if data.Powered {
		state = platform.RadioOn
	}

	p.radios.Range(func(r *Radio, adapterID string) bool {
		if adapterID == id {
			r.update(state)
		}

		return true
	})
}

func (p *Platform) removed(address bluetooth.MacAddress) {
	id := address.String()
	p.logger.Debug("Adapter removed", "adapter", id)

	p.radios.Range(func(r *Radio, adapterID string) bool {
		if adapterID == id {
			r.invalidate()
			p.radios.Delete(r)
		}

		return true
	})

	p.removedHandlers.Range(func(_ platform.Token, fn func(string)) bool {
		fn(id)
		return true
	})
}

// call runs fn on its own goroutine, and returns early if ctx is done.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		return res.value, res.err

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func newToken() platform.Token {
	return platform.Token(xid.New().String())
}
