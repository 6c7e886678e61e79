// Package app wires a platform backend, the shared adapter registry and
// the device facades of a process together.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Southclaws/fault/ftag"

	"github.com/darkhz/btlocal/device"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/metrics"
	"github.com/darkhz/btlocal/pairing"
	"github.com/darkhz/btlocal/platform"
	"github.com/darkhz/btlocal/platform/bluez"
	"github.com/darkhz/btlocal/platform/simulated"
	"github.com/darkhz/btlocal/registry"
)

// Options describes the options of the application.
type Options struct {
	// Simulate selects the in-memory backend instead of the system's
	// Bluetooth daemon.
	Simulate bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Retry           registry.RetryPolicy
	Timeout         time.Duration
	PairingTimeouts pairing.Timeouts
	AuthTimeout     time.Duration
}

// Application holds a platform backend and the registry shared by all
// device facades of the process.
type Application struct {
	opts     Options
	logger   *slog.Logger
	platform platform.Platform

	mu     sync.Mutex
	reg    *registry.Registry
	stop   context.CancelFunc
	done   chan struct{}
	closed bool

	closeOnce sync.Once
}

// New opens the backend selected by opts and returns a new application.
func New(opts Options) (*Application, error) {
	var (
		p   platform.Platform
		err error
	)

	if opts.Simulate {
		p = simulated.NewDefault()
	} else {
		p, err = bluez.New(bluez.Options{Logger: opts.Logger, AuthTimeout: opts.AuthTimeout})
		if err != nil {
			return nil, err
		}
	}

	return NewWithPlatform(p, opts), nil
}

// NewWithPlatform returns a new application backed by p.
func NewWithPlatform(p platform.Platform, opts Options) *Application {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts.Logger = logger

	return &Application{
		opts:     opts,
		logger:   logger.With("component", "app"),
		platform: p,
		done:     make(chan struct{}),
	}
}

// Platform returns the platform backend.
func (a *Application) Platform() platform.Platform {
	return a.platform
}

// Logger returns the logger of the application.
func (a *Application) Logger() *slog.Logger {
	return a.opts.Logger
}

// Registry returns the shared adapter registry. It is created, and starts
// handling hardware callbacks, on first use. After Close, a closed
// registry is returned.
func (a *Application) Registry() *registry.Registry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reg != nil {
		return a.reg
	}

	a.reg = registry.New(a.platform.Radios(), a.platform.Watcher(), registry.Options{
		Logger:  a.opts.Logger,
		Metrics: a.opts.Metrics,
		Retry:   a.opts.Retry,
		Timeout: a.opts.Timeout,
	})

	if a.closed {
		a.reg.Close()
		return a.reg
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.stop = cancel

	go func(reg *registry.Registry) {
		defer close(a.done)

		if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Registry stopped", "error", err)
		}
	}(a.reg)

	a.logger.Debug("Created the adapter registry")

	return a.reg
}

// Open returns a device facade for the adapter.
func (a *Application) Open(ctx context.Context, adapterID string, handler device.Handler) *device.LocalDevice {
	return device.New(ctx, a.Registry(), a.platform.Pairing(), adapterID,
		device.WithHandler(handler),
		device.WithLogger(a.opts.Logger),
		device.WithMetrics(a.opts.Metrics),
		device.WithPairingTimeouts(a.opts.PairingTimeouts),
	)
}

// Adapter returns the adapter with the provided id, or the first adapter
// of the backend if id is empty.
func (a *Application) Adapter(id string) (platform.AdapterInfo, error) {
	adapters, err := a.platform.Adapters()
	if err != nil {
		return platform.AdapterInfo{}, err
	}

	for _, adapter := range adapters {
		if id == "" || adapter.ID == id || adapter.Name == id {
			return adapter, nil
		}
	}

	if id == "" {
		return platform.AdapterInfo{}, errorkinds.Wrap(errorkinds.ErrUnknownAdapter, "app:adapter", ftag.NotFound,
			"No adapters were found",
		)
	}

	return platform.AdapterInfo{}, errorkinds.Wrap(errorkinds.ErrUnknownAdapter, "app:adapter", ftag.NotFound,
		"The adapter does not exist", "adapter", id,
	)
}

// Close closes the registry and then the backend. Facades should be
// closed before the application.
func (a *Application) Close() error {
	var err error

	a.closeOnce.Do(func() {
		a.mu.Lock()
		reg, stop := a.reg, a.stop
		a.closed = true
		a.mu.Unlock()

		if stop != nil {
			stop()
			<-a.done
			reg.Close()
		}

		err = a.platform.Close()
	})

	return err
}
