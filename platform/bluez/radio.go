package bluez

import (
	"context"
	"errors"

	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/darkhz/btlocal/async"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/platform"
)

// Errors returned by the daemon when the radio cannot be controlled
// by the current user or is blocked by the system.
var deniedErrors = map[string]platform.AccessStatus{
	"org.bluez.Error.NotAuthorized":           platform.AccessDeniedByUser,
	"org.bluez.Error.AuthenticationCanceled":  platform.AccessDeniedByUser,
	"org.bluez.Error.NotPermitted":            platform.AccessDeniedBySystem,
	"org.bluez.Error.Blocked":                 platform.AccessDeniedBySystem,
	"org.freedesktop.DBus.Error.AccessDenied": platform.AccessDeniedBySystem,
}

// Radio is the radio of an adapter.
type Radio struct {
	p       *Platform
	id      string
	address bluetooth.MacAddress

	state    *atomic.Uint32
	live     *atomic.Bool
	handlers *xsync.MapOf[platform.Token, func(platform.Radio)]
}

// ResolveAdapter resolves the radio of the adapter with the provided address.
func (p *Platform) ResolveAdapter(adapterID string) async.Operation[platform.Radio] {
	return async.Go(func(ctx context.Context) (platform.Radio, error) {
		address, err := bluetooth.ParseMAC(adapterID)
		if err != nil {
			return nil, errorkinds.Wrap(errors.Join(errorkinds.ErrResolution, errorkinds.ErrInvalidAddress),
				"bluez:resolve", ftag.InvalidArgument, "The adapter id is not a Bluetooth address",
				"adapter", adapterID,
			)
		}

		props, err := call(ctx, p.session.Adapter(address).Properties)
		if err != nil {
			return nil, errorkinds.Wrap(errors.Join(errorkinds.ErrResolution, err),
				"bluez:resolve", ftag.NotFound, "Cannot find the adapter", "adapter", adapterID,
			)
		}

		r := &Radio{
			p:       p,
			id:      adapterID,
			address: address,

			state:    atomic.NewUint32(uint32(radioState(props.Powered))),
			live:     atomic.NewBool(true),
			handlers: xsync.NewMapOf[platform.Token, func(platform.Radio)](),
		}
		p.radios.Store(r, adapterID)

		return r, nil
	})
}

// RequestAccess always grants access, the daemon checks permissions
// when the state of a radio is changed.
func (p *Platform) RequestAccess() async.Operation[platform.AccessStatus] {
	return async.Completed(platform.AccessAllowed)
}

// State returns the last known state of the radio.
func (r *Radio) State() platform.RadioState {
	if !r.live.Load() {
		return platform.RadioUnknown
	}

	return platform.RadioState(r.state.Load())
}

// SetState powers the adapter on or off.
func (r *Radio) SetState(state platform.RadioState) async.Operation[platform.AccessStatus] {
	return async.Go(func(ctx context.Context) (platform.AccessStatus, error) {
		if !r.live.Load() {
			return platform.AccessUnspecified, errorkinds.Wrap(errorkinds.ErrAdapterUnavailable,
				"bluez:setstate", ftag.NotFound, "The adapter was removed", "adapter", r.id,
			)
		}

		_, err := call(ctx, func() (struct{}, error) {
			return struct{}{}, r.p.session.Adapter(r.address).SetPoweredState(state == platform.RadioOn)
		})
		if err == nil {
			return platform.AccessAllowed, nil
		}

		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) {
			if status, ok := deniedErrors[dbusErr.Name]; ok {
				return status, nil
			}
		}

		return platform.AccessUnspecified, errorkinds.Wrap(err, "bluez:setstate", ftag.Internal,
			"Cannot set the powered state of the adapter", "adapter", r.id, "state", state.String(),
		)
	})
}

// OnStateChanged registers a callback invoked when the radio's state changes.
func (r *Radio) OnStateChanged(fn func(platform.Radio)) platform.Token {
	token := newToken()
	r.handlers.Store(token, fn)

	if r.live.Load() {
		r.p.radios.Store(r, r.id)
	}

	return token
}

// Unsubscribe removes a state change callback. A radio without callbacks
// stops tracking the adapter's state.
func (r *Radio) Unsubscribe(token platform.Token) {
	r.handlers.Delete(token)

	if r.handlers.Size() == 0 {
		r.p.radios.Delete(r)
	}
}

// update records a new state and invokes the callbacks if it changed.
func (r *Radio) update(state platform.RadioState) {
	if !r.live.Load() || platform.RadioState(r.state.Swap(uint32(state))) == state {
		return
	}

	r.handlers.Range(func(_ platform.Token, fn func(platform.Radio)) bool {
		fn(r)
		return true
	})
}

func (r *Radio) invalidate() {
	r.live.Store(false)
}

func radioState(powered bool) platform.RadioState {
	if powered {
		return platform.RadioOn
	}

	return platform.RadioOff
}
