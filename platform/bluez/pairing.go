package bluez

import (
	"context"
	"errors"

	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/darkhz/btlocal/async"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/platform"
)

// PairingInfo is the pairing handle of a remote device known to the daemon.
type PairingInfo struct {
	p       *Platform
	address bluetooth.MacAddress
	props   bluetooth.DeviceData

	accepts  *atomic.Uint32
	rejected *atomic.Bool
	handlers *xsync.MapOf[platform.Token, func(platform.ConfirmationRequest)]
}

// ResolvePairingInfo looks up the remote device. Devices without a class
// of device are treated as low energy devices.
func (p *Platform) ResolvePairingInfo(address bluetooth.MacAddress, transport platform.Transport) async.Operation[platform.PairingInfo] {
	return async.Go(func(ctx context.Context) (platform.PairingInfo, error) {
		props, err := call(ctx, p.session.Device(address).Properties)
		if err != nil {
			return nil, errorkinds.Wrap(errors.Join(errorkinds.ErrResolution, err),
				"bluez:resolve-device", ftag.NotFound, "Cannot find the remote device",
				"address", address.String(), "transport", transport.String(),
			)
		}

		lowEnergy := props.Class == 0
		if lowEnergy != (transport == platform.TransportLowEnergy) {
			return nil, errorkinds.Wrap(errorkinds.ErrResolution,
				"bluez:resolve-device", ftag.NotFound, "The remote device does not use the transport",
				"address", address.String(), "transport", transport.String(),
			)
		}

		return &PairingInfo{
			p:       p,
			address: address,
			props:   props,

			accepts:  atomic.NewUint32(0),
			rejected: atomic.NewBool(false),
			handlers: xsync.NewMapOf[platform.Token, func(platform.ConfirmationRequest)](),
		}, nil
	})
}

// IsPaired reports whether the device was paired when it was resolved.
func (i *PairingInfo) IsPaired() bool {
	return i.props.Paired
}

// ProtectionLevel returns the protection of the link with the device.
// Bonded devices have stored keys, so their links are encrypted.
func (i *PairingInfo) ProtectionLevel() platform.ProtectionLevel {
	if i.props.Paired && i.props.Bonded {
		return platform.ProtectionEncryption
	}

	return platform.ProtectionNone
}

// Pair pairs with the device. Confirmations asked by the daemon during
// pairing are delivered to the confirmation handlers; if none is
// registered, only confirmations of the provided kind are accepted.
func (i *PairingInfo) Pair(kind platform.ConfirmationKind) async.Operation[platform.PairingStatus] {
	return async.Go(func(ctx context.Context) (platform.PairingStatus, error) {
		if i.props.Paired {
			return platform.PairingStatusAlreadyPaired, nil
		}

		if _, loaded := i.p.pending.LoadOrStore(i.address, i); loaded {
			return platform.PairingStatusFailed, errorkinds.Wrap(errorkinds.ErrPairingInProgress,
				"bluez:pair", ftag.InvalidArgument, "The device is already being paired",
				"address", i.address.String(),
			)
		}
		defer i.p.pending.Delete(i.address)

		i.accepts.Store(uint32(kind))
		i.rejected.Store(false)

		device := i.p.session.Device(i.address)

		_, err := call(ctx, func() (struct{}, error) {
			return struct{}{}, device.Pair()
		})
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if cerr := device.CancelPairing(); cerr != nil {
				i.p.logger.Debug("Cannot cancel pairing", "address", i.address.String(), "error", cerr)
			}

			return platform.PairingStatusFailed, err

		case err != nil && i.rejected.Load():
			return platform.PairingStatusRejected, nil

		case err != nil:
			return platform.PairingStatusFailed, errorkinds.Wrap(err, "bluez:pair", ftag.Internal,
				"Cannot pair with the device", "address", i.address.String(),
			)
		}

		props, err := device.Properties()
		if err != nil || !props.Paired {
			return platform.PairingStatusFailed, nil
		}
		i.props = props

		return platform.PairingStatusPaired, nil
	})
}

// Unpair removes the device, which removes its pairing.
func (i *PairingInfo) Unpair() async.Operation[platform.UnpairingStatus] {
	return async.Go(func(ctx context.Context) (platform.UnpairingStatus, error) {
		if !i.props.Paired {
			return platform.UnpairingStatusAlreadyUnpaired, nil
		}

		_, err := call(ctx, func() (struct{}, error) {
			return struct{}{}, i.p.session.Device(i.address).Remove()
		})
		if err != nil {
			return platform.UnpairingStatusFailed, errorkinds.Wrap(err, "bluez:unpair", ftag.Internal,
				"Cannot remove the device", "address", i.address.String(),
			)
		}

		return platform.UnpairingStatusUnpaired, nil
	})
}

// OnConfirmationRequested registers a handler for confirmations asked during Pair.
func (i *PairingInfo) OnConfirmationRequested(fn func(platform.ConfirmationRequest)) platform.Token {
	token := newToken()
	i.handlers.Store(token, fn)

	return token
}

// RemoveConfirmationHandler removes a confirmation handler.
func (i *PairingInfo) RemoveConfirmationHandler(token platform.Token) {
	i.handlers.Delete(token)
}

// confirm asks the handlers to confirm a request, and waits for the
// first reply until ctx is done. It reports whether the request was accepted.
func (i *PairingInfo) confirm(ctx context.Context, kind platform.ConfirmationKind, pin string) bool {
	if i.handlers.Size() == 0 {
		return kind == platform.ConfirmationKind(i.accepts.Load())
	}

	reply := make(chan bool, 1)
	send := func(accepted bool) {
		select {
		case reply <- accepted:
		default:
		}
	}

	req := platform.ConfirmationRequest{
		Kind:    kind,
		Address: i.address,
		Pin:     pin,
		Accept:  func() { send(true) },
		Reject:  func() { send(false) },
	}

	i.handlers.Range(func(_ platform.Token, fn func(platform.ConfirmationRequest)) bool {
		fn(req)
		return true
	})

	select {
	case accepted := <-reply:
		return accepted

	case <-ctx.Done():
		return false
	}
}
