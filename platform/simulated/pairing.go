package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/darkhz/btlocal/async"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/platform"
)

// Device is a simulated remote device.
type Device struct {
	address   bluetooth.MacAddress
	transport platform.Transport

	mu         sync.Mutex
	paired     bool
	protection platform.ProtectionLevel

	confirmation platform.ConfirmationKind
	pairResult   platform.PairingStatus
	pairedLevel  platform.ProtectionLevel
	unpairResult platform.UnpairingStatus
	latency      time.Duration

	pairCalls   int
	unpairCalls int
	rejected    bool

	handlers *xsync.MapOf[platform.Token, func(platform.ConfirmationRequest)]
}

// AddDevice adds an unpaired remote device that can be resolved over the
// provided transport.
func (p *Platform) AddDevice(address bluetooth.MacAddress, transport platform.Transport) *Device {
	d := &Device{
		address:   address,
		transport: transport,

		confirmation: platform.ConfirmOnly,
		pairResult:   platform.PairingStatusPaired,
		pairedLevel:  platform.ProtectionEncryption,
		unpairResult: platform.UnpairingStatusUnpaired,

		handlers: xsync.NewMapOf[platform.Token, func(platform.ConfirmationRequest)](),
	}
	p.devices.Store(address, d)

	return d
}

// Device returns the remote device with the provided address.
func (p *Platform) Device(address bluetooth.MacAddress) (*Device, bool) {
	return p.devices.Load(address)
}

// ResolvePairingInfo resolves the pairing handle of a remote device.
// Resolution only succeeds over the transport the device was added with.
func (p *Platform) ResolvePairingInfo(address bluetooth.MacAddress, transport platform.Transport) async.Operation[platform.PairingInfo] {
	return async.Go(func(ctx context.Context) (platform.PairingInfo, error) {
		d, ok := p.devices.Load(address)
		if !ok || d.transport != transport {
			return nil, fmt.Errorf("resolve %s device %q: %w", transport, address.String(), errorkinds.ErrResolution)
		}

		return d, nil
	})
}

// SetPaired sets the current pairing state of the device.
func (d *Device) SetPaired(paired bool, protection platform.ProtectionLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paired, d.protection = paired, protection
}

// SetConfirmation sets the kind of confirmation raised during pairing.
func (d *Device) SetConfirmation(kind platform.ConfirmationKind) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.confirmation = kind
}

// SetPairResult sets the status returned by Pair and the protection level
// the pairing ends up with.
func (d *Device) SetPairResult(status platform.PairingStatus, protection platform.ProtectionLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pairResult, d.pairedLevel = status, protection
}

// SetUnpairResult sets the status returned by Unpair.
func (d *Device) SetUnpairResult(status platform.UnpairingStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unpairResult = status
}

// SetLatency delays every Pair and Unpair by l.
func (d *Device) SetLatency(l time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.latency = l
}

// PairCalls returns the number of Pair calls made on the device.
func (d *Device) PairCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pairCalls
}

// UnpairCalls returns the number of Unpair calls made on the device.
func (d *Device) UnpairCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.unpairCalls
}

// Rejected reports whether the last confirmation was rejected.
func (d *Device) Rejected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rejected
}

// ConfirmationHandlers returns the number of registered confirmation handlers.
func (d *Device) ConfirmationHandlers() int {
	return d.handlers.Size()
}

// IsPaired reports whether the device is paired.
func (d *Device) IsPaired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.paired
}

// ProtectionLevel returns the protection level of the pairing.
func (d *Device) ProtectionLevel() platform.ProtectionLevel {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.protection
}

// Pair raises a confirmation to the registered handlers and, if it is
// accepted, completes with the configured pairing status.
func (d *Device) Pair(kind platform.ConfirmationKind) async.Operation[platform.PairingStatus] {
	return async.Go(func(ctx context.Context) (platform.PairingStatus, error) {
		d.mu.Lock()
		d.pairCalls++
		d.rejected = false
		confirmation, latency := d.confirmation, d.latency
		d.mu.Unlock()

		if err := sleep(ctx, latency); err != nil {
			return platform.PairingStatusFailed, err
		}

		accepted, err := d.confirm(ctx, confirmation)
		if err != nil {
			return platform.PairingStatusFailed, err
		}

		d.mu.Lock()
		defer d.mu.Unlock()

		if !accepted || confirmation != kind {
			d.rejected = true
			return platform.PairingStatusRejected, nil
		}

		if d.pairResult == platform.PairingStatusPaired {
			d.paired, d.protection = true, d.pairedLevel
		}

		return d.pairResult, nil
	})
}

// Unpair removes the pairing.
func (d *Device) Unpair() async.Operation[platform.UnpairingStatus] {
	return async.Go(func(ctx context.Context) (platform.UnpairingStatus, error) {
		d.mu.Lock()
		d.unpairCalls++
		latency := d.latency
		d.mu.Unlock()

		if err := sleep(ctx, latency); err != nil {
			return platform.UnpairingStatusFailed, err
		}

		d.mu.Lock()
		defer d.mu.Unlock()

		if !d.paired {
			return platform.UnpairingStatusAlreadyUnpaired, nil
		}

		if d.unpairResult == platform.UnpairingStatusUnpaired {
			d.paired, d.protection = false, platform.ProtectionNone
		}

		return d.unpairResult, nil
	})
}

// OnConfirmationRequested registers a confirmation handler.
func (d *Device) OnConfirmationRequested(fn func(platform.ConfirmationRequest)) platform.Token {
	token := newToken()
	d.handlers.Store(token, fn)

	return token
}

// RemoveConfirmationHandler removes a confirmation handler.
func (d *Device) RemoveConfirmationHandler(token platform.Token) {
	d.handlers.Delete(token)
}

// confirm delivers a confirmation request to the handlers and waits for
// the first decision. Without handlers the request is rejected.
func (d *Device) confirm(ctx context.Context, kind platform.ConfirmationKind) (bool, error) {
	if d.handlers.Size() == 0 {
		return false, nil
	}

	decision := make(chan bool, 1)
	decide := func(accept bool) {
		select {
		case decision <- accept:
		default:
		}
	}

	req := platform.ConfirmationRequest{
		Kind:    kind,
		Address: d.address,
		Accept:  func() { decide(true) },
		Reject:  func() { decide(false) },
	}
	if kind != platform.ConfirmOnly {
		req.Pin = "123456"
	}

	d.handlers.Range(func(_ platform.Token, fn func(platform.ConfirmationRequest)) bool {
		fn(req)
		return true
	})

	select {
	case accepted := <-decision:
		return accepted, nil

	case <-ctx.Done():
		return false, ctx.Err()
	}
}
