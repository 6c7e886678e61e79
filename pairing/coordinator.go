// Package pairing pairs and unpairs remote devices.
//
// A Coordinator runs at most one pairing request at a time, and reports
// the outcome of each request to its event sink.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"go.uber.org/atomic"

	"github.com/darkhz/btlocal/async"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/metrics"
	"github.com/darkhz/btlocal/platform"
	"github.com/darkhz/btlocal/radio"
)

// The default timeouts of the pairing steps.
const (
	DefaultResolveTimeout = 5 * time.Second
	DefaultPairTimeout    = 30 * time.Second
	DefaultUnpairTimeout  = 10 * time.Second
)

// Timeouts holds the timeouts of each pairing step.
type Timeouts struct {
	Resolve time.Duration
	Pair    time.Duration
	Unpair  time.Duration
}

// DefaultTimeouts returns the default pairing timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Resolve: DefaultResolveTimeout,
		Pair:    DefaultPairTimeout,
		Unpair:  DefaultUnpairTimeout,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()

	if t.Resolve <= 0 {
		t.Resolve = d.Resolve
	}
	if t.Pair <= 0 {
		t.Pair = d.Pair
	}
	if t.Unpair <= 0 {
		t.Unpair = d.Unpair
	}

	return t
}

// Options describes the options of a coordinator.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Timeouts Timeouts
}

// Coordinator pairs and unpairs remote devices.
type Coordinator struct {
	api  platform.PairingAPI
	sink func(radio.Event)

	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeouts Timeouts

	op operation
}

// New returns a new coordinator. Outcomes of pairing requests are
// delivered to sink.
func New(api platform.PairingAPI, sink func(radio.Event), opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if sink == nil {
		sink = func(radio.Event) {}
	}

	return &Coordinator{
		api:  api,
		sink: sink,

		logger:   logger.With("component", "pairing"),
		metrics:  opts.Metrics,
		timeouts: opts.Timeouts.withDefaults(),
	}
}

// PairOrUnpair brings the pairing with the remote device to the provided
// mode. If the device already is in that mode, PairingFinished is emitted
// without any platform call. A request made while another one is running
// is rejected.
func (c *Coordinator) PairOrUnpair(ctx context.Context, address bluetooth.MacAddress, mode radio.PairingMode) error {
	opctx, ok := c.op.start(ctx)
	if !ok {
		err := errorkinds.Wrap(errorkinds.ErrPairingInProgress, "pairing:start", ftag.InvalidArgument,
			"A pairing operation is still in progress", "address", address.String(),
		)
		c.fail(address, mode, err)

		return err
	}
	defer c.op.finish()

	if err := c.pairOrUnpair(opctx, address, mode); err != nil {
		c.fail(address, mode, err)
		return err
	}

	return nil
}

// Cancel cancels the running pairing request. It reports whether a
// request was running.
func (c *Coordinator) Cancel() bool {
	return c.op.cancelOperation()
}

// Busy reports whether a pairing request is running.
func (c *Coordinator) Busy() bool {
	return c.op.running()
}

// Status returns the observed pairing mode of the remote device.
// A device that cannot be resolved is reported as Unpaired.
func (c *Coordinator) Status(ctx context.Context, address bluetooth.MacAddress) radio.PairingMode {
	if address.IsNil() {
		return radio.Unpaired
	}

	info, ok := c.resolve(ctx, address)
	if !ok {
		return radio.Unpaired
	}

	return pairingStatus(info)
}

func (c *Coordinator) pairOrUnpair(ctx context.Context, address bluetooth.MacAddress, mode radio.PairingMode) error {
	if address.IsNil() {
		return errorkinds.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrPairing, errorkinds.ErrInvalidAddress),
			"pairing:address", ftag.InvalidArgument, "No remote device address was provided",
		)
	}

	info, resolved := c.resolve(ctx, address)

	current := radio.Unpaired
	if resolved {
		current = pairingStatus(info)
	}

	if current == mode {
		c.logger.Debug("Device already in the requested pairing mode", "address", address.String(), "mode", mode.String())
		c.finish(address, mode, metrics.ResultNoop)

		return nil
	}

	if !resolved {
		return errorkinds.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrPairing, errorkinds.ErrResolution),
			"pairing:resolve", ftag.NotFound, "Cannot find the remote device",
			"address", address.String(),
		)
	}

	var err error
	if mode == radio.Unpaired {
		err = c.unpair(ctx, address, info)
	} else {
		err = c.pair(ctx, address, info)
	}
	if err != nil {
		return err
	}

	c.finish(address, mode, metrics.ResultOK)

	return nil
}

// resolve looks up the pairing handle of the remote device, first as a
// classic device and then as a low energy device.
func (c *Coordinator) resolve(ctx context.Context, address bluetooth.MacAddress) (platform.PairingInfo, bool) {
	for _, transport := range []platform.Transport{platform.TransportClassic, platform.TransportLowEnergy} {
		info, err := async.Wait(ctx, c.api.ResolvePairingInfo(address, transport), c.timeouts.Resolve)
		if err == nil && info != nil {
			return info, true
		}

		c.logger.Debug("Cannot resolve the remote device",
			"address", address.String(), "transport", transport.String(), "error", err,
		)
	}

	return nil, false
}

func (c *Coordinator) pair(ctx context.Context, address bluetooth.MacAddress, info platform.PairingInfo) error {
	unsupported := atomic.NewBool(false)

	token := info.OnConfirmationRequested(func(req platform.ConfirmationRequest) {
		if req.Kind != platform.ConfirmOnly {
			unsupported.Store(true)
			c.logger.Error("Unsupported pairing confirmation requested",
				"address", address.String(), "kind", req.Kind.String(),
			)
			req.Reject()

			return
		}

		req.Accept()
	})
	defer info.RemoveConfirmationHandler(token)

	status, err := async.Wait(ctx, info.Pair(platform.ConfirmOnly), c.timeouts.Pair)
	switch {
	case unsupported.Load():
		return errorkinds.Wrap(errorkinds.ErrUnsupportedConfirmation, "pairing:pair", ftag.Internal,
			"The device asked for an unsupported confirmation", "address", address.String(),
		)

	case err != nil:
		return errorkinds.Wrap(errors.Join(errorkinds.ErrPairing, err), "pairing:pair", ftag.Internal,
			"Cannot pair with the device", "address", address.String(),
		)

	case status != platform.PairingStatusPaired:
		return errorkinds.Wrap(fmt.Errorf("%w: status %d", errorkinds.ErrPairing, status), "pairing:pair", ftag.Internal,
			"The device was not paired", "address", address.String(),
		)
	}

	return nil
}

func (c *Coordinator) unpair(ctx context.Context, address bluetooth.MacAddress, info platform.PairingInfo) error {
	status, err := async.Wait(ctx, info.Unpair(), c.timeouts.Unpair)
	if err != nil {
		return errorkinds.Wrap(errors.Join(errorkinds.ErrPairing, err), "pairing:unpair", ftag.Internal,
			"Cannot unpair the device", "address", address.String(),
		)
	}

	if status != platform.UnpairingStatusUnpaired {
		return errorkinds.Wrap(fmt.Errorf("%w: unpairing status %d", errorkinds.ErrPairing, status), "pairing:unpair", ftag.Internal,
			"The device was not unpaired", "address", address.String(),
		)
	}

	return nil
}

func (c *Coordinator) finish(address bluetooth.MacAddress, mode radio.PairingMode, result string) {
	c.metrics.PairingFinished(mode.String(), result)
	c.sink(radio.PairingFinished(address, mode))
}

func (c *Coordinator) fail(address bluetooth.MacAddress, mode radio.PairingMode, err error) {
	result := metrics.ResultError
	if errors.Is(err, errorkinds.ErrOperationTimeout) {
		result = metrics.ResultTimeout
	}

	c.metrics.PairingFinished(mode.String(), result)
	c.logger.Warn("Pairing request failed", "address", address.String(), "mode", mode.String(), "error", err)
	c.sink(radio.PairingError(address, err))
}

// pairingStatus returns the pairing mode of a resolved device.
func pairingStatus(info platform.PairingInfo) radio.PairingMode {
	if !info.IsPaired() {
		return radio.Unpaired
	}

	switch info.ProtectionLevel() {
	case platform.ProtectionEncryption, platform.ProtectionEncryptionAndAuthentication:
		return radio.AuthorizedPaired
	}

	return radio.Paired
}
