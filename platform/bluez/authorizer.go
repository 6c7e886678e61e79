package bluez

import (
	"errors"
	"fmt"

	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"

	"github.com/darkhz/btlocal/platform"
)

var (
	errRejected         = errors.New("the request was rejected")
	errTransferDisabled = errors.New("file transfers are not accepted")
)

// authorizer answers the authorization requests of the daemon. Pairing
// confirmations are routed to the pairing handle of the device being
// paired; requests for any other device are rejected. Service
// authorizations are handled by the default authorizer.
type authorizer struct {
	p *Platform

	bluetooth.DefaultAuthorizer
}

// newAuthorizer returns a new authorizer.
func newAuthorizer(p *Platform) *authorizer {
	return &authorizer{p: p}
}

// AuthorizeTransfer rejects all incoming file transfers.
func (a *authorizer) AuthorizeTransfer(bluetooth.AuthTimeout, bluetooth.ObjectPushData) error {
	return errTransferDisabled
}

// DisplayPinCode asks for the pincode shown to the user to be confirmed.
func (a *authorizer) DisplayPinCode(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, pincode string) error {
	return a.confirm(timeout, address, platform.ConfirmDisplayPin, pincode)
}

// DisplayPasskey asks for the passkey shown to the user to be confirmed.
// It is called again each time a digit is entered on the remote device,
// only the first call is confirmed.
func (a *authorizer) DisplayPasskey(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, passkey uint32, entered uint16) error {
	if entered > 0 {
		return nil
	}

	return a.confirm(timeout, address, platform.ConfirmDisplayPin, fmt.Sprintf("%06d", passkey))
}

// ConfirmPasskey asks for the passkey to be matched against the remote device.
func (a *authorizer) ConfirmPasskey(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, passkey uint32) error {
	return a.confirm(timeout, address, platform.ConfirmPinMatch, fmt.Sprintf("%06d", passkey))
}

// AuthorizePairing asks for the pairing to be confirmed.
func (a *authorizer) AuthorizePairing(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress) error {
	return a.confirm(timeout, address, platform.ConfirmOnly, "")
}

func (a *authorizer) confirm(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, kind platform.ConfirmationKind, pin string) error {
	defer timeout.Cancel()

	info, ok := a.p.pending.Load(address)
	if !ok {
		a.p.logger.Warn("Rejecting a pairing that was not requested", "address", address.String(), "kind", kind.String())
		return errRejected
	}

	if !info.confirm(timeout, kind, pin) {
		info.rejected.Store(true)
		return errRejected
	}

	return nil
}
