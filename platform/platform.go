// Package platform describes the radio, device watcher and pairing
// collaborators that a backend provides.
//
// Every operation that may block on hardware returns an async.Operation,
// and every callback may be invoked on an arbitrary goroutine, possibly
// more than once for the same underlying change.
package platform

import (
	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"

	"github.com/darkhz/btlocal/async"
)

// RadioState is the native state of a radio.
type RadioState byte

// The different radio states.
const (
	RadioUnknown RadioState = iota
	RadioOn
	RadioOff
	RadioDisabled
)

// radioStateNames holds names of the radio states.
var radioStateNames = map[RadioState]string{
	RadioUnknown:  "unknown",
	RadioOn:       "on",
	RadioOff:      "off",
	RadioDisabled: "disabled",
}

// String returns the name of the radio state.
func (r RadioState) String() string {
	return radioStateNames[r]
}

// AccessStatus is the outcome of a radio access or state change request.
type AccessStatus byte

// The different access statuses.
const (
	AccessUnspecified AccessStatus = iota
	AccessAllowed
	AccessDeniedByUser
	AccessDeniedBySystem
)

// accessStatusNames holds names of the access statuses.
var accessStatusNames = map[AccessStatus]string{
	AccessUnspecified:    "unspecified",
	AccessAllowed:        "allowed",
	AccessDeniedByUser:   "denied-by-user",
	AccessDeniedBySystem: "denied-by-system",
}

// String returns the name of the access status.
func (a AccessStatus) String() string {
	return accessStatusNames[a]
}

// Token identifies a callback subscription.
type Token string

// Transport selects how a remote device is looked up.
type Transport byte

// The different transports.
const (
	TransportClassic Transport = iota
	TransportLowEnergy
)

// String returns the name of the transport.
func (t Transport) String() string {
	if t == TransportLowEnergy {
		return "low-energy"
	}

	return "classic"
}

// ProtectionLevel is the protection of an established pairing.
type ProtectionLevel byte

// The different protection levels.
const (
	ProtectionNone ProtectionLevel = iota
	ProtectionEncryption
	ProtectionEncryptionAndAuthentication
)

// ConfirmationKind is the kind of user interaction a pairing asks for.
type ConfirmationKind byte

// The different confirmation kinds.
const (
	ConfirmOnly ConfirmationKind = iota
	ConfirmDisplayPin
	ConfirmProvidePin
	ConfirmPinMatch
)

// confirmationKindNames holds names of the confirmation kinds.
var confirmationKindNames = map[ConfirmationKind]string{
	ConfirmOnly:       "confirm-only",
	ConfirmDisplayPin: "display-pin",
	ConfirmProvidePin: "provide-pin",
	ConfirmPinMatch:   "confirm-pin-match",
}

// String returns the name of the confirmation kind.
func (c ConfirmationKind) String() string {
	return confirmationKindNames[c]
}

// ConfirmationRequest is delivered to a confirmation handler during pairing.
// Exactly one of Accept or Reject should be called.
type ConfirmationRequest struct {
	Kind    ConfirmationKind
	Address bluetooth.MacAddress
	Pin     string

	Accept func()
	Reject func()
}

// PairingStatus is the result of a pairing attempt.
type PairingStatus byte

// The different pairing statuses.
const (
	PairingStatusPaired PairingStatus = iota
	PairingStatusAlreadyPaired
	PairingStatusRejected
	PairingStatusFailed
)

// UnpairingStatus is the result of an unpairing attempt.
type UnpairingStatus byte

// The different unpairing statuses.
const (
	UnpairingStatusUnpaired UnpairingStatus = iota
	UnpairingStatusAlreadyUnpaired
	UnpairingStatusFailed
)

// Radio is a live handle to an adapter's radio.
type Radio interface {
	// State returns the current native state of the radio.
	State() RadioState

	// SetState requests a change of the radio's state.
	SetState(state RadioState) async.Operation[AccessStatus]

	// OnStateChanged registers a callback that is invoked with this
	// radio when its state changes.
	OnStateChanged(fn func(Radio)) Token

	// Unsubscribe removes a state change callback.
	Unsubscribe(token Token)
}

// RadioAPI resolves radios and grants access to them.
type RadioAPI interface {
	// ResolveAdapter obtains the radio of the adapter with the provided id.
	ResolveAdapter(adapterID string) async.Operation[Radio]

	// RequestAccess asks the platform for permission to control radios.
	RequestAccess() async.Operation[AccessStatus]
}

// DeviceWatcher reports adapters being added to or removed from the host.
type DeviceWatcher interface {
	OnAdded(fn func(adapterID string)) Token
	OnRemoved(fn func(adapterID string)) Token
	Remove(token Token)
}

// PairingInfo is the pairing handle of a remote device.
type PairingInfo interface {
	IsPaired() bool
	ProtectionLevel() ProtectionLevel

	// Pair starts pairing, accepting confirmations of the provided kind.
	Pair(kind ConfirmationKind) async.Operation[PairingStatus]

	// Unpair removes the pairing.
	Unpair() async.Operation[UnpairingStatus]

	// OnConfirmationRequested registers a handler for confirmations
	// raised during Pair.
	OnConfirmationRequested(fn func(ConfirmationRequest)) Token

	// RemoveConfirmationHandler removes a confirmation handler.
	RemoveConfirmationHandler(token Token)
}

// PairingAPI looks up remote devices for pairing.
type PairingAPI interface {
	ResolvePairingInfo(address bluetooth.MacAddress, transport Transport) async.Operation[PairingInfo]
}

// AdapterInfo describes an adapter known to a backend.
type AdapterInfo struct {
	ID      string
	Name    string
	Address bluetooth.MacAddress
	Powered bool
}

// Platform bundles the collaborators of a backend.
type Platform interface {
	Radios() RadioAPI
	Watcher() DeviceWatcher
	Pairing() PairingAPI

	// Adapters lists the adapters currently present.
	Adapters() ([]AdapterInfo, error)

	// Close releases the backend's resources.
	Close() error
}
