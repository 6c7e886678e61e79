// Package radio holds the data types shared between the adapter registry,
// the pairing coordinator and the device facade.
package radio

import (
	"strings"

	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
)

// PowerState is the simplified projection of an adapter's native radio state.
type PowerState byte

// The different power states.
const (
	PowerUnknown PowerState = iota // The zero value for this type.
	PoweredOff
	Connectable
)

// powerStateNames holds names of the power states.
var powerStateNames = map[PowerState]string{
	PowerUnknown: "unknown",
	PoweredOff:   "powered-off",
	Connectable:  "connectable",
}

// String returns the name of the power state.
func (p PowerState) String() string {
	if name, ok := powerStateNames[p]; ok {
		return name
	}

	return powerStateNames[PowerUnknown]
}

// HostMode is the mode an application asks an adapter to be in.
// Platforms only distinguish "off" from "on", so every mode other
// than HostPoweredOff is adjusted to Connectable.
type HostMode byte

// The different host modes.
const (
	HostPoweredOff HostMode = iota
	HostConnectable
	HostDiscoverable
	HostDiscoverableLimitedInquiry
)

// hostModeNames holds names of the host modes.
var hostModeNames = map[HostMode]string{
	HostPoweredOff:                 "off",
	HostConnectable:                "connectable",
	HostDiscoverable:               "discoverable",
	HostDiscoverableLimitedInquiry: "discoverable-limited",
}

// String returns the name of the host mode.
func (h HostMode) String() string {
	return hostModeNames[h]
}

// Adjust returns the power state the platform can actually put the adapter in.
func (h HostMode) Adjust() PowerState {
	if h == HostPoweredOff {
		return PoweredOff
	}

	return Connectable
}

// ParseHostMode parses a host mode name. "on" is accepted as an alias
// for "connectable".
func ParseHostMode(s string) (HostMode, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "on" {
		return HostConnectable, true
	}

	for mode, name := range hostModeNames {
		if name == s {
			return mode, true
		}
	}

	return HostPoweredOff, false
}

// PairingMode describes the pairing relationship with a remote device.
type PairingMode byte

// The different pairing modes.
const (
	Unpaired PairingMode = iota
	Paired
	AuthorizedPaired
)

// pairingModeNames holds names of the pairing modes.
var pairingModeNames = map[PairingMode]string{
	Unpaired:         "unpaired",
	Paired:           "paired",
	AuthorizedPaired: "authorized",
}

// String returns the name of the pairing mode.
func (p PairingMode) String() string {
	return pairingModeNames[p]
}

// ParsePairingMode parses a pairing mode name.
func ParsePairingMode(s string) (PairingMode, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for mode, name := range pairingModeNames {
		if name == s {
			return mode, true
		}
	}

	return Unpaired, false
}

// EventKind represents the kind of a notification.
type EventKind byte

// The different kinds of notifications.
const (
	EventNone EventKind = iota // The zero value for this type.
	EventPowerStateChanged
	EventAdapterAppeared
	EventAdapterDisappeared
	EventPairingFinished
	EventError
)

// eventNames holds names of different events.
var eventNames = map[EventKind]string{
	EventNone:               "",
	EventPowerStateChanged:  "power_state_changed",
	EventAdapterAppeared:    "adapter_appeared",
	EventAdapterDisappeared: "adapter_disappeared",
	EventPairingFinished:    "pairing_finished",
	EventError:              "error",
}

// String returns the name of the event kind.
func (e EventKind) String() string {
	return eventNames[e]
}

// Event is a notification delivered to device facades.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	AdapterID string

	State PowerState

	Address bluetooth.MacAddress
	Mode    PairingMode

	Err error
}

// PowerStateChanged returns a power state change notification.
func PowerStateChanged(adapterID string, state PowerState) Event {
	return Event{Kind: EventPowerStateChanged, AdapterID: adapterID, State: state}
}

// AdapterAppeared returns an adapter appeared notification.
func AdapterAppeared(adapterID string) Event {
	return Event{Kind: EventAdapterAppeared, AdapterID: adapterID}
}

// AdapterDisappeared returns an adapter disappeared notification.
func AdapterDisappeared(adapterID string) Event {
	return Event{Kind: EventAdapterDisappeared, AdapterID: adapterID}
}

// PairingFinished returns a pairing finished notification.
func PairingFinished(address bluetooth.MacAddress, mode PairingMode) Event {
	return Event{Kind: EventPairingFinished, Address: address, Mode: mode}
}

// Error returns an error notification.
func Error(adapterID string, err error) Event {
	return Event{Kind: EventError, AdapterID: adapterID, Err: err}
}

// PairingError returns an error notification for a failed pairing request.
func PairingError(address bluetooth.MacAddress, err error) Event {
	return Event{Kind: EventError, Address: address, Err: err}
}
