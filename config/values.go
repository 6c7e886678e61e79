package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"

	"github.com/darkhz/btlocal/pairing"
	"github.com/darkhz/btlocal/platform"
	"github.com/darkhz/btlocal/radio"
	"github.com/darkhz/btlocal/registry"
)

// Values describes the possible configuration values that a user can
// modify and supply to the application.
type Values struct {
	Adapter             string `koanf:"adapter"`
	Simulate            bool   `koanf:"simulate"`
	LogLevel            string `koanf:"log-level"`
	LogFormat           string `koanf:"log-format"`
	MetricsAddress      string `koanf:"metrics-address"`
	ResubscribeAttempts int    `koanf:"resubscribe-attempts"`
	ResubscribeDelay    string `koanf:"resubscribe-delay"`
	ResolveTimeout      string `koanf:"resolve-timeout"`
	PairTimeout         string `koanf:"pair-timeout"`
	UnpairTimeout       string `koanf:"unpair-timeout"`
	HostMode            string `koanf:"host-mode"`
	PairAddress         string `koanf:"pair-address"`
	PairMode            string `koanf:"pair-mode"`

	Level           slog.Level
	Retry           registry.RetryPolicy
	Timeouts        pairing.Timeouts
	Mode            radio.HostMode
	ModeSet         bool
	Address         bluetooth.MacAddress
	Pairing         radio.PairingMode
	SelectedAdapter platform.AdapterInfo
}

// validateValues validates all configuration values.
func (v *Values) validateValues() error {
	for _, validate := range []func() error{
		v.validateLogging,
		v.validateMetricsAddress,
		v.validateRetry,
		v.validateTimeouts,
		v.validateHostMode,
		v.validatePairAddress,
		v.validatePairMode,
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

// validateAdapter validates if the adapter specified by the user exists.
// The first adapter is selected if none was specified.
func (v *Values) validateAdapter(adapters func() ([]platform.AdapterInfo, error)) error {
	list, err := adapters()
	if err != nil {
		return fmt.Errorf("no adapters were found: %w", err)
	}

	if len(list) == 0 {
		return fmt.Errorf("no adapters were found")
	}

	if v.Adapter == "" {
		v.SelectedAdapter = list[0]
		return nil
	}

	for _, adapter := range list {
		if adapter.Name == v.Adapter || strings.EqualFold(adapter.ID, v.Adapter) {
			v.SelectedAdapter = adapter
			return nil
		}
	}

	return fmt.Errorf("%s: The adapter does not exist", v.Adapter)
}

// validateLogging validates the log level and format.
func (v *Values) validateLogging() error {
	switch strings.ToLower(strings.TrimSpace(v.LogLevel)) {
	case "debug":
		v.Level = slog.LevelDebug

	case "", "info":
		v.Level = slog.LevelInfo

	case "warn", "warning":
		v.Level = slog.LevelWarn

	case "error":
		v.Level = slog.LevelError

	default:
		return fmt.Errorf("provided log level '%s' is incorrect.\nValid levels are 'debug, info, warn, error'", v.LogLevel)
	}

	switch v.LogFormat {
	case "":
		v.LogFormat = "text"

	case "text", "json":

	default:
		return fmt.Errorf("provided log format '%s' is incorrect.\nValid formats are 'text, json'", v.LogFormat)
	}

	return nil
}

// validateMetricsAddress validates the address the metrics are served on.
func (v *Values) validateMetricsAddress() error {
	if v.MetricsAddress == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(v.MetricsAddress); err != nil {
		return fmt.Errorf("invalid metrics address %s: %w", v.MetricsAddress, err)
	}

	return nil
}

// validateRetry validates the resubscription policy of the registry.
func (v *Values) validateRetry() error {
	v.Retry = registry.DefaultRetryPolicy()

	if v.ResubscribeAttempts < 0 {
		return fmt.Errorf("resubscribe attempts cannot be negative: %d", v.ResubscribeAttempts)
	}
	if v.ResubscribeAttempts > 0 {
		v.Retry.MaxAttempts = v.ResubscribeAttempts
	}

	return parseDuration("resubscribe-delay", v.ResubscribeDelay, &v.Retry.Delay)
}

// validateTimeouts validates the timeouts of the pairing steps.
// The resolve timeout also bounds the registry's platform calls.
func (v *Values) validateTimeouts() error {
	v.Timeouts = pairing.DefaultTimeouts()

	for _, timeout := range []struct {
		name, value string
		dest        *time.Duration
	}{
		{"resolve-timeout", v.ResolveTimeout, &v.Timeouts.Resolve},
		{"pair-timeout", v.PairTimeout, &v.Timeouts.Pair},
		{"unpair-timeout", v.UnpairTimeout, &v.Timeouts.Unpair},
	} {
		if err := parseDuration(timeout.name, timeout.value, timeout.dest); err != nil {
			return err
		}
	}

	return nil
}

// validateHostMode validates the host mode the adapter is put in on launch.
func (v *Values) validateHostMode() error {
	if v.HostMode == "" {
		return nil
	}

	mode, ok := radio.ParseHostMode(v.HostMode)
	if !ok {
		return fmt.Errorf(
			"provided host mode '%s' is incorrect.\nValid modes are 'on, off, connectable, discoverable, discoverable-limited'",
			v.HostMode,
		)
	}

	v.Mode, v.ModeSet = mode, true

	return nil
}

// validatePairAddress validates the address of the device to be paired.
func (v *Values) validatePairAddress() error {
	if v.PairAddress == "" {
		return nil
	}

	address, err := bluetooth.ParseMAC(v.PairAddress)
	if err != nil {
		return fmt.Errorf("invalid address format: %s", v.PairAddress)
	}

	v.Address = address

	return nil
}

// validatePairMode validates the requested pairing mode.
func (v *Values) validatePairMode() error {
	if v.PairMode == "" {
		v.Pairing = radio.Paired
		return nil
	}

	mode, ok := radio.ParsePairingMode(v.PairMode)
	if !ok {
		return fmt.Errorf(
			"provided pairing mode '%s' is incorrect.\nValid modes are 'paired, authorized, unpaired'",
			v.PairMode,
		)
	}

	v.Pairing = mode

	return nil
}

func parseDuration(name, value string, dest *time.Duration) error {
	if value == "" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fmt.Errorf("provided %s '%s' is not a valid positive duration", name, value)
	}

	*dest = d

	return nil
}
