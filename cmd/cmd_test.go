package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/urfave/cli/v2"

	"github.com/darkhz/btlocal/platform"
	"github.com/darkhz/btlocal/platform/simulated"
	"github.com/darkhz/btlocal/radio"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	var out bytes.Buffer

	a := newApp()
	a.Writer = &out
	a.ErrWriter = &out
	a.ExitErrHandler = func(*cli.Context, error) {}

	err := a.Run(append([]string{"btlocal", "--simulate"}, args...))

	return out.String(), err
}

func TestAdaptersCommand(t *testing.T) {
	out, err := runApp(t, "adapters")
	if err != nil {
		t.Fatalf("adapters error = %v", err)
	}

	if !strings.Contains(out, simulated.DefaultAdapterID) || !strings.Contains(out, "btlocal-sim") {
		t.Errorf("adapters output = %q, want the simulated adapter", out)
	}
}

func TestStatusCommand(t *testing.T) {
	out, err := runApp(t, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}

	if !strings.Contains(out, "Connectable") {
		t.Errorf("status output = %q, want the adapter to be connectable", out)
	}
}

func TestPowerCommand(t *testing.T) {
	if _, err := runApp(t, "power", "off"); err != nil {
		t.Fatalf("power off error = %v", err)
	}

	if _, err := runApp(t, "power", "sideways"); err == nil {
		t.Error("power with an unknown mode returned no error")
	}

	if _, err := runApp(t, "power"); err == nil {
		t.Error("power without a mode returned no error")
	}
}

func TestUnknownAdapter(t *testing.T) {
	if _, err := runApp(t, "--adapter", "hci9", "status"); err == nil {
		t.Error("status with an unknown adapter returned no error")
	}
}

func TestPairCommandArguments(t *testing.T) {
	if _, err := runApp(t, "pair"); err == nil {
		t.Error("pair without an address returned no error")
	}

	if _, err := runApp(t, "pair", "AA:BB"); err == nil {
		t.Error("pair with an invalid address returned no error")
	}
}

func TestPrintAdapters(t *testing.T) {
	var out bytes.Buffer

	printAdapters(&out, []platform.AdapterInfo{
		{ID: "00:11:22:33:44:55", Name: "hci0", Powered: true},
		{ID: "66:77:88:99:AA:BB", Name: "hci10"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("printAdapters() printed %d lines, want 3:\n%s", len(lines), out.String())
	}

	column := strings.Index(lines[0], "ADDRESS")
	for _, line := range lines[1:] {
		if strings.Index(line, "00:11") != column && strings.Index(line, "66:77") != column {
			t.Errorf("line %q is not aligned to column %d", line, column)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	address, err := bluetooth.ParseMAC("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		ev   radio.Event
		want []string
	}{
		{
			ev:   radio.PowerStateChanged("00:11:22:33:44:55", radio.PoweredOff),
			want: []string{"Power State Changed", "[00:11:22:33:44:55]", "Powered Off"},
		},
		{
			ev:   radio.AdapterDisappeared("00:11:22:33:44:55"),
			want: []string{"Adapter Disappeared"},
		},
		{
			ev:   radio.PairingFinished(address, radio.AuthorizedPaired),
			want: []string{"Pairing Finished", "AA:BB:CC:DD:EE:FF is authorized"},
		},
		{
			ev:   radio.PairingError(address, errors.New("rejected")),
			want: []string{"Error", "(AA:BB:CC:DD:EE:FF)", ": rejected"},
		},
	}

	for _, tt := range tests {
		got := formatEvent(tt.ev)

		for _, want := range tt.want {
			if !strings.Contains(got, want) {
				t.Errorf("formatEvent(%s) = %q, want it to contain %q", tt.ev.Kind, got, want)
			}
		}
	}
}
