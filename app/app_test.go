package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/metrics"
	"github.com/darkhz/btlocal/pairing"
	"github.com/darkhz/btlocal/platform/simulated"
	"github.com/darkhz/btlocal/radio"
)

func TestRegistryIsShared(t *testing.T) {
	sim := simulated.NewDefault()
	a := NewWithPlatform(sim, Options{Metrics: metrics.New()})
	defer a.Close()

	if a.reg != nil {
		t.Fatal("registry created before first use")
	}

	reg := a.Registry()
	if a.Registry() != reg {
		t.Error("Registry() returned two registries")
	}

	first := a.Open(context.Background(), simulated.DefaultAdapterID, nil)
	second := a.Open(context.Background(), simulated.DefaultAdapterID, nil)
	defer first.Close()
	defer second.Close()

	snap, ok := reg.Snapshot(simulated.DefaultAdapterID)
	if !ok || snap.Clients != 2 {
		t.Errorf("Snapshot() = (%+v, %t), want two clients", snap, ok)
	}
}

func TestOpen(t *testing.T) {
	a, err := New(Options{Simulate: true, PairingTimeouts: pairing.DefaultTimeouts()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	events := make(chan radio.Event, 8)
	d := a.Open(context.Background(), simulated.DefaultAdapterID, func(ev radio.Event) { events <- ev })
	defer d.Close()

	if !d.IsValid() || d.HostMode() != radio.Connectable {
		t.Fatalf("IsValid() = %t, HostMode() = %s, want a valid connectable facade", d.IsValid(), d.HostMode())
	}

	if err := d.SetHostMode(context.Background(), radio.HostPoweredOff); err != nil {
		t.Fatalf("SetHostMode() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != radio.EventPowerStateChanged || ev.State != radio.PoweredOff {
			t.Errorf("event = %+v, want powered-off", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("power state change was not delivered")
	}
}

func TestAdapter(t *testing.T) {
	sim := simulated.NewDefault()
	a := NewWithPlatform(sim, Options{})
	defer a.Close()

	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{id: "", want: simulated.DefaultAdapterID},
		{id: simulated.DefaultAdapterID, want: simulated.DefaultAdapterID},
		{id: "btlocal-sim", want: simulated.DefaultAdapterID},
		{id: "hci9", wantErr: true},
	}

	for _, tt := range tests {
		adapter, err := a.Adapter(tt.id)
		if tt.wantErr {
			if !errors.Is(err, errorkinds.ErrUnknownAdapter) {
				t.Errorf("Adapter(%q) error = %v, want %v", tt.id, err, errorkinds.ErrUnknownAdapter)
			}

			continue
		}

		if err != nil || adapter.ID != tt.want {
			t.Errorf("Adapter(%q) = (%+v, %v), want %s", tt.id, adapter, err, tt.want)
		}
	}
}

func TestClose(t *testing.T) {
	sim := simulated.NewDefault()
	a := NewWithPlatform(sim, Options{})

	d := a.Open(context.Background(), simulated.DefaultAdapterID, nil)
	d.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if sim.WatcherCallbacks() != 0 {
		t.Errorf("WatcherCallbacks() = %d after Close, want 0", sim.WatcherCallbacks())
	}
}

func TestOpenConcurrentWithClose(t *testing.T) {
	sim := simulated.NewDefault()
	a := NewWithPlatform(sim, Options{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			d := a.Open(context.Background(), simulated.DefaultAdapterID, nil)
			d.Close()
		}()
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	wg.Wait()

	// A facade opened after Close is never valid.
	d := a.Open(context.Background(), simulated.DefaultAdapterID, nil)
	defer d.Close()

	if d.IsValid() {
		t.Error("facade opened after Close is valid")
	}
}
