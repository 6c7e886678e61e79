package bluez

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ac "github.com/bluetuith-org/bluetooth-classic/api/appfeatures"
	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/bluetuith-org/bluetooth-classic/api/config"
	"github.com/bluetuith-org/bluetooth-classic/api/platforminfo"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/darkhz/btlocal/async"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/platform"
)

const (
	adapterAddress = "00:1A:7D:DA:71:13"
	classicAddress = "AC:DE:48:00:11:22"
	leAddress      = "F0:99:B6:12:34:56"
)

type fakeSession struct {
	mu       sync.Mutex
	auth     bluetooth.SessionAuthorizer
	adapters map[bluetooth.MacAddress]*fakeAdapter
	devices  map[bluetooth.MacAddress]*fakeDevice
	stopped  bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		adapters: make(map[bluetooth.MacAddress]*fakeAdapter),
		devices:  make(map[bluetooth.MacAddress]*fakeDevice),
	}
}

func (s *fakeSession) Start(auth bluetooth.SessionAuthorizer, _ config.Configuration) (*ac.FeatureSet, platforminfo.PlatformInfo, error) {
	s.auth = auth
	return nil, platforminfo.PlatformInfo{}, nil
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	return nil
}

func (s *fakeSession) Adapters() ([]bluetooth.AdapterData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var adapters []bluetooth.AdapterData
	for _, a := range s.adapters {
		adapters = append(adapters, a.data())
	}

	return adapters, nil
}

func (s *fakeSession) Adapter(address bluetooth.MacAddress) bluetooth.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.adapters[address]; ok {
		return a
	}

	return &fakeAdapter{missing: true}
}

func (s *fakeSession) Device(address bluetooth.MacAddress) bluetooth.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.devices[address]; ok {
		return d
	}

	return &fakeDevice{missing: true}
}

func (s *fakeSession) Obex(bluetooth.MacAddress) bluetooth.Obex { return nil }

func (s *fakeSession) Network(bluetooth.MacAddress) bluetooth.Network { return nil }

func (s *fakeSession) MediaPlayer(bluetooth.MacAddress) bluetooth.MediaPlayer { return nil }

func (s *fakeSession) addAdapter(t *testing.T, address, name string, powered bool) *fakeAdapter {
	t.Helper()

	a := &fakeAdapter{address: mustParse(t, address), name: name, powered: powered}

	s.mu.Lock()
	s.adapters[a.address] = a
	s.mu.Unlock()

	return a
}

func (s *fakeSession) addDevice(t *testing.T, address string, class uint32) *fakeDevice {
	t.Helper()

	d := &fakeDevice{s: s, address: mustParse(t, address), class: class}

	s.mu.Lock()
	s.devices[d.address] = d
	s.mu.Unlock()

	return d
}

type fakeAdapter struct {
	mu       sync.Mutex
	address  bluetooth.MacAddress
	name     string
	powered  bool
	powerErr error
	missing  bool
}

func (a *fakeAdapter) data() bluetooth.AdapterData {
	return bluetooth.AdapterData{
		UniqueName:       a.name,
		AdapterEventData: bluetooth.AdapterEventData{Address: a.address, Powered: a.powered},
	}
}

func (a *fakeAdapter) StartDiscovery() error { return nil }
func (a *fakeAdapter) StopDiscovery() error { return nil }
func (a *fakeAdapter) SetDiscoverableState(bool) error { return nil }
func (a *fakeAdapter) SetPairableState(bool) error { return nil }
func (a *fakeAdapter) Devices() ([]bluetooth.DeviceData, error) { return nil, nil }

func (a *fakeAdapter) SetPoweredState(enable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.powerErr != nil {
		return a.powerErr
	}
	a.powered = enable

	return nil
}

func (a *fakeAdapter) Properties() (bluetooth.AdapterData, error) {
	if a.missing {
		return bluetooth.AdapterData{}, errors.New("adapter not found")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.data(), nil
}

type fakeDevice struct {
	s       *fakeSession
	mu      sync.Mutex
	address bluetooth.MacAddress
	class   uint32
	paired  bool
	bonded  bool
	missing bool

	// asks selects the authorization requested by Pair.
	asks    platform.ConfirmationKind
	removed bool
}

func (d *fakeDevice) Pair() error {
	var err error

	timeout := bluetooth.NewAuthTimeout(time.Second)
	switch d.asks {
	case platform.ConfirmPinMatch:
		err = d.s.auth.ConfirmPasskey(timeout, d.address, 123456)
	case platform.ConfirmDisplayPin:
		err = d.s.auth.DisplayPinCode(timeout, d.address, "0000")
	default:
		err = d.s.auth.AuthorizePairing(timeout, d.address)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.paired, d.bonded = true, true
	d.mu.Unlock()

	return nil
}

func (d *fakeDevice) CancelPairing() error { return nil }
func (d *fakeDevice) Connect() error { return nil }
func (d *fakeDevice) Disconnect() error { return nil }
func (d *fakeDevice) ConnectProfile(uuid.UUID) error { return nil }
func (d *fakeDevice) DisconnectProfile(uuid.UUID) error { return nil }
func (d *fakeDevice) SetTrusted(bool) error { return nil }
func (d *fakeDevice) SetBlocked(bool) error { return nil }

func (d *fakeDevice) Remove() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paired, d.bonded, d.removed = false, false, true

	return nil
}

func (d *fakeDevice) Properties() (bluetooth.DeviceData, error) {
	if d.missing {
		return bluetooth.DeviceData{}, errors.New("device not found")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return bluetooth.DeviceData{
		Class: d.class,
		DeviceEventData: bluetooth.DeviceEventData{
			Address: d.address,
			Paired:  d.paired,
			Bonded:  d.bonded,
		},
	}, nil
}

func mustParse(t *testing.T, s string) bluetooth.MacAddress {
	t.Helper()

	address, err := bluetooth.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q) error = %v", s, err)
	}

	return address
}

func start(t *testing.T) (*Platform, *fakeSession) {
	t.Helper()

	s := newFakeSession()

	p, err := Start(s, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })

	return p, s
}

func wait[T any](t *testing.T, op async.Operation[T]) (T, error) {
	t.Helper()

	return async.Wait(context.Background(), op, 2*time.Second)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition was not met in time")
		}

		time.Sleep(2 * time.Millisecond)
	}
}

func TestAdapters(t *testing.T) {
	p, s := start(t)
	s.addAdapter(t, "00:00:00:00:00:02", "hci1", false)
	s.addAdapter(t, adapterAddress, "hci0", true)

	adapters, err := p.Adapters()
	if err != nil {
		t.Fatalf("Adapters() error = %v", err)
	}

	if len(adapters) != 2 || adapters[0].Name != "hci1" || adapters[1].ID != adapterAddress || !adapters[1].Powered {
		t.Errorf("Adapters() = %+v, want hci1 then a powered hci0", adapters)
	}
}

func TestResolveAdapter(t *testing.T) {
	p, s := start(t)
	s.addAdapter(t, adapterAddress, "hci0", true)

	r, err := wait(t, p.ResolveAdapter(adapterAddress))
	if err != nil {
		t.Fatalf("ResolveAdapter() error = %v", err)
	}
	if r.State() != platform.RadioOn {
		t.Errorf("State() = %s, want on", r.State())
	}

	if _, err := wait(t, p.ResolveAdapter("00:00:00:00:00:09")); !errors.Is(err, errorkinds.ErrResolution) {
		t.Errorf("ResolveAdapter(missing) error = %v, want %v", err, errorkinds.ErrResolution)
	}
	if _, err := wait(t, p.ResolveAdapter("hci0")); !errors.Is(err, errorkinds.ErrInvalidAddress) {
		t.Errorf("ResolveAdapter(hci0) error = %v, want %v", err, errorkinds.ErrInvalidAddress)
	}
}

func TestStateUpdates(t *testing.T) {
	p, s := start(t)
	s.addAdapter(t, adapterAddress, "hci0", true)

	r, err := wait(t, p.ResolveAdapter(adapterAddress))
	if err != nil {
		t.Fatalf("ResolveAdapter() error = %v", err)
	}

	changes := make(chan platform.RadioState, 4)
	token := r.OnStateChanged(func(r platform.Radio) { changes <- r.State() })

	address := mustParse(t, adapterAddress)
	bluetooth.AdapterEvents().PublishUpdated(bluetooth.AdapterEventData{Address: address, Powered: false})

	select {
	case state := <-changes:
		if state != platform.RadioOff {
			t.Errorf("state = %s, want off", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("state change was not delivered")
	}

	r.Unsubscribe(token)
	if _, ok := p.radios.Load(r.(*Radio)); ok {
		t.Error("radio without callbacks is still tracked")
	}
}

func TestAdapterAddedAndRemoved(t *testing.T) {
	p, s := start(t)
	s.addAdapter(t, adapterAddress, "hci0", true)

	added := make(chan string, 1)
	removed := make(chan string, 1)
	p.OnAdded(func(id string) { added <- id })
	p.OnRemoved(func(id string) { removed <- id })

	r, err := wait(t, p.ResolveAdapter(adapterAddress))
	if err != nil {
		t.Fatalf("ResolveAdapter() error = %v", err)
	}
	r.OnStateChanged(func(platform.Radio) {})

	address := mustParse(t, adapterAddress)
	bluetooth.AdapterEvents().PublishAdded(bluetooth.AdapterData{
		AdapterEventData: bluetooth.AdapterEventData{Address: address},
	})

	select {
	case id := <-added:
		if id != adapterAddress {
			t.Errorf("added id = %s, want %s", id, adapterAddress)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("added callback was not invoked")
	}

	bluetooth.AdapterEvents().PublishRemoved(bluetooth.AdapterEventData{Address: address})

	select {
	case id := <-removed:
		if id != adapterAddress {
			t.Errorf("removed id = %s, want %s", id, adapterAddress)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("removed callback was not invoked")
	}

	if r.State() != platform.RadioUnknown {
		t.Errorf("State() = %s, want unknown for a removed adapter", r.State())
	}
	if _, err := wait(t, r.SetState(platform.RadioOff)); !errors.Is(err, errorkinds.ErrAdapterUnavailable) {
		t.Errorf("SetState() error = %v, want %v", err, errorkinds.ErrAdapterUnavailable)
	}
}

func TestSetState(t *testing.T) {
	tests := []struct {
		name     string
		powerErr error
		want     platform.AccessStatus
		wantErr  bool
	}{
		{name: "allowed", want: platform.AccessAllowed},
		{name: "blocked", powerErr: dbus.Error{Name: "org.bluez.Error.Blocked"}, want: platform.AccessDeniedBySystem},
		{name: "not authorized", powerErr: dbus.Error{Name: "org.bluez.Error.NotAuthorized"}, want: platform.AccessDeniedByUser},
		{name: "failed", powerErr: dbus.Error{Name: "org.bluez.Error.Failed"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s := start(t)
			a := s.addAdapter(t, adapterAddress, "hci0", true)
			a.powerErr = tt.powerErr

			r, err := wait(t, p.ResolveAdapter(adapterAddress))
			if err != nil {
				t.Fatalf("ResolveAdapter() error = %v", err)
			}

			status, err := wait(t, r.SetState(platform.RadioOff))
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetState() error = %v, want error %t", err, tt.wantErr)
			}
			if !tt.wantErr && status != tt.want {
				t.Errorf("SetState() = %s, want %s", status, tt.want)
			}

			if tt.powerErr == nil && a.powered {
				t.Error("adapter is still powered")
			}
		})
	}
}

func TestResolvePairingInfo(t *testing.T) {
	p, s := start(t)
	s.addDevice(t, classicAddress, 0x240404)
	s.addDevice(t, leAddress, 0)

	tests := []struct {
		address   string
		transport platform.Transport
		ok        bool
	}{
		{classicAddress, platform.TransportClassic, true},
		{classicAddress, platform.TransportLowEnergy, false},
		{leAddress, platform.TransportClassic, false},
		{leAddress, platform.TransportLowEnergy, true},
		{"11:22:33:44:55:66", platform.TransportClassic, false},
	}

	for _, tt := range tests {
		_, err := wait(t, p.ResolvePairingInfo(mustParse(t, tt.address), tt.transport))
		if (err == nil) != tt.ok {
			t.Errorf("ResolvePairingInfo(%s, %s) error = %v, want success %t", tt.address, tt.transport, err, tt.ok)
		}
		if err != nil && !errors.Is(err, errorkinds.ErrResolution) {
			t.Errorf("ResolvePairingInfo(%s, %s) error = %v, want %v", tt.address, tt.transport, err, errorkinds.ErrResolution)
		}
	}
}

func TestPair(t *testing.T) {
	tests := []struct {
		name     string
		asks     platform.ConfirmationKind
		handler  bool
		accept   bool
		want     platform.PairingStatus
		wantKind platform.ConfirmationKind
	}{
		{name: "confirmed", asks: platform.ConfirmOnly, handler: true, accept: true, want: platform.PairingStatusPaired},
		{name: "rejected by handler", asks: platform.ConfirmOnly, handler: true, want: platform.PairingStatusRejected},
		{name: "passkey delivered", asks: platform.ConfirmPinMatch, handler: true, want: platform.PairingStatusRejected, wantKind: platform.ConfirmPinMatch},
		{name: "accepted kind without handler", asks: platform.ConfirmOnly, want: platform.PairingStatusPaired},
		{name: "other kind without handler", asks: platform.ConfirmDisplayPin, want: platform.PairingStatusRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s := start(t)
			d := s.addDevice(t, classicAddress, 0x240404)
			d.asks = tt.asks

			info, err := wait(t, p.ResolvePairingInfo(d.address, platform.TransportClassic))
			if err != nil {
				t.Fatalf("ResolvePairingInfo() error = %v", err)
			}

			kinds := make(chan platform.ConfirmationKind, 1)
			if tt.handler {
				info.OnConfirmationRequested(func(req platform.ConfirmationRequest) {
					kinds <- req.Kind
					if tt.accept && req.Kind == platform.ConfirmOnly {
						req.Accept()
						return
					}

					req.Reject()
				})
			}

			status, err := wait(t, info.Pair(platform.ConfirmOnly))
			if err != nil {
				t.Fatalf("Pair() error = %v", err)
			}
			if status != tt.want {
				t.Errorf("Pair() = %d, want %d", status, tt.want)
			}

			if tt.handler {
				if kind := <-kinds; kind != tt.wantKind {
					t.Errorf("confirmation kind = %s, want %s", kind, tt.wantKind)
				}
			}
			if _, ok := p.pending.Load(d.address); ok {
				t.Error("device still marked as being paired")
			}
		})
	}
}

func TestPairAlreadyPaired(t *testing.T) {
	p, s := start(t)
	d := s.addDevice(t, classicAddress, 0x240404)
	d.paired, d.bonded = true, true

	info, err := wait(t, p.ResolvePairingInfo(d.address, platform.TransportClassic))
	if err != nil {
		t.Fatalf("ResolvePairingInfo() error = %v", err)
	}
	if !info.IsPaired() || info.ProtectionLevel() != platform.ProtectionEncryption {
		t.Errorf("IsPaired() = %t, ProtectionLevel() = %d, want an encrypted pairing", info.IsPaired(), info.ProtectionLevel())
	}

	if status, _ := wait(t, info.Pair(platform.ConfirmOnly)); status != platform.PairingStatusAlreadyPaired {
		t.Errorf("Pair() = %d, want already paired", status)
	}
}

func TestUnpair(t *testing.T) {
	p, s := start(t)
	d := s.addDevice(t, classicAddress, 0x240404)
	d.paired = true

	info, err := wait(t, p.ResolvePairingInfo(d.address, platform.TransportClassic))
	if err != nil {
		t.Fatalf("ResolvePairingInfo() error = %v", err)
	}

	status, err := wait(t, info.Unpair())
	if err != nil || status != platform.UnpairingStatusUnpaired {
		t.Fatalf("Unpair() = (%d, %v), want unpaired", status, err)
	}
	if !d.removed {
		t.Error("device was not removed")
	}

	info, _ = wait(t, p.ResolvePairingInfo(d.address, platform.TransportClassic))
	if status, _ := wait(t, info.Unpair()); status != platform.UnpairingStatusAlreadyUnpaired {
		t.Errorf("Unpair() = %d, want already unpaired", status)
	}
}

func TestAuthorizer(t *testing.T) {
	p, _ := start(t)
	address := mustParse(t, classicAddress)

	if err := p.auth.AuthorizePairing(bluetooth.NewAuthTimeout(time.Second), address); err == nil {
		t.Error("AuthorizePairing() accepted a pairing that was not requested")
	}
	if err := p.auth.AuthorizeTransfer(bluetooth.NewAuthTimeout(time.Second), bluetooth.ObjectPushData{}); err == nil {
		t.Error("AuthorizeTransfer() accepted a file transfer")
	}
	if err := p.auth.AuthorizeService(bluetooth.NewAuthTimeout(time.Second), address, uuid.New()); err != nil {
		t.Errorf("AuthorizeService() error = %v", err)
	}
	if err := p.auth.DisplayPasskey(bluetooth.NewAuthTimeout(time.Second), address, 1234, 2); err != nil {
		t.Errorf("DisplayPasskey() with entered digits error = %v", err)
	}
}

func TestClose(t *testing.T) {
	p, s := start(t)
	s.addAdapter(t, adapterAddress, "hci0", true)

	r, err := wait(t, p.ResolveAdapter(adapterAddress))
	if err != nil {
		t.Fatalf("ResolveAdapter() error = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitFor(t, func() bool { return r.State() == platform.RadioUnknown })

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		t.Error("session was not stopped")
	}
}
