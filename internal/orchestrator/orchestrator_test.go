package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"espflash/internal/config"
	"espflash/internal/firmware"
	"espflash/internal/manifest"
)

type fakeTransport struct {
	mu          sync.Mutex
	dtr         []bool
	disconnects int
}

func (t *fakeTransport) SetDTR(level bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dtr = append(t.dtr, level)
	return nil
}

func (t *fakeTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	return nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

type fakeFlasher struct {
	connectErr error
	writeErr   error
	written    []firmware.WriteRequest
}

func (f *fakeFlasher) Connect(context.Context) error { return f.connectErr }
func (f *fakeFlasher) ChipName() string              { return "ESP32" }

func (f *fakeFlasher) WriteFlash(_ context.Context, req firmware.WriteRequest) error {
	f.written = append(f.written, req)
	for i, img := range req.Images {
		for n := 0; n < len(img.Data); n += 10 {
			req.OnProgress(i, n, len(img.Data))
		}
		req.OnProgress(i, len(img.Data), len(img.Data))
	}
	return f.writeErr
}

type resettingFlasher struct {
	fakeFlasher
	resets int
}

func (f *resettingFlasher) HardReset(context.Context) error {
	f.resets++
	return nil
}

type fakeDriver struct {
	transports []*fakeTransport
	flasher    DeviceFlasher
	openErr    error
	bauds      []int
}

func (d *fakeDriver) Open(_ context.Context, port string) (Transport, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	t := &fakeTransport{}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDriver) NewFlasher(_ Transport, baud int) (DeviceFlasher, error) {
	d.bauds = append(d.bauds, baud)
	return d.flasher, nil
}

type resolverFunc func(ctx context.Context, chip string) (firmware.Manifest, error)

func (f resolverFunc) Resolve(ctx context.Context, chip string) (firmware.Manifest, error) {
	return f(ctx, chip)
}

func staticManifest(m firmware.Manifest) manifest.Resolver {
	return resolverFunc(func(context.Context, string) (firmware.Manifest, error) {
		out := make(firmware.Manifest, len(m))
		copy(out, m)
		return out, nil
	})
}

type recordingConsole struct {
	mu    sync.Mutex
	lines []string
}

func (c *recordingConsole) Log(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *recordingConsole) contains(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func newTestOrchestrator(d *fakeDriver, r manifest.Resolver, c *recordingConsole) *Orchestrator {
	o := New(Options{
		Driver:    d,
		Resolver:  r,
		Console:   c,
		Flash:     firmware.DefaultOptions(),
		BaudRates: config.Default().BaudRates,
	})
	o.sleep = func(time.Duration) {}
	return o
}

var twoImages = firmware.Manifest{
	{Address: 0x10000, Data: make([]byte, 95), Name: "app.bin"},
	{Address: 0x1000, Data: make([]byte, 40), Name: "bootloader.bin"},
}

func TestConnectAndDisconnect(t *testing.T) {
	d := &fakeDriver{flasher: &fakeFlasher{}}
	o := newTestOrchestrator(d, staticManifest(nil), &recordingConsole{})

	info, err := o.Connect(context.Background(), StaticPort("/dev/ttyUSB0"), "esp32")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if o.State() != Connected {
		t.Fatalf("state = %v, want connected", o.State())
	}
	if info.Port != "/dev/ttyUSB0" || info.Chip != "ESP32" || info.ID == "" {
		t.Errorf("session = %+v", info)
	}
	if info.BaudRate != 921600 {
		t.Errorf("baud = %d, want 921600", info.BaudRate)
	}
	if c := o.Controls(); c.ConnectLabel != "Disconnect" || !c.FlashEnabled {
		t.Errorf("controls = %+v", c)
	}

	if err := o.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := o.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	if o.State() != Idle {
		t.Errorf("state = %v, want idle", o.State())
	}
	if n := d.transports[0].count(); n != 1 {
		t.Errorf("transport disconnected %d times, want 1", n)
	}
	if _, ok := o.Session(); ok {
		t.Error("session still present after disconnect")
	}
}

func TestConnectConstrainedBaud(t *testing.T) {
	d := &fakeDriver{flasher: &fakeFlasher{}}
	o := newTestOrchestrator(d, staticManifest(nil), &recordingConsole{})
	info, err := o.Connect(context.Background(), StaticPort("COM3"), "esp32c3")
	if err != nil {
		t.Fatal(err)
	}
	if info.BaudRate != 115200 || d.bauds[0] != 115200 {
		t.Errorf("baud = %d, want 115200", info.BaudRate)
	}
}

func TestConnectReplacesSession(t *testing.T) {
	d := &fakeDriver{flasher: &fakeFlasher{}}
	o := newTestOrchestrator(d, staticManifest(nil), &recordingConsole{})
	ctx := context.Background()

	first, err := o.Connect(ctx, StaticPort("a"), "esp32")
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Connect(ctx, StaticPort("b"), "esp32")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Error("reconnect reused the session id")
	}
	if n := d.transports[0].count(); n != 1 {
		t.Errorf("first transport disconnected %d times, want 1", n)
	}
	if n := d.transports[1].count(); n != 0 {
		t.Errorf("second transport disconnected %d times, want 0", n)
	}
}

func TestConnectFailures(t *testing.T) {
	cases := []struct {
		name    string
		sel     PortSelector
		driver  *fakeDriver
		wantMsg string
	}{
		{
			name:    "no port",
			sel:     StaticPort(""),
			driver:  &fakeDriver{flasher: &fakeFlasher{}},
			wantMsg: "no serial port selected",
		},
		{
			name: "selection cancelled",
			sel: PortSelectorFunc(func(context.Context) (string, error) {
				return "", errors.New("user cancelled")
			}),
			driver:  &fakeDriver{flasher: &fakeFlasher{}},
			wantMsg: "user cancelled",
		},
		{
			name:    "open fails",
			sel:     StaticPort("COM1"),
			driver:  &fakeDriver{openErr: errors.New("port busy")},
			wantMsg: "port busy",
		},
		{
			name:    "handshake fails",
			sel:     StaticPort("COM1"),
			driver:  &fakeDriver{flasher: &fakeFlasher{connectErr: errors.New("failed to sync")}},
			wantMsg: "failed to sync",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &recordingConsole{}
			o := newTestOrchestrator(tc.driver, staticManifest(nil), c)
			_, err := o.Connect(context.Background(), tc.sel, "esp32")
			var ce *ConnectError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want *ConnectError", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tc.wantMsg)
			}
			if o.State() != Idle {
				t.Errorf("state = %v, want idle", o.State())
			}
			for i, tr := range tc.driver.transports {
				if n := tr.count(); n != 1 {
					t.Errorf("transport %d disconnected %d times, want 1", i, n)
				}
			}
			if !c.contains(tc.wantMsg) {
				t.Errorf("console did not report %q", tc.wantMsg)
			}
		})
	}
}

func TestFlashSuccess(t *testing.T) {
	f := &resettingFlasher{}
	d := &fakeDriver{flasher: f}
	c := &recordingConsole{}
	o := newTestOrchestrator(d, staticManifest(twoImages), c)
	ctx := context.Background()

	if _, err := o.Connect(ctx, StaticPort("COM1"), "esp32"); err != nil {
		t.Fatal(err)
	}
	run := o.Flash(ctx, "esp32")
	var events []Progress
	for p := range run.Events() {
		events = append(events, p)
	}
	if err := run.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if o.State() != Idle {
		t.Errorf("state = %v, want idle", o.State())
	}
	if n := d.transports[0].count(); n != 1 {
		t.Errorf("transport disconnected %d times, want 1", n)
	}
	if f.resets != 1 {
		t.Errorf("HardReset called %d times, want 1", f.resets)
	}
	if len(d.transports[0].dtr) != 0 {
		t.Errorf("DTR toggled although flasher resets itself: %v", d.transports[0].dtr)
	}

	req := f.written[0]
	if req.Images[0].Address != 0x1000 || req.Images[1].Address != 0x10000 {
		t.Errorf("images not sorted: 0x%X, 0x%X", req.Images[0].Address, req.Images[1].Address)
	}
	if req.Options != firmware.DefaultOptions() {
		t.Errorf("options = %+v", req.Options)
	}

	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	seen := map[[2]int]bool{}
	for _, p := range events {
		key := [2]int{p.FileIndex, p.Percent}
		if seen[key] {
			t.Errorf("duplicate progress event %+v", p)
		}
		seen[key] = true
		if p.Files != 2 {
			t.Errorf("Files = %d, want 2", p.Files)
		}
	}
	if last := events[len(events)-1]; last.FileIndex != 1 || last.Percent != 100 {
		t.Errorf("last event = %+v", last)
	}
	if !c.contains("Reconnect for the next operation") {
		t.Error("missing completion message")
	}
}

func TestFlashDTRFallbackReset(t *testing.T) {
	d := &fakeDriver{flasher: &fakeFlasher{}}
	o := newTestOrchestrator(d, staticManifest(twoImages), &recordingConsole{})
	ctx := context.Background()
	if _, err := o.Connect(ctx, StaticPort("COM1"), "esp32"); err != nil {
		t.Fatal(err)
	}
	if err := o.Flash(ctx, "esp32").Wait(); err != nil {
		t.Fatal(err)
	}
	tr := d.transports[0]
	if len(tr.dtr) != 2 || !tr.dtr[0] || tr.dtr[1] {
		t.Errorf("DTR sequence = %v, want [true false]", tr.dtr)
	}
	if tr.count() != 1 {
		t.Errorf("transport disconnected %d times, want 1", tr.count())
	}
}

func TestFlashFailuresReleaseDevice(t *testing.T) {
	fetchErr := &manifest.ManifestFetchError{URL: "http://x/api/firmware/esp32", StatusCode: 404}
	cases := []struct {
		name     string
		resolver manifest.Resolver
		flasher  *fakeFlasher
		check    func(t *testing.T, err error)
	}{
		{
			name: "manifest",
			resolver: resolverFunc(func(context.Context, string) (firmware.Manifest, error) {
				return nil, fetchErr
			}),
			flasher: &fakeFlasher{},
			check: func(t *testing.T, err error) {
				var me *manifest.ManifestFetchError
				if !errors.As(err, &me) {
					t.Errorf("error = %v, want *ManifestFetchError", err)
				}
			},
		},
		{
			name:     "write",
			resolver: staticManifest(twoImages),
			flasher:  &fakeFlasher{writeErr: errors.New("timeout waiting for response")},
			check: func(t *testing.T, err error) {
				var we *FlashWriteError
				if !errors.As(err, &we) {
					t.Errorf("error = %v, want *FlashWriteError", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDriver{flasher: tc.flasher}
			c := &recordingConsole{}
			o := newTestOrchestrator(d, tc.resolver, c)
			ctx := context.Background()
			if _, err := o.Connect(ctx, StaticPort("COM1"), "esp32"); err != nil {
				t.Fatal(err)
			}
			err := o.Flash(ctx, "esp32").Wait()
			if err == nil {
				t.Fatal("Wait() succeeded, want error")
			}
			tc.check(t, err)
			if o.State() != Idle {
				t.Errorf("state = %v, want idle", o.State())
			}
			if n := d.transports[0].count(); n != 1 {
				t.Errorf("transport disconnected %d times, want 1", n)
			}
			if !c.contains("Flashing failed") {
				t.Error("failure not reported to console")
			}
			if err := o.Disconnect(); err != nil {
				t.Errorf("Disconnect() after failure error = %v", err)
			}
			if n := d.transports[0].count(); n != 1 {
				t.Errorf("transport disconnected %d times after extra Disconnect, want 1", n)
			}
		})
	}
}

func TestFlashNotConnected(t *testing.T) {
	c := &recordingConsole{}
	o := newTestOrchestrator(&fakeDriver{}, staticManifest(twoImages), c)
	err := o.Flash(context.Background(), "esp32").Wait()
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	if o.State() != Idle {
		t.Errorf("state = %v, want idle", o.State())
	}
	if !c.contains("device not connected") {
		t.Error("console did not report missing connection")
	}
}

func TestBusyDuringFlash(t *testing.T) {
	release := make(chan struct{})
	resolver := resolverFunc(func(ctx context.Context, _ string) (firmware.Manifest, error) {
		<-release
		return append(firmware.Manifest(nil), twoImages...), nil
	})
	d := &fakeDriver{flasher: &fakeFlasher{}}
	var states []State
	var mu sync.Mutex
	o := New(Options{
		Driver:    d,
		Resolver:  resolver,
		BaudRates: config.Default().BaudRates,
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	o.sleep = func(time.Duration) {}
	ctx := context.Background()
	if _, err := o.Connect(ctx, StaticPort("COM1"), "esp32"); err != nil {
		t.Fatal(err)
	}
	run := o.Flash(ctx, "esp32")

	if err := o.Disconnect(); !errors.Is(err, ErrBusy) {
		t.Errorf("Disconnect() during flash error = %v, want ErrBusy", err)
	}
	if _, err := o.Connect(ctx, StaticPort("COM2"), "esp32"); !errors.Is(err, ErrBusy) {
		t.Errorf("Connect() during flash error = %v, want ErrBusy", err)
	}
	if c := o.Controls(); c.ConnectEnabled || c.FlashEnabled {
		t.Errorf("controls during flash = %+v", c)
	}
	close(release)
	if err := run.Wait(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Connecting, Connected, Flashing, Idle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states = %v, want %v", states, want)
			break
		}
	}
}

func TestProgressThrottle(t *testing.T) {
	var got []Progress
	th := newProgressThrottle(1, func(p Progress) { got = append(got, p) })
	for n := 0; n <= 1000; n++ {
		th.report(0, n, 1000)
	}
	if len(got) != 101 {
		t.Errorf("got %d events, want 101", len(got))
	}
	th.report(1, 0, 0)
	if last := got[len(got)-1]; last.FileIndex != 1 || last.Percent != 100 {
		t.Errorf("empty file percent = %d, want 100", last.Percent)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Idle: "idle", Connecting: "connecting", Connected: "connected", Flashing: "flashing", State(9): "State(9)",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
