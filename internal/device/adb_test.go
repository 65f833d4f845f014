package device

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"device-orchestrator/internal/platform/logger"
)

// fakeRunner answers adb invocations from a table keyed by the joined args.
type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	key := strings.Join(args, " ")
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return []byte(f.outputs[key]), nil
}

func (f *fakeRunner) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestADB(r *fakeRunner) *ADB {
	return NewADB("adb", time.Second, r, logger.Discard())
}

func TestADB_ListDevices(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"devices": "* daemon started successfully\nList of devices attached\nemulator-5554\tdevice\nR58M123\tunauthorized\n192.168.1.5:5555\tdevice\n\n",
	}}
	devices, err := newTestADB(r).ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	want := []Device{
		{Serial: "emulator-5554", Status: "device"},
		{Serial: "192.168.1.5:5555", Status: "device"},
	}
	if !slices.Equal(devices, want) {
		t.Errorf("devices = %+v", devices)
	}
}

func TestADB_ListDevices_error(t *testing.T) {
	r := &fakeRunner{errs: map[string]error{"devices": errors.New("adb not found")}}
	if _, err := newTestADB(r).ListDevices(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestADB_CheckConnection(t *testing.T) {
	r := &fakeRunner{
		outputs: map[string]string{
			"-s dev1 get-state": "device\n",
			"-s dev2 get-state": "offline\n",
		},
		errs: map[string]error{"-s dev3 get-state": errors.New("device 'dev3' not found")},
	}
	a := newTestADB(r)

	tests := []struct {
		name    string
		serial  string
		wantErr error
	}{
		{name: "connected", serial: "dev1"},
		{name: "offline", serial: "dev2", wantErr: ErrDeviceUnavailable},
		{name: "missing", serial: "dev3", wantErr: ErrDeviceUnavailable},
		{name: "option_like_serial", serial: "-d", wantErr: ErrInvalidSerial},
		{name: "empty_serial", serial: "", wantErr: ErrInvalidSerial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.CheckConnection(context.Background(), tt.serial)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestADB_Send(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []string
	}{
		{name: "tap", cmd: Tap{X: 10, Y: 20}, want: []string{"input", "tap", "10", "20"}},
		{name: "long_press", cmd: LongPress(5, 6), want: []string{"input", "swipe", "5", "6", "5", "6", "800"}},
		{name: "key", cmd: KeyEvent{Code: KeyBack}, want: []string{"input", "keyevent", "4"}},
		{
			name: "text_is_one_quoted_argument",
			cmd:  TextInput{Text: "it's a; reboot"},
			want: []string{"input", "text", `'it'\''s%sa;%sreboot'`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{}
			if err := newTestADB(r).Send(context.Background(), "dev1", tt.cmd); err != nil {
				t.Fatalf("Send: %v", err)
			}
			got := r.lastCall()
			want := append([]string{"adb", "-s", "dev1", "shell"}, tt.want...)
			if !slices.Equal(got, want) {
				t.Errorf("argv = %q, want %q", got, want)
			}
		})
	}
}

func TestADB_Send_invalid(t *testing.T) {
	r := &fakeRunner{}
	a := newTestADB(r)
	for _, cmd := range []Command{Tap{X: -1, Y: 0}, KeyEvent{Code: 9999}, TextInput{}, nil} {
		if err := a.Send(context.Background(), "dev1", cmd); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("Send(%#v) = %v, want ErrInvalidCommand", cmd, err)
		}
	}
	if len(r.calls) != 0 {
		t.Errorf("invalid commands must not reach adb, got %v", r.calls)
	}
}

func TestADB_Info(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"-s dev1 shell getprop ro.product.model":         "Pixel 7\n",
		"-s dev1 shell getprop ro.build.version.release": "14\n",
		"-s dev1 shell wm size":                          "Physical size: 1080x2400\nOverride size: 720x1600\n",
		"-s dev1 shell dumpsys battery":                  "Current Battery Service state:\n  AC powered: false\n  level: 87\n  scale: 100\n",
	}}
	info := newTestADB(r).Info(context.Background(), "dev1")
	want := Info{
		ID: "dev1", Serial: "dev1", Model: "Pixel 7", Version: "14",
		Resolution: "720x1600", Battery: 87, State: "device",
	}
	if info != want {
		t.Errorf("info = %+v", info)
	}
}

func TestADB_Info_fallbacks(t *testing.T) {
	r := &fakeRunner{
		outputs: map[string]string{"-s dev1 shell getprop ro.build.version.release": "13"},
		errs: map[string]error{
			"-s dev1 shell getprop ro.product.model": errors.New("closed"),
			"-s dev1 shell wm size":                  errors.New("closed"),
			"-s dev1 shell dumpsys battery":          errors.New("closed"),
		},
	}
	info := newTestADB(r).Info(context.Background(), "dev1")
	if info.Model != "Unknown Device" || info.Resolution != "Unknown" || info.Battery != -1 {
		t.Errorf("expected defaults, got %+v", info)
	}
	if info.Version != "13" {
		t.Errorf("version = %q", info.Version)
	}
}

func TestADB_Screenshot(t *testing.T) {
	png := string(pngMagic) + "IHDR..."
	r := &fakeRunner{outputs: map[string]string{
		"-s dev1 exec-out screencap -p": png,
		"-s dev2 exec-out screencap -p": "error: closed",
	}}
	a := newTestADB(r)

	img, err := a.Screenshot(context.Background(), "dev1")
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(img) != png {
		t.Error("image bytes altered")
	}
	if _, err := a.Screenshot(context.Background(), "dev2"); err == nil {
		t.Error("expected error for non-PNG output")
	}
}
