package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"device-orchestrator/internal/capture"
	"device-orchestrator/internal/device"
	"device-orchestrator/internal/platform/logger"
	"device-orchestrator/internal/ports"
	"device-orchestrator/internal/relay"
	"device-orchestrator/internal/session"

	"github.com/go-chi/chi/v5"
)

var pngImage = []byte("\x89PNG\r\n\x1a\nimage")

type fakeDevices struct {
	mu      sync.Mutex
	serials []string
	offline map[string]bool
	sent    []device.Command
}

func newFakeDevices(serials ...string) *fakeDevices {
	return &fakeDevices{serials: serials, offline: make(map[string]bool)}
}

func (f *fakeDevices) ListDevices(context.Context) ([]device.Device, error) {
	out := make([]device.Device, 0, len(f.serials))
	for _, s := range f.serials {
		out = append(out, device.Device{Serial: s, Status: "device"})
	}
	return out, nil
}

func (f *fakeDevices) Info(_ context.Context, serial string) device.Info {
	return device.Info{ID: serial, Serial: serial, Model: "Pixel " + serial, State: "device", Battery: 80}
}

func (f *fakeDevices) Screenshot(context.Context, string) ([]byte, error) {
	return pngImage, nil
}

func (f *fakeDevices) CheckConnection(_ context.Context, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[serial] {
		return device.ErrDeviceUnavailable
	}
	return nil
}

func (f *fakeDevices) Send(_ context.Context, _ string, cmd device.Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeDevices) commands() []device.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Command(nil), f.sent...)
}

type fakeCaptures struct {
	mu      sync.Mutex
	running map[string]capture.Handle
	nextPid int
}

func newFakeCaptures() *fakeCaptures {
	return &fakeCaptures{running: make(map[string]capture.Handle), nextPid: 4000}
}

func (f *fakeCaptures) Start(_ context.Context, key, serial string, port int) (capture.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	h := capture.Handle{SessionID: key, Serial: serial, Port: port, Pid: f.nextPid, StartedAt: time.Now(), ReadyAt: time.Now()}
	f.running[key] = h
	return h, nil
}

func (f *fakeCaptures) Stop(key string) error {
	f.mu.Lock()
	delete(f.running, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeCaptures) StopAll() {
	f.mu.Lock()
	clear(f.running)
	f.mu.Unlock()
}

func (f *fakeCaptures) Snapshot() []capture.ProcessInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]capture.ProcessInfo, 0, len(f.running))
	for _, h := range f.running {
		out = append(out, capture.ProcessInfo{Handle: h, Ready: true, Running: true})
	}
	return out
}

type testEnv struct {
	handler  *Handler
	router   *chi.Mux
	registry *session.Registry
	devices  *fakeDevices
	captures *fakeCaptures
	streams  *relay.Relay
	pool     *ports.Pool
}

func newTestEnv(t *testing.T, maxSessions int) *testEnv {
	t.Helper()
	log := logger.Discard()
	env := &testEnv{
		devices:  newFakeDevices("emulator-5554", "emulator-5556"),
		captures: newFakeCaptures(),
		streams:  relay.New("127.0.0.1", time.Second, log, nil),
		pool:     ports.NewPool(27183, 4),
	}
	env.registry = session.NewRegistry(session.Config{MaxSessions: maxSessions}, session.Deps{
		Ports:    env.pool,
		Captures: env.captures,
		Streams:  env.streams,
		Devices:  env.devices,
		Log:      log,
	})
	env.handler = NewHandler(env.registry, env.devices, env.streams, env.captures, log, "X-User-ID")
	env.router = chi.NewRouter()
	env.handler.Routes(env.router)
	t.Cleanup(env.registry.Shutdown)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}
