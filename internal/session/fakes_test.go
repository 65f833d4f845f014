package session

import (
	"context"
	"sync"
	"time"

	"device-orchestrator/internal/capture"
	"device-orchestrator/internal/device"
	"device-orchestrator/internal/platform/logger"
	"device-orchestrator/internal/ports"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeCaptures struct {
	mu       sync.Mutex
	running  map[string]capture.Handle
	starts   []string
	stops    int
	stopAlls int
	nextPid  int
	startErr error
	onStart  func()
	block    chan struct{}
	started  chan struct{}
}

func newFakeCaptures() *fakeCaptures {
	return &fakeCaptures{running: make(map[string]capture.Handle), nextPid: 1000}
}

func (f *fakeCaptures) Start(_ context.Context, key, serial string, port int) (capture.Handle, error) {
	f.mu.Lock()
	f.starts = append(f.starts, serial)
	onStart, block, started, startErr := f.onStart, f.block, f.started, f.startErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if onStart != nil {
		onStart()
	}
	if startErr != nil {
		return capture.Handle{}, startErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	h := capture.Handle{SessionID: key, Serial: serial, Port: port, Pid: f.nextPid}
	f.running[key] = h
	return h, nil
}

func (f *fakeCaptures) Stop(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[key]; ok {
		f.stops++
		delete(f.running, key)
	}
	return nil
}

func (f *fakeCaptures) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAlls++
	clear(f.running)
}

func (f *fakeCaptures) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeCaptures) handle(key string) (capture.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.running[key]
	return h, ok
}

type fakeStreams struct {
	mu      sync.Mutex
	streams map[string]string // device -> key
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{streams: make(map[string]string)}
}

func (f *fakeStreams) Register(deviceID string, _ int, key string) {
	f.mu.Lock()
	f.streams[deviceID] = key
	f.mu.Unlock()
}

func (f *fakeStreams) Unregister(deviceID, key string) {
	f.mu.Lock()
	if f.streams[deviceID] == key {
		delete(f.streams, deviceID)
	}
	f.mu.Unlock()
}

func (f *fakeStreams) has(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.streams[deviceID]
	return ok
}

type fakeDevices struct {
	mu      sync.Mutex
	offline map[string]bool
	sent    []device.Command
	sentTo  []string
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{offline: make(map[string]bool)}
}

func (f *fakeDevices) CheckConnection(_ context.Context, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[serial] {
		return device.ErrDeviceUnavailable
	}
	return nil
}

func (f *fakeDevices) Info(_ context.Context, serial string) device.Info {
	return device.Info{ID: serial, Serial: serial, Model: "Pixel 7", Version: "14", Resolution: "1080x2400", Battery: 80, State: "device"}
}

func (f *fakeDevices) Send(_ context.Context, serial string, cmd device.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	f.sentTo = append(f.sentTo, serial)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
}

func (n *recordingNotifier) Notify(m Message) {
	n.mu.Lock()
	n.msgs = append(n.msgs, m)
	n.mu.Unlock()
}

func (n *recordingNotifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func (n *recordingNotifier) messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.msgs...)
}

func (n *recordingNotifier) last() Message {
	msgs := n.messages()
	if len(msgs) == 0 {
		return Message{}
	}
	return msgs[len(msgs)-1]
}

type harness struct {
	pool     *ports.Pool
	captures *fakeCaptures
	streams  *fakeStreams
	devices  *fakeDevices
	clock    *fakeClock
	registry *Registry
}

func newHarness(poolSize int, cfg Config) *harness {
	h := &harness{
		pool:     ports.NewPool(100, poolSize),
		captures: newFakeCaptures(),
		streams:  newFakeStreams(),
		devices:  newFakeDevices(),
		clock:    newFakeClock(),
	}
	h.registry = NewRegistry(cfg, Deps{
		Ports:    h.pool,
		Captures: h.captures,
		Streams:  h.streams,
		Devices:  h.devices,
		Log:      logger.Discard(),
	})
	h.registry.now = h.clock.Now
	return h
}

func (h *harness) session(userID string) (*Session, *recordingNotifier) {
	s, _, err := h.registry.GetOrCreate(userID)
	if err != nil {
		panic(err)
	}
	n := &recordingNotifier{}
	s.Attach(n)
	return s, n
}
