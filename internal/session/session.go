package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"device-orchestrator/internal/capture"
	"device-orchestrator/internal/device"

	"github.com/google/uuid"
)

const (
	maxHistory    = 10
	recentHistory = 5

	// DefaultIdleTimeout is how long a session may go without activity
	// before it is considered idle.
	DefaultIdleTimeout = 5 * time.Minute
)

// HistoryEntry records a device the session switched to.
type HistoryEntry struct {
	DeviceSerial string    `json:"deviceSerial"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stats are the session's switch counters.
type Stats struct {
	SwitchCount       int       `json:"switchCount"`
	AverageSwitchTime int64     `json:"averageSwitchTime"` // milliseconds
	LastSwitchTime    time.Time `json:"lastSwitchTime,omitzero"`
}

// Info is the client-facing summary of a session.
type Info struct {
	UserID        string         `json:"userId"`
	SessionID     string         `json:"sessionId"`
	CurrentDevice string         `json:"currentDevice,omitempty"`
	AssignedPort  int            `json:"assignedPort,omitempty"`
	Status        State          `json:"status"`
	LastActivity  time.Time      `json:"lastActivity"`
	Uptime        int64          `json:"uptime"` // milliseconds since the last switch
	DeviceHistory []HistoryEntry `json:"deviceHistory"`
	Stats         Stats          `json:"stats"`
}

// Status is the detailed admin view of a session.
type Status struct {
	Info
	SwitchingInProgress bool           `json:"switchingInProgress"`
	SwitchProgress      int            `json:"switchProgress"`
	SwitchMessage       string         `json:"switchMessage,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	HasClient           bool           `json:"hasWebSocket"`
	IsActive            bool           `json:"isActive"`
	IsIdle              bool           `json:"isIdle"`
	CreatedAt           time.Time      `json:"createdAt"`
	FullDeviceHistory   []HistoryEntry `json:"fullDeviceHistory"`
}

// Session is one client's slot: at most one device lease (device, port and
// capture process) plus bookkeeping. The userID is the lease key for the port
// pool, the capture supervisor and the relay.
//
// Switches are serialized by the switching flag: a second switch while one
// runs is a no-op. ops is held for the whole of any operation that changes the
// lease, so disconnect and cleanup wait for a running switch to finish. Capture
// exits reported while ops is held are queued and applied when it is released.
// A closed session has been removed from the registry and never takes a lease
// again.
type Session struct {
	id        string
	userID    string
	createdAt time.Time
	deps      *Deps
	log       *slog.Logger
	now       func() time.Time

	switching atomic.Bool
	ops       sync.Mutex

	mu             sync.Mutex
	state          State
	device         string
	port           int
	pid            int
	history        []HistoryEntry
	stats          Stats
	avgSwitch      time.Duration
	lastActivity   time.Time
	switchProgress int
	switchMessage  string
	lastError      string
	notifier       Notifier
	closed         bool
	pendingExits   []capture.ExitEvent
}

func newSession(userID string, deps *Deps, now func() time.Time) *Session {
	id := uuid.NewString()
	t := now()
	return &Session{
		id:           id,
		userID:       userID,
		createdAt:    t,
		deps:         deps,
		log:          deps.Log.With(slog.String("user_id", userID), slog.String("session_id", id)),
		now:          now,
		state:        StateIdle,
		lastActivity: t,
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentDevice returns the leased device serial and port, if any.
func (s *Session) CurrentDevice() (serial string, port int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.port, s.device != ""
}

// Attach makes n the session's client, replacing any earlier one.
func (s *Session) Attach(n Notifier) {
	s.mu.Lock()
	prev := s.notifier
	s.notifier = n
	s.lastActivity = s.now()
	s.mu.Unlock()
	if prev != nil && prev != n {
		prev.Close()
	}
}

// Detach removes n if it is still the attached client.
func (s *Session) Detach(n Notifier) {
	s.mu.Lock()
	if s.notifier == n {
		s.notifier = nil
	}
	s.mu.Unlock()
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// IsIdle reports whether the session has been inactive for longer than
// timeout.
func (s *Session) IsIdle(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isIdleLocked(timeout)
}

func (s *Session) isIdleLocked(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return s.now().Sub(s.lastActivity) > timeout
}

// Notify sends msg to the attached client, if any.
func (s *Session) Notify(msg Message) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.Notify(msg)
	}
}

// SwitchToDevice moves the session's lease to target. It returns false with a
// nil error when the request is a no-op: a switch is already running or
// target is the current device. On failure the session ends in StateError
// with no device leased; the previous lease is not restored.
func (s *Session) SwitchToDevice(ctx context.Context, target string) (bool, error) {
	return s.switchTo(ctx, target, false)
}

// Reconnect re-runs the switch for the current device.
func (s *Session) Reconnect(ctx context.Context) (bool, error) {
	s.mu.Lock()
	dev, closed := s.device, s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrSessionNotFound
	}
	if dev == "" {
		return false, ErrNoActiveDevice
	}
	return s.switchTo(ctx, dev, true)
}

func (s *Session) switchTo(ctx context.Context, target string, force bool) (bool, error) {
	if target == "" {
		return false, ErrDeviceRequired
	}
	if !s.switching.CompareAndSwap(false, true) {
		s.log.Debug("switch ignored", slog.String("device", target), slog.Any("reason", ErrSwitchInProgress))
		s.deps.Metrics.ObserveSwitch("noop", 0)
		return false, nil
	}
	defer s.switching.Store(false)

	s.ops.Lock()
	defer s.unlockOps()

	start := s.now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionNotFound
	}
	if !force && s.device == target {
		s.mu.Unlock()
		s.deps.Metrics.ObserveSwitch("noop", 0)
		return false, nil
	}
	prev := s.device
	if prev == "" {
		s.state = StateConnecting
	} else {
		s.state = StateSwitching
	}
	s.lastError = ""
	s.lastActivity = start
	s.mu.Unlock()

	log := s.log.With(slog.String("device", target))
	log.Info("switching device", slog.String("previous", prev))

	s.progress(10, "preparing device switch")

	s.progress(40, "disconnecting current device")
	if prev != "" {
		s.teardown()
	}

	s.progress(60, "allocating port")
	port, err := s.deps.Ports.Allocate(s.userID)
	if err != nil {
		return false, s.failSwitch(log, target, fmt.Errorf("allocate port: %w", err))
	}
	log = log.With(slog.Int("port", port))

	s.progress(80, "connecting to device")
	if err := s.deps.Devices.CheckConnection(ctx, target); err != nil {
		s.deps.Ports.Release(s.userID)
		return false, s.failSwitch(log, target, err)
	}
	handle, err := s.deps.Captures.Start(ctx, s.userID, target, port)
	if err != nil {
		s.deps.Ports.Release(s.userID)
		return false, s.failSwitch(log, target, err)
	}
	s.deps.Streams.Register(target, port, s.userID)

	info := s.deps.Devices.Info(ctx, target)
	d := s.now().Sub(start)

	s.mu.Lock()
	s.device = target
	s.port = port
	s.pid = handle.Pid
	s.pushHistoryLocked(target, start)
	s.stats.SwitchCount++
	s.stats.LastSwitchTime = start
	if s.avgSwitch == 0 {
		s.avgSwitch = d
	} else {
		s.avgSwitch = (s.avgSwitch + d) / 2
	}
	s.stats.AverageSwitchTime = s.avgSwitch.Milliseconds()
	s.state = StateConnected
	s.lastActivity = s.now()
	s.switchProgress = 100
	s.switchMessage = "switch complete"
	sessionInfo := s.infoLocked()
	s.mu.Unlock()

	s.deps.Metrics.ObserveSwitch("success", d)
	log.Info("device switched", slog.Duration("duration", d))
	s.Notify(Message{
		Type:        TypeDeviceSwitched,
		Device:      &info,
		Progress:    100,
		SessionInfo: &sessionInfo,
	})
	return true, nil
}

func (s *Session) progress(pct int, msg string) {
	s.mu.Lock()
	s.switchProgress = pct
	s.switchMessage = msg
	s.mu.Unlock()
	s.Notify(Message{Type: TypeProgress, Progress: pct, Message: msg})
}

// failSwitch leaves the session in StateError with nothing leased. Caller
// holds ops and has already released any port taken by this switch.
func (s *Session) failSwitch(log *slog.Logger, target string, err error) error {
	if stopErr := s.deps.Captures.Stop(s.userID); stopErr != nil {
		log.Warn("stop capture after failed switch", slog.Any("error", stopErr))
	}

	s.mu.Lock()
	s.state = StateError
	s.device = ""
	s.port = 0
	s.pid = 0
	s.lastError = err.Error()
	s.switchProgress = 0
	s.switchMessage = ""
	s.mu.Unlock()

	s.deps.Metrics.ObserveSwitch("failure", 0)
	log.Warn("device switch failed", slog.Any("error", err))
	s.Notify(Message{Type: TypeSwitchError, Message: fmt.Sprintf("switch to %s failed: %v", target, err)})
	return err
}

// teardown ends the current lease: the stream is unregistered, the capture
// process stopped and the port released. Caller holds ops.
func (s *Session) teardown() error {
	s.mu.Lock()
	dev := s.device
	s.device = ""
	s.port = 0
	s.pid = 0
	s.mu.Unlock()

	if dev != "" {
		s.deps.Streams.Unregister(dev, s.userID)
	}
	err := s.deps.Captures.Stop(s.userID)
	s.deps.Ports.Release(s.userID)
	if err != nil {
		s.log.Warn("stop capture process", slog.String("device", dev), slog.Any("error", err))
		return fmt.Errorf("stop capture for %s: %w", dev, err)
	}
	if dev != "" {
		s.log.Info("lease released", slog.String("device", dev))
	}
	return nil
}

// Disconnect ends the current lease, if any, and moves the session to
// StateDisconnected. It waits for a running switch to finish first.
func (s *Session) Disconnect() error {
	s.ops.Lock()
	defer s.unlockOps()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionNotFound
	}

	err := s.teardown()
	s.mu.Lock()
	s.state = StateDisconnected
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.Notify(Message{Type: TypeDisconnected, Message: "device disconnected"})
	return err
}

// Cleanup closes the session: the lease ends, the client connection is closed
// and every later lease-taking operation fails with ErrSessionNotFound.
func (s *Session) Cleanup() {
	s.close(true, 0)
}

// close is Cleanup for the registry. Unless force is set, a session that is no
// longer idle by the time ops is acquired is left open. It reports whether the
// session is closed on return.
func (s *Session) close(force bool, idleTimeout time.Duration) bool {
	s.ops.Lock()
	defer s.unlockOps()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if !force && !s.isIdleLocked(idleTimeout) {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.teardown(); err != nil {
		s.log.Error("cleanup session", slog.Any("error", err))
	}
	s.mu.Lock()
	s.state = StateDisconnected
	n := s.notifier
	s.notifier = nil
	s.mu.Unlock()
	if n != nil {
		n.Close()
	}
	s.log.Info("session cleaned up")
	return true
}

// ControlCommand forwards cmd to the leased device. serial may be empty; when
// set it must match the leased device.
func (s *Session) ControlCommand(ctx context.Context, serial string, cmd device.Command) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.state != StateConnected || s.device == "" {
		s.mu.Unlock()
		return ErrNoActiveDevice
	}
	dev := s.device
	s.mu.Unlock()

	if serial != "" && serial != dev {
		return fmt.Errorf("%w: %s", ErrDeviceMismatch, serial)
	}
	if err := s.deps.Devices.Send(ctx, dev, cmd); err != nil {
		return err
	}
	s.Touch()
	return nil
}

// Heartbeat records activity and answers with a HEARTBEAT message.
func (s *Session) Heartbeat() {
	s.mu.Lock()
	t := s.now()
	s.lastActivity = t
	info := s.infoLocked()
	s.mu.Unlock()
	s.Notify(Message{Type: TypeHeartbeat, Timestamp: t.UnixMilli(), SessionInfo: &info})
}

// handleCaptureExit reacts to the capture process of the current lease
// exiting on its own. The event is queued and applied by whoever holds ops,
// so it never blocks behind a running switch.
func (s *Session) handleCaptureExit(ev capture.ExitEvent) {
	s.mu.Lock()
	s.pendingExits = append(s.pendingExits, ev)
	s.mu.Unlock()
	if s.ops.TryLock() {
		s.unlockOps()
	}
}

// unlockOps applies queued capture exits and releases ops. An exit queued
// after the release is picked up here too unless another holder of ops will
// see it.
func (s *Session) unlockOps() {
	for {
		s.mu.Lock()
		pending := s.pendingExits
		s.pendingExits = nil
		s.mu.Unlock()
		for _, ev := range pending {
			s.applyCaptureExit(ev)
		}
		s.ops.Unlock()

		s.mu.Lock()
		more := len(s.pendingExits) > 0
		s.mu.Unlock()
		if !more || !s.ops.TryLock() {
			return
		}
	}
}

// applyCaptureExit releases the lease the exited process belonged to. Events
// from an older lease are ignored. Caller holds ops.
func (s *Session) applyCaptureExit(ev capture.ExitEvent) {
	s.mu.Lock()
	if s.device != ev.Serial || s.port != ev.Port || s.pid != ev.Pid {
		s.mu.Unlock()
		return
	}
	s.device = ""
	s.port = 0
	s.pid = 0
	s.state = StateError
	s.lastError = "capture process exited unexpectedly"
	s.mu.Unlock()

	s.deps.Streams.Unregister(ev.Serial, s.userID)
	s.deps.Ports.Release(s.userID)
	s.log.Warn("capture process crashed, lease released", slog.String("device", ev.Serial), slog.Int("pid", ev.Pid))
	s.Notify(Message{Type: TypeError, Message: fmt.Sprintf("connection to %s was lost", ev.Serial)})
}

// Info returns the client-facing summary.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	info := Info{
		UserID:        s.userID,
		SessionID:     s.id,
		CurrentDevice: s.device,
		AssignedPort:  s.port,
		Status:        s.state,
		LastActivity:  s.lastActivity,
		DeviceHistory: append([]HistoryEntry{}, s.history[:min(recentHistory, len(s.history))]...),
		Stats:         s.stats,
	}
	if !s.stats.LastSwitchTime.IsZero() {
		info.Uptime = s.now().Sub(s.stats.LastSwitchTime).Milliseconds()
	}
	return info
}

// Status returns the detailed admin view, judging idleness against
// idleTimeout.
func (s *Session) Status(idleTimeout time.Duration) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := s.isIdleLocked(idleTimeout)
	return Status{
		Info:                s.infoLocked(),
		SwitchingInProgress: s.switching.Load(),
		SwitchProgress:      s.switchProgress,
		SwitchMessage:       s.switchMessage,
		LastError:           s.lastError,
		HasClient:           s.notifier != nil,
		IsActive:            s.state == StateConnected && s.device != "" && !idle,
		IsIdle:              idle,
		CreatedAt:           s.createdAt,
		FullDeviceHistory:   append([]HistoryEntry{}, s.history...),
	}
}

// History returns the full device history, most recent first.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry{}, s.history...)
}

// SwitchStats returns the switch counters and the smoothed switch duration.
func (s *Session) SwitchStats() (Stats, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.avgSwitch
}

func (s *Session) pushHistoryLocked(serial string, at time.Time) {
	h := make([]HistoryEntry, 0, maxHistory)
	h = append(h, HistoryEntry{DeviceSerial: serial, Timestamp: at})
	for _, e := range s.history {
		if e.DeviceSerial != serial && len(h) < maxHistory {
			h = append(h, e)
		}
	}
	s.history = h
}
