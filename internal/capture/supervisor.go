package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"device-orchestrator/internal/platform/guard"
	"device-orchestrator/internal/platform/metrics"
)

const (
	DefaultStartTimeout = 10 * time.Second
	DefaultSettleDelay  = 2 * time.Second
	DefaultStopGrace    = 3 * time.Second

	// killWait bounds how long Stop waits for a killed process to be reaped.
	killWait = 2 * time.Second
)

// ErrStartTimeout is returned by Start when no readiness marker was seen in
// time. The process has been killed.
var ErrStartTimeout = errors.New("capture process start timed out")

// StartFailureError is returned by Start when the process exited before it
// became ready.
type StartFailureError struct {
	ExitCode int
}

func (e *StartFailureError) Error() string {
	return fmt.Sprintf("capture process exited during startup with code %d", e.ExitCode)
}

// ExitReason tells why a supervised process entry was removed.
type ExitReason int

const (
	ExitStopped ExitReason = iota
	ExitStartFailed
	ExitCrashed
)

func (r ExitReason) String() string {
	switch r {
	case ExitStopped:
		return "stopped"
	case ExitStartFailed:
		return "start_failed"
	case ExitCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// ExitEvent is delivered to the exit handler exactly once per started process.
type ExitEvent struct {
	SessionID string
	Serial    string
	Port      int
	Pid       int
	Reason    ExitReason
}

// Handle describes a running, ready capture process.
type Handle struct {
	SessionID string    `json:"sessionId"`
	Serial    string    `json:"serial"`
	Port      int       `json:"port"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	ReadyAt   time.Time `json:"readyAt"`
}

// Config holds supervisor timings. Non-positive StartTimeout and StopGrace
// fall back to the defaults; a zero SettleDelay disables settling.
type Config struct {
	StartTimeout time.Duration
	SettleDelay  time.Duration
	StopGrace    time.Duration
}

type entry struct {
	handle   Handle
	proc     Process
	ready    atomic.Bool
	stopping atomic.Bool
	once     sync.Once
	removed  chan struct{}
}

// Supervisor starts, watches and stops at most one capture process per
// session.
type Supervisor struct {
	launcher Launcher
	detector ReadinessDetector
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	procs  map[string]*entry
	onExit func(ExitEvent)
	guard  *guard.Guard
}

// NewSupervisor returns a supervisor. met may be nil.
func NewSupervisor(launcher Launcher, detector ReadinessDetector, cfg Config, log *slog.Logger, met *metrics.Metrics) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Supervisor{
		launcher: launcher,
		detector: detector,
		cfg:      cfg,
		log:      log,
		metrics:  met,
		procs:    make(map[string]*entry),
	}
}

// SetExitHandler registers fn to be called once for every process entry that
// is removed, whatever the path. fn must not block.
func (s *Supervisor) SetExitHandler(fn func(ExitEvent)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// SetGuard runs the supervisor's watchers under g.
func (s *Supervisor) SetGuard(g *guard.Guard) {
	s.mu.Lock()
	s.guard = g
	s.mu.Unlock()
}

// Start launches a capture process for the session and blocks until it is
// ready, has failed or has timed out. Any process already registered for the
// session is stopped first.
func (s *Supervisor) Start(ctx context.Context, sessionID, serial string, port int) (Handle, error) {
	if err := s.Stop(sessionID); err != nil {
		s.log.Warn("stop previous capture process", slog.String("session_id", sessionID), slog.Any("error", err))
	}

	proc, err := s.launcher.Launch(ctx, Spec{SessionID: sessionID, Serial: serial, Port: port})
	if err != nil {
		s.metrics.IncCaptureStart("failed")
		return Handle{}, fmt.Errorf("launch capture process: %w", err)
	}

	e := &entry{
		handle: Handle{
			SessionID: sessionID,
			Serial:    serial,
			Port:      port,
			Pid:       proc.Pid(),
			StartedAt: time.Now(),
		},
		proc:    proc,
		removed: make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[sessionID] = e
	s.mu.Unlock()

	log := s.log.With(
		slog.String("session_id", sessionID),
		slog.String("device", serial),
		slog.Int("port", port),
		slog.Int("pid", e.handle.Pid),
	)
	log.Info("capture process launched")

	if err := s.awaitReady(ctx, e, log); err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	e.handle.ReadyAt = time.Now()
	h := e.handle
	g := s.guard
	s.mu.Unlock()
	e.ready.Store(true)

	s.metrics.IncCaptureStart("ready")
	log.Info("capture process ready", slog.Duration("startup", h.ReadyAt.Sub(h.StartedAt)))
	g.Go("capture watch", func() { s.watch(e, log) })
	return h, nil
}

// awaitReady scans output for a readiness marker, then waits out the settle
// delay. On any failure the process is gone and its entry removed on return.
func (s *Supervisor) awaitReady(ctx context.Context, e *entry, log *slog.Logger) error {
	lines := e.proc.Lines()
	draining := false
	startDrain := func() {
		if !draining && lines != nil {
			draining = true
			go drain(lines, log)
		}
	}

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	ready := false
	for !ready {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			log.Debug("capture output", slog.String("line", line))
			ready = s.detector.Ready(line)
		case <-e.proc.Done():
			startDrain()
			return s.failStart(e, log)
		case <-timer.C:
			log.Warn("capture process did not become ready", slog.Duration("timeout", s.cfg.StartTimeout))
			startDrain()
			s.killAndRemove(e, log)
			s.metrics.IncCaptureStart("timeout")
			return ErrStartTimeout
		case <-ctx.Done():
			startDrain()
			s.killAndRemove(e, log)
			s.metrics.IncCaptureStart("failed")
			return ctx.Err()
		}
	}
	startDrain()

	if s.cfg.SettleDelay == 0 {
		return nil
	}
	settle := time.NewTimer(s.cfg.SettleDelay)
	defer settle.Stop()
	select {
	case <-settle.C:
		return nil
	case <-e.proc.Done():
		return s.failStart(e, log)
	case <-ctx.Done():
		s.killAndRemove(e, log)
		s.metrics.IncCaptureStart("failed")
		return ctx.Err()
	}
}

func (s *Supervisor) failStart(e *entry, log *slog.Logger) error {
	code := e.proc.ExitCode()
	log.Warn("capture process exited during startup", slog.Int("exit_code", code))
	s.remove(e, ExitStartFailed)
	s.metrics.IncCaptureStart("failed")
	return &StartFailureError{ExitCode: code}
}

func (s *Supervisor) killAndRemove(e *entry, log *slog.Logger) {
	if err := e.proc.Kill(); err != nil {
		log.Warn("kill capture process", slog.Any("error", err))
	}
	select {
	case <-e.proc.Done():
	case <-time.After(killWait):
		log.Error("capture process still running after kill")
	}
	s.remove(e, ExitStartFailed)
}

// watch removes the entry of a ready process that exits on its own.
func (s *Supervisor) watch(e *entry, log *slog.Logger) {
	select {
	case <-e.proc.Done():
	case <-e.removed:
		return
	}
	if e.stopping.Load() {
		return
	}
	log.Warn("capture process exited unexpectedly", slog.Int("exit_code", e.proc.ExitCode()))
	s.remove(e, ExitCrashed)
}

// Stop terminates the session's process, escalating to a forced kill after the
// grace period. The entry is removed on every path. Stop is a no-op when no
// process is registered.
func (s *Supervisor) Stop(sessionID string) error {
	s.mu.Lock()
	e := s.procs[sessionID]
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	if !e.stopping.CompareAndSwap(false, true) {
		<-e.removed
		return nil
	}
	defer s.remove(e, ExitStopped)

	log := s.log.With(slog.String("session_id", sessionID), slog.Int("pid", e.handle.Pid))

	select {
	case <-e.proc.Done():
		return nil
	default:
	}

	if err := e.proc.Terminate(); err != nil {
		log.Warn("terminate capture process", slog.Any("error", err))
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-e.proc.Done():
		log.Info("capture process stopped")
		return nil
	case <-grace.C:
	}

	log.Warn("capture process ignored terminate, killing", slog.Duration("grace", s.cfg.StopGrace))
	s.metrics.IncForcedKills()
	if err := e.proc.Kill(); err != nil {
		return fmt.Errorf("kill capture process %d: %w", e.handle.Pid, err)
	}
	select {
	case <-e.proc.Done():
	case <-time.After(killWait):
		return fmt.Errorf("capture process %d did not exit after kill", e.handle.Pid)
	}
	return nil
}

// StopAll stops every registered process concurrently.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(id); err != nil {
				s.log.Error("stop capture process", slog.String("session_id", id), slog.Any("error", err))
			}
		}(id)
	}
	wg.Wait()
}

// lookup returns the ready process registered for the session.
func (s *Supervisor) lookup(sessionID string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.procs[sessionID]
	if !ok || !e.ready.Load() {
		return Handle{}, false
	}
	return e.handle, true
}

// Count returns the number of registered processes, ready or starting.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// remove unregisters e and fires the exit handler. Only the first call for a
// given entry has any effect.
func (s *Supervisor) remove(e *entry, reason ExitReason) {
	e.once.Do(func() {
		s.mu.Lock()
		if s.procs[e.handle.SessionID] == e {
			delete(s.procs, e.handle.SessionID)
		}
		onExit := s.onExit
		s.mu.Unlock()
		close(e.removed)

		if onExit != nil {
			onExit(ExitEvent{
				SessionID: e.handle.SessionID,
				Serial:    e.handle.Serial,
				Port:      e.handle.Port,
				Pid:       e.handle.Pid,
				Reason:    reason,
			})
		}
	})
}

func drain(lines <-chan string, log *slog.Logger) {
	for line := range lines {
		log.Debug("capture output", slog.String("line", line))
	}
}
