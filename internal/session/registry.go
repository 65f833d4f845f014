package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"device-orchestrator/internal/capture"
	"device-orchestrator/internal/ports"
)

const (
	DefaultMaxSessions       = 50
	DefaultSweepInterval     = 60 * time.Second
	DefaultIntegrityInterval = 5 * time.Minute
	DefaultStickyMaxAge      = 24 * time.Hour
)

// Config controls registry limits and background task intervals. Zero values
// fall back to the defaults.
type Config struct {
	MaxSessions       int
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	IntegrityInterval time.Duration
	StickyMaxAge      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IntegrityInterval <= 0 {
		c.IntegrityInterval = DefaultIntegrityInterval
	}
	if c.StickyMaxAge <= 0 {
		c.StickyMaxAge = DefaultStickyMaxAge
	}
	return c
}

// Overview summarises the registry for the status endpoint.
type Overview struct {
	TotalSessions  int              `json:"totalSessions"`
	MaxSessions    int              `json:"maxSessions"`
	ActiveSessions int              `json:"activeSessions"`
	IdleSessions   int              `json:"idleSessions"`
	ByState        map[State]int    `json:"byState"`
	Ports          ports.UsageStats `json:"ports"`
}

// Registry owns every session, keyed by user id.
type Registry struct {
	cfg  Config
	deps *Deps
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		deps:     &deps,
		log:      deps.Log,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// IdleTimeout returns the configured idle timeout.
func (r *Registry) IdleTimeout() time.Duration { return r.cfg.IdleTimeout }

// GetOrCreate returns the user's session, creating it when absent. created
// reports whether a new session was made.
func (r *Registry) GetOrCreate(userID string) (s *Session, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok {
		return s, false, nil
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		return nil, false, ErrCapacityExceeded
	}
	s = newSession(userID, r.deps, r.now)
	r.sessions[userID] = s
	r.deps.Metrics.SetActiveSessions(len(r.sessions))
	r.log.Info("session created", slog.String("user_id", userID), slog.String("session_id", s.ID()))
	return s, true, nil
}

// Get returns the user's session.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Remove cleans up the user's session and deletes it. It reports whether a
// session existed.
func (r *Registry) Remove(userID string) bool {
	s, ok := r.Get(userID)
	if !ok {
		return false
	}
	s.Cleanup()
	r.forget(s)
	r.log.Info("session removed", slog.String("user_id", userID))
	return true
}

// forget deletes s from the map if it is still the user's session. Sessions
// are only forgotten once closed, so a new session for the same user never
// shares a lease with one that is still tearing down.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	if r.sessions[s.userID] == s {
		delete(r.sessions, s.userID)
	}
	r.deps.Metrics.SetActiveSessions(len(r.sessions))
	r.mu.Unlock()
}

// List returns all sessions ordered by user id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes and cleans up every session idle for longer than the idle
// timeout. It returns the removed user ids.
func (r *Registry) Sweep() []string {
	return r.cleanup(false)
}

// Cleanup removes idle sessions, or every session when force is set, and
// returns the removed user ids.
func (r *Registry) Cleanup(force bool) []string {
	return r.cleanup(force)
}

func (r *Registry) cleanup(force bool) []string {
	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		if force || s.IsIdle(r.cfg.IdleTimeout) {
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	closed := make([]bool, len(victims))
	var wg sync.WaitGroup
	for i, s := range victims {
		wg.Add(1)
		i, s := i, s
		r.deps.Guard.Go("session cleanup", func() {
			defer wg.Done()
			closed[i] = s.close(force, r.cfg.IdleTimeout)
		})
	}
	wg.Wait()

	removed := make([]string, 0, len(victims))
	for i, s := range victims {
		if !closed[i] {
			continue
		}
		r.forget(s)
		removed = append(removed, s.userID)
	}

	sort.Strings(removed)
	if len(removed) > 0 {
		r.log.Info("sessions removed", slog.Int("count", len(removed)), slog.Bool("force", force))
	}
	if !force {
		r.deps.Metrics.AddSessionsSwept(len(removed))
	}
	return removed
}

// CheckIntegrity validates the port pool partition, logging a warning on
// violation, and forgets stale sticky ports.
func (r *Registry) CheckIntegrity() ports.IntegrityReport {
	report := r.deps.Ports.Validate()
	if !report.OK() {
		r.deps.Metrics.IncIntegrityViolations()
		r.log.Warn("port pool integrity violation",
			slog.Any("missing", report.Missing),
			slog.Any("unexpected", report.Unexpected),
			slog.Any("duplicated", report.Duplicated),
		)
	}
	if n := r.deps.Ports.CleanupLastUsed(r.cfg.StickyMaxAge); n > 0 {
		r.log.Debug("sticky ports forgotten", slog.Int("count", n))
	}
	return report
}

// HandleCaptureExit routes unexpected capture exits to the owning session.
// It is meant to be installed as the supervisor's exit handler.
func (r *Registry) HandleCaptureExit(ev capture.ExitEvent) {
	if ev.Reason != capture.ExitCrashed {
		return
	}
	s, ok := r.Get(ev.SessionID)
	if !ok {
		return
	}
	s.handleCaptureExit(ev)
}

// Run drives the idle sweep and the pool integrity check until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()
	integrity := time.NewTicker(r.cfg.IntegrityInterval)
	defer integrity.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			r.Sweep()
		case <-integrity.C:
			r.CheckIntegrity()
		}
	}
}

// Shutdown removes every session, stops any remaining capture process and
// returns all ports to the pool.
func (r *Registry) Shutdown() {
	removed := r.cleanup(true)
	r.deps.Captures.StopAll()
	r.deps.Ports.ReleaseAll()
	r.log.Info("registry shut down", slog.Int("sessions", len(removed)))
}

// Overview returns session counts and pool usage.
func (r *Registry) Overview() Overview {
	sessions := r.List()
	o := Overview{
		TotalSessions: len(sessions),
		MaxSessions:   r.cfg.MaxSessions,
		ByState:       make(map[State]int),
		Ports:         r.deps.Ports.Stats(),
	}
	for _, s := range sessions {
		st := s.Status(r.cfg.IdleTimeout)
		o.ByState[st.Status]++
		if st.IsActive {
			o.ActiveSessions++
		}
		if st.IsIdle {
			o.IdleSessions++
		}
	}
	return o
}
