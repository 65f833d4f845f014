package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"device-orchestrator/internal/platform/metrics"
)

const copyBufferSize = 32 * 1024

var (
	// ErrStreamNotFound is returned when no stream is registered under the
	// requested identifier.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrUpstreamUnavailable is returned when the capture process output port
	// cannot be reached.
	ErrUpstreamUnavailable = errors.New("stream source unavailable")
)

// Stream is a registered capture output.
type Stream struct {
	DeviceID     string    `json:"deviceId"`
	SessionID    string    `json:"sessionId"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Relay proxies raw capture output from a local TCP port to HTTP clients.
type Relay struct {
	host        string
	dialTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
	dialer      net.Dialer

	mu      sync.RWMutex
	streams map[string]Stream
	active  map[string]map[net.Conn]struct{}
}

// New returns a relay that dials host:port for every client. met may be nil.
func New(host string, dialTimeout time.Duration, log *slog.Logger, met *metrics.Metrics) *Relay {
	if host == "" {
		host = "127.0.0.1"
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Relay{
		host:        host,
		dialTimeout: dialTimeout,
		log:         log,
		metrics:     met,
		streams:     make(map[string]Stream),
		active:      make(map[string]map[net.Conn]struct{}),
	}
}

// Register records that deviceID's stream is served from port on behalf of
// sessionID, replacing any earlier registration for the device.
func (r *Relay) Register(deviceID string, port int, sessionID string) {
	r.mu.Lock()
	r.streams[deviceID] = Stream{
		DeviceID:     deviceID,
		SessionID:    sessionID,
		Port:         port,
		RegisteredAt: time.Now(),
	}
	r.mu.Unlock()
	r.log.Info("stream registered",
		slog.String("device", deviceID),
		slog.Int("port", port),
		slog.String("session_id", sessionID),
	)
}

// Unregister removes deviceID's stream if it is owned by sessionID and ends
// every client relaying it. An empty sessionID removes it unconditionally.
func (r *Relay) Unregister(deviceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[deviceID]
	if !ok || (sessionID != "" && s.SessionID != sessionID) {
		return
	}
	delete(r.streams, deviceID)
	for conn := range r.active[deviceID] {
		_ = conn.Close()
	}
	delete(r.active, deviceID)
	r.log.Info("stream unregistered", slog.String("device", deviceID), slog.String("session_id", s.SessionID))
}

// track records conn as relaying s, unless s was unregistered or replaced
// while dialing.
func (r *Relay) track(s Stream, conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.streams[s.DeviceID]
	if !ok || cur.SessionID != s.SessionID || cur.Port != s.Port {
		return false
	}
	conns := r.active[s.DeviceID]
	if conns == nil {
		conns = make(map[net.Conn]struct{})
		r.active[s.DeviceID] = conns
	}
	conns[conn] = struct{}{}
	return true
}

func (r *Relay) untrack(deviceID string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns := r.active[deviceID]; conns != nil {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.active, deviceID)
		}
	}
}

// Lookup finds a stream by device id, falling back to session id.
func (r *Relay) Lookup(id string) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.streams[id]; ok {
		return s, true
	}
	for _, s := range r.streams {
		if s.SessionID == id {
			return s, true
		}
	}
	return Stream{}, false
}

// List returns all registered streams ordered by device id.
func (r *Relay) List() []Stream {
	r.mu.RLock()
	out := make([]Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Serve pipes the stream registered under id to w until either side ends.
// Errors are only returned before any response has been written; once
// streaming has begun Serve returns nil.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, id string) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}

	ctx := req.Context()
	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	conn, err := r.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(r.host, strconv.Itoa(s.Port)))
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer conn.Close()
	if !r.track(s, conn) {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	defer r.untrack(s.DeviceID, conn)

	// Unblock the read below when the client goes away.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log := r.log.With(slog.String("device", s.DeviceID), slog.String("session_id", s.SessionID), slog.Int("port", s.Port))
	log.Info("relay client connected", slog.String("remote_addr", req.RemoteAddr))
	r.metrics.AddRelayConnections(1)
	defer r.metrics.AddRelayConnections(-1)

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	total := 0
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				log.Info("relay client gone", slog.Int("bytes", total), slog.Any("error", err))
				return nil
			}
			_ = rc.Flush()
			total += n
			r.metrics.AddRelayBytes(n)
		}
		if readErr != nil {
			log.Info("relay upstream ended", slog.Int("bytes", total), slog.Any("reason", readErr))
			return nil
		}
	}
}
