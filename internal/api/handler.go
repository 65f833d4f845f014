package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"device-orchestrator/internal/capture"
	"device-orchestrator/internal/device"
	"device-orchestrator/internal/platform/guard"
	"device-orchestrator/internal/relay"
	"device-orchestrator/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// DeviceService is the device collaborator used outside of sessions.
type DeviceService interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
	Info(ctx context.Context, serial string) device.Info
	Screenshot(ctx context.Context, serial string) ([]byte, error)
}

// StreamServer serves relayed capture streams.
type StreamServer interface {
	Serve(w http.ResponseWriter, r *http.Request, id string) error
	List() []relay.Stream
}

// ProcessLister reports supervised capture processes.
type ProcessLister interface {
	Snapshot() []capture.ProcessInfo
}

// Handler exposes the REST, WebSocket and stream endpoints using go-chi.
type Handler struct {
	sessions   *session.Registry
	devices    DeviceService
	streams    StreamServer
	procs      ProcessLister
	log        *slog.Logger
	userHeader string
	startedAt  time.Time
	upgrader   websocket.Upgrader
	guard      *guard.Guard
}

// NewHandler returns a Handler. userHeader names the request header carrying
// the caller's identity.
func NewHandler(reg *session.Registry, devices DeviceService, streams StreamServer, procs ProcessLister, log *slog.Logger, userHeader string) *Handler {
	if userHeader == "" {
		userHeader = "X-User-ID"
	}
	return &Handler{
		sessions:   reg,
		devices:    devices,
		streams:    streams,
		procs:      procs,
		log:        log,
		userHeader: userHeader,
		startedAt:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetGuard runs the handler's background goroutines under g. Call it before
// serving.
func (h *Handler) SetGuard(g *guard.Guard) {
	h.guard = g
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.ServeWS)
	r.Get("/stream/{deviceId}", h.Stream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/devices", h.ListDevices)
		r.Post("/switch-device", h.SwitchDevice)
		r.Post("/disconnect-device", h.DisconnectDevice)
		r.Route("/device/{serial}", func(r chi.Router) {
			r.Get("/info", h.DeviceInfo)
			r.Post("/touch", h.Touch)
			r.Post("/key", h.Key)
			r.Post("/text", h.Text)
			r.Get("/screenshot", h.Screenshot)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Get("/sessions", h.AdminSessions)
			r.Post("/cleanup", h.AdminCleanup)
		})
	})
}

// userID returns the caller identity from the userId query parameter or the
// identity header.
func (h *Handler) userID(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("userId")); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(h.userHeader))
}

func (h *Handler) existingSession(r *http.Request) (*session.Session, error) {
	user := h.userID(r)
	if user == "" {
		return nil, errUserRequired
	}
	s, ok := h.sessions.Get(user)
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadBody, err)
	}
	return nil
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "running",
		"uptime":   time.Since(h.startedAt).Round(time.Second).String(),
		"sessions": h.sessions.Overview(),
		"streams":  h.streams.List(),
	})
}

// ListDevices handles GET /api/devices. Each connected device is returned with
// its details.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	infos, err := h.deviceDetails(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": infos, "count": len(infos)})
}

func (h *Handler) deviceDetails(ctx context.Context) ([]device.Info, error) {
	devices, err := h.devices.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]device.Info, len(devices))
	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, serial string) {
			defer wg.Done()
			infos[i] = h.devices.Info(ctx, serial)
		}(i, d.Serial)
	}
	wg.Wait()
	return infos, nil
}

// DeviceInfo handles GET /api/device/{serial}/info.
func (h *Handler) DeviceInfo(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if serial == "" {
		h.writeError(w, r, device.ErrInvalidSerial)
		return
	}
	writeJSON(w, http.StatusOK, h.devices.Info(r.Context(), serial))
}

type switchRequest struct {
	DeviceSerial string `json:"deviceSerial"`
}

// SwitchDevice handles POST /api/switch-device.
// Body: { "deviceSerial": "emulator-5554" }.
func (h *Handler) SwitchDevice(w http.ResponseWriter, r *http.Request) {
	user := h.userID(r)
	if user == "" {
		h.writeError(w, r, errUserRequired)
		return
	}
	var req switchRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.DeviceSerial == "" {
		h.writeError(w, r, session.ErrDeviceRequired)
		return
	}

	s, _, err := h.sessions.GetOrCreate(user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// The switch runs to completion even if the caller goes away.
	switched, err := s.SwitchToDevice(context.WithoutCancel(r.Context()), req.DeviceSerial)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"success":     switched,
		"device":      req.DeviceSerial,
		"sessionInfo": s.Info(),
	}
	if !switched {
		resp["message"] = "switch already in progress or device already active"
	}
	writeJSON(w, http.StatusOK, resp)
}

// DisconnectDevice handles POST /api/disconnect-device.
func (h *Handler) DisconnectDevice(w http.ResponseWriter, r *http.Request) {
	s, err := h.existingSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := s.Disconnect(); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "device disconnected"})
}

type touchRequest struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Action string `json:"action"`
}

// Touch handles POST /api/device/{serial}/touch.
// Body: { "x": 540, "y": 1200, "action": "tap" }.
func (h *Handler) Touch(w http.ResponseWriter, r *http.Request) {
	var req touchRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cmd, err := device.Touch(req.Action, req.X, req.Y)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.control(w, r, cmd)
}

type keyRequest struct {
	KeyCode *int   `json:"keyCode"`
	Key     string `json:"key"`
}

func (k keyRequest) command() (device.Command, error) {
	if k.KeyCode != nil {
		return device.KeyEvent{Code: *k.KeyCode}, nil
	}
	return device.NamedKey(k.Key)
}

// Key handles POST /api/device/{serial}/key.
// Body: { "keyCode": 4 } or { "key": "BACK" }.
func (h *Handler) Key(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cmd, err := req.command()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.control(w, r, cmd)
}

type textRequest struct {
	Text string `json:"text"`
}

// Text handles POST /api/device/{serial}/text.
func (h *Handler) Text(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.control(w, r, device.TextInput{Text: req.Text})
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, cmd device.Command) {
	s, err := h.existingSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := s.ControlCommand(r.Context(), chi.URLParam(r, "serial"), cmd); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "command": cmd.Kind()})
}

// Screenshot handles GET /api/device/{serial}/screenshot. The caller must hold
// the device.
func (h *Handler) Screenshot(w http.ResponseWriter, r *http.Request) {
	s, err := h.existingSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	serial := chi.URLParam(r, "serial")
	current, _, ok := s.CurrentDevice()
	if !ok || s.State() != session.StateConnected {
		h.writeError(w, r, session.ErrNoActiveDevice)
		return
	}
	if current != serial {
		h.writeError(w, r, session.ErrDeviceMismatch)
		return
	}
	img, err := h.devices.Screenshot(r.Context(), serial)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	s.Touch()
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// AdminSessions handles GET /api/admin/sessions.
func (h *Handler) AdminSessions(w http.ResponseWriter, _ *http.Request) {
	idle := h.sessions.IdleTimeout()
	list := h.sessions.List()
	statuses := make([]session.Status, 0, len(list))
	for _, s := range list {
		statuses = append(statuses, s.Status(idle))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(statuses),
		"sessions":  statuses,
		"processes": h.procs.Snapshot(),
		"streams":   h.streams.List(),
	})
}

type cleanupRequest struct {
	Force bool `json:"force"`
}

// AdminCleanup handles POST /api/admin/cleanup.
// Body (optional): { "force": true } removes every session instead of only
// idle ones.
func (h *Handler) AdminCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, err)
		return
	}
	removed := h.sessions.Cleanup(req.Force)
	h.log.Info("admin cleanup", slog.Bool("force", req.Force), slog.Int("removed", len(removed)))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": removed,
		"count":   len(removed),
	})
}

// Stream handles GET /stream/{deviceId}.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if err := h.streams.Serve(w, r, chi.URLParam(r, "deviceId")); err != nil {
		h.writeError(w, r, err)
	}
}
