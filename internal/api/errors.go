package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"device-orchestrator/internal/capture"
	"device-orchestrator/internal/device"
	"device-orchestrator/internal/ports"
	"device-orchestrator/internal/relay"
	"device-orchestrator/internal/session"
)

var (
	errUserRequired = errors.New("user identity is required")
	errBadBody      = errors.New("invalid request body")
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps domain errors to an HTTP status and a short error code.
func statusFor(err error) (int, string) {
	var startFailure *capture.StartFailureError
	switch {
	case errors.Is(err, errUserRequired),
		errors.Is(err, errBadBody),
		errors.Is(err, session.ErrDeviceRequired),
		errors.Is(err, device.ErrInvalidCommand),
		errors.Is(err, device.ErrInvalidSerial):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, relay.ErrStreamNotFound),
		errors.Is(err, device.ErrDeviceUnavailable):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrNoActiveDevice),
		errors.Is(err, session.ErrDeviceMismatch):
		return http.StatusConflict, "conflict"
	case errors.Is(err, session.ErrCapacityExceeded),
		errors.Is(err, ports.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, relay.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "bad_gateway"
	case errors.Is(err, capture.ErrStartTimeout), errors.As(err, &startFailure):
		return http.StatusInternalServerError, "capture_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	} else {
		h.log.Debug("request rejected",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}
