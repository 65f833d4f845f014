package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"device-orchestrator/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 * 1024
	wsSendBuffer     = 64
)

// wsClient is the WebSocket side of a session. It implements
// session.Notifier.
type wsClient struct {
	h       *Handler
	conn    *websocket.Conn
	session *session.Session
	log     *slog.Logger

	send      chan session.Message
	done      chan struct{}
	closeOnce sync.Once
}

// ServeWS handles GET /ws. The caller identity comes from the userId query
// parameter or the identity header; a fresh id is generated otherwise.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user := h.userID(r)
	if user == "" {
		user = "user-" + uuid.NewString()[:8]
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	s, _, err := h.sessions.GetOrCreate(user)
	if err != nil {
		h.log.Warn("ws session rejected", slog.String("user_id", user), slog.String("error", err.Error()))
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteJSON(session.Message{Type: session.TypeError, Message: err.Error()})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session capacity exceeded"))
		conn.Close()
		return
	}

	c := &wsClient{
		h:       h,
		conn:    conn,
		session: s,
		log:     h.log.With(slog.String("user_id", user), slog.String("session_id", s.ID())),
		send:    make(chan session.Message, wsSendBuffer),
		done:    make(chan struct{}),
	}
	s.Attach(c)
	c.log.Info("ws client connected", slog.String("remote_addr", r.RemoteAddr))

	h.guard.Go("ws write", c.writePump)
	h.guard.Go("ws read", c.readPump)
	h.guard.Go("ws device list", c.sendDeviceList)
}

// Notify queues msg for delivery. Messages are dropped when the client is gone
// or its queue is full.
func (c *wsClient) Notify(msg session.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn("ws send queue full, dropping message", slog.String("type", string(msg.Type)))
	}
}

// Close ends the connection. It is safe to call more than once.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsClient) readPump() {
	defer func() {
		c.session.Detach(c)
		c.Close()
		c.log.Info("ws client disconnected")
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("ws read error", slog.String("error", err.Error()))
			}
			return
		}
		c.session.Touch()

		req, err := parseRequest(data)
		if err != nil {
			c.Notify(session.Message{Type: session.TypeError, Message: err.Error()})
			continue
		}
		c.dispatch(req)
	}
}

func (c *wsClient) dispatch(req request) {
	switch req := req.(type) {
	case listDevicesReq:
		c.h.guard.Go("ws device list", c.sendDeviceList)
	case switchDeviceReq:
		// Progress and the outcome reach the client through Notify.
		c.h.guard.Go("ws switch", func() {
			if _, err := c.session.SwitchToDevice(context.Background(), req.serial); err != nil {
				c.log.Debug("ws switch failed", slog.String("device", req.serial), slog.String("error", err.Error()))
			}
		})
	case controlReq:
		if err := c.session.ControlCommand(context.Background(), "", req.cmd); err != nil {
			c.Notify(session.Message{Type: session.TypeError, Message: err.Error()})
		}
	case disconnectReq:
		c.h.guard.Go("ws disconnect", func() {
			if err := c.session.Disconnect(); err != nil {
				c.Notify(session.Message{Type: session.TypeError, Message: err.Error()})
			}
		})
	case heartbeatReq:
		c.session.Heartbeat()
	case getSessionInfoReq:
		c.Notify(session.Message{
			Type: session.TypeSessionInfo,
			Data: c.session.Status(c.h.sessions.IdleTimeout()),
		})
	}
}

func (c *wsClient) sendDeviceList() {
	infos, err := c.h.deviceDetails(context.Background())
	if err != nil {
		c.Notify(session.Message{Type: session.TypeError, Message: "failed to list devices: " + err.Error()})
		return
	}
	msg := session.Message{Type: session.TypeDeviceList, Devices: infos}
	if len(infos) == 0 {
		msg.Message = "no connected devices"
	}
	c.Notify(msg)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("encode ws message", slog.String("error", err.Error()))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
