package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"device-orchestrator/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

// upstream starts a TCP listener that runs serve for each connection.
func upstream(t *testing.T, serve func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newServer(t *testing.T, r *Relay) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	router.Get("/stream/{deviceId}", func(w http.ResponseWriter, req *http.Request) {
		err := r.Serve(w, req, chi.URLParam(req, "deviceId"))
		switch {
		case errors.Is(err, ErrStreamNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestRelay_Serve(t *testing.T) {
	port := upstream(t, func(c net.Conn) {
		defer c.Close()
		_, _ = c.Write([]byte("\x00\x00\x00\x01raw-h264"))
	})
	r := New("127.0.0.1", time.Second, logger.Discard(), nil)
	r.Register("emulator-5554", port, "s1")
	srv := newServer(t, r)

	resp, err := http.Get(srv.URL + "/stream/emulator-5554")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc == "" {
		t.Error("expected Cache-Control header")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "\x00\x00\x00\x01raw-h264" {
		t.Errorf("body = %q", body)
	}
}

func TestRelay_UnregisterEndsActiveClients(t *testing.T) {
	hold := make(chan struct{})
	port := upstream(t, func(c net.Conn) {
		defer c.Close()
		_, _ = c.Write([]byte("frames"))
		<-hold
	})
	t.Cleanup(func() { close(hold) })
	r := New("127.0.0.1", time.Second, logger.Discard(), nil)
	r.Register("dev1", port, "s1")
	srv := newServer(t, r)
	srv.Config.RegisterOnShutdown(func() { r.Unregister("dev1", "") })

	resp, err := http.Get(srv.URL + "/stream/dev1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := make([]byte, len("frames"))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown did not drain the relay: %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("streams = %v, want none", r.List())
	}
}

func TestRelay_LookupBySession(t *testing.T) {
	port := upstream(t, func(c net.Conn) {
		defer c.Close()
		_, _ = c.Write([]byte("frames"))
	})
	r := New("127.0.0.1", time.Second, logger.Discard(), nil)
	r.Register("dev1", port, "session-abc")
	srv := newServer(t, r)

	resp, err := http.Get(srv.URL + "/stream/session-abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRelay_NotFound(t *testing.T) {
	r := New("127.0.0.1", time.Second, logger.Discard(), nil)
	srv := newServer(t, r)

	resp, err := http.Get(srv.URL + "/stream/unknown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRelay_UpstreamUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	r := New("127.0.0.1", time.Second, logger.Discard(), nil)
	r.Register("dev1", port, "s1")
	srv := newServer(t, r)

	resp, err := http.Get(srv.URL + "/stream/dev1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestRelay_ClientDisconnectClosesUpstream(t *testing.T) {
	upstreamClosed := make(chan struct{})
	port := upstream(t, func(c net.Conn) {
		defer close(upstreamClosed)
		defer c.Close()
		chunk := make([]byte, 1024)
		for {
			if _, err := c.Write(chunk); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})
	r := New("127.0.0.1", time.Second, logger.Discard(), nil)
	r.Register("dev1", port, "s1")
	srv := newServer(t, r)

	resp, err := http.Get(srv.URL + "/stream/dev1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(resp.Body, make([]byte, 4096)); err != nil {
		t.Fatalf("read: %v", err)
	}
	resp.Body.Close()

	select {
	case <-upstreamClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection not torn down after client disconnect")
	}
}

func TestRelay_UnregisterOwnership(t *testing.T) {
	r := New("", 0, logger.Discard(), nil)
	r.Register("dev1", 100, "s1")
	r.Register("dev1", 101, "s2")

	r.Unregister("dev1", "s1")
	s, ok := r.Lookup("dev1")
	if !ok || s.SessionID != "s2" || s.Port != 101 {
		t.Fatalf("stale owner removed the current registration: %+v ok=%v", s, ok)
	}

	r.Unregister("dev1", "s2")
	if _, ok := r.Lookup("dev1"); ok {
		t.Error("expected stream removed")
	}
	if len(r.List()) != 0 {
		t.Error("expected empty list")
	}
}
