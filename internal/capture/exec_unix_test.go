//go:build unix

package capture

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"device-orchestrator/internal/platform/logger"
)

func shLauncher(t *testing.T, script string) *ExecLauncher {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return &ExecLauncher{Binary: sh, Args: []string{"-c", script}}
}

func TestExecLauncher_readyAndGracefulStop(t *testing.T) {
	l := shLauncher(t, `echo "INFO: serving {serial} on {port}"; exec sleep 30`)
	s := NewSupervisor(l, NewMarkerDetector("INFO:"), Config{
		StartTimeout: 5 * time.Second,
		SettleDelay:  10 * time.Millisecond,
		StopGrace:    2 * time.Second,
	}, logger.Discard(), nil)

	h, err := s.Start(context.Background(), "s1", "emulator-5554", 27183)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Pid <= 0 {
		t.Errorf("pid = %d", h.Pid)
	}
	infos := s.Snapshot()
	if len(infos) != 1 || !infos[0].Ready {
		t.Errorf("snapshot = %+v", infos)
	}

	start := time.Now()
	if err := s.Stop("s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) >= 2*time.Second {
		t.Error("sleep should exit on SIGTERM without escalation")
	}
	if s.Count() != 0 {
		t.Error("entry still registered")
	}
}

func TestExecLauncher_ignoresTermGetsKilled(t *testing.T) {
	l := shLauncher(t, `trap '' TERM; echo "Device: fake"; while :; do sleep 0.05; done`)
	s := NewSupervisor(l, NewMarkerDetector("Device:"), Config{
		StartTimeout: 5 * time.Second,
		SettleDelay:  10 * time.Millisecond,
		StopGrace:    200 * time.Millisecond,
	}, logger.Discard(), nil)

	if _, err := s.Start(context.Background(), "s1", "dev", 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop("s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Count() != 0 {
		t.Error("entry still registered")
	}
}

func TestExecLauncher_exitBeforeReady(t *testing.T) {
	l := shLauncher(t, `echo "adb: device offline" >&2; exit 3`)
	s := NewSupervisor(l, NewMarkerDetector("INFO:"), Config{StartTimeout: 5 * time.Second}, logger.Discard(), nil)

	_, err := s.Start(context.Background(), "s1", "dev", 1)
	var failure *StartFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected StartFailureError, got %v", err)
	}
	if failure.ExitCode != 3 {
		t.Errorf("exit code = %d", failure.ExitCode)
	}
}

func TestExecLauncher_missingBinary(t *testing.T) {
	l := &ExecLauncher{Binary: "/nonexistent/capture-binary"}
	s := NewSupervisor(l, NewMarkerDetector("INFO:"), Config{}, logger.Discard(), nil)

	if _, err := s.Start(context.Background(), "s1", "dev", 1); err == nil {
		t.Fatal("expected launch error")
	}
	if s.Count() != 0 {
		t.Error("nothing should be registered after a launch error")
	}
}

func TestExecLauncher_exitWhileDescendantHoldsOutput(t *testing.T) {
	l := shLauncher(t, `sleep 3 & echo "adb: device offline" >&2; exit 3`)
	s := NewSupervisor(l, NewMarkerDetector("INFO:"), Config{StartTimeout: 2 * time.Second}, logger.Discard(), nil)

	start := time.Now()
	_, err := s.Start(context.Background(), "s1", "dev", 1)
	var failure *StartFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected StartFailureError, got %v", err)
	}
	if failure.ExitCode != 3 {
		t.Errorf("exit code = %d", failure.ExitCode)
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("exit noticed after %v, should not wait for the descendant", elapsed)
	}
}

func TestExecLauncher_crashWhileDescendantHoldsOutput(t *testing.T) {
	l := shLauncher(t, `echo "INFO: up"; sleep 0.3; sleep 5 & exit 1`)
	s := NewSupervisor(l, NewMarkerDetector("INFO:"), Config{
		StartTimeout: 2 * time.Second,
		SettleDelay:  10 * time.Millisecond,
	}, logger.Discard(), nil)
	events := make(chan ExitEvent, 1)
	s.SetExitHandler(func(ev ExitEvent) { events <- ev })

	if _, err := s.Start(context.Background(), "s1", "dev", 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Reason != ExitCrashed {
			t.Errorf("reason = %v, want %v", ev.Reason, ExitCrashed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("crash not reported while a descendant holds the output open")
	}
	if s.Count() != 0 {
		t.Error("entry still registered after crash")
	}
}
