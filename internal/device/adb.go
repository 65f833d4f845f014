package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

var (
	// ErrDeviceUnavailable is returned when the device is not connected or
	// not in the "device" state.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrInvalidSerial is returned for serials that cannot be passed to adb.
	ErrInvalidSerial = errors.New("invalid device serial")
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// Device is one entry of the adb device list.
type Device struct {
	Serial string `json:"serial"`
	Status string `json:"status"`
}

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// ADB talks to devices through the adb binary. Every invocation is bounded by
// the configured timeout.
type ADB struct {
	binary  string
	timeout time.Duration
	runner  Runner
	log     *slog.Logger
}

// NewADB returns a client for the given adb binary. runner may be nil to use
// os/exec.
func NewADB(binary string, timeout time.Duration, runner Runner, log *slog.Logger) *ADB {
	if binary == "" {
		binary = "adb"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ADB{binary: binary, timeout: timeout, runner: runner, log: log}
}

func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.runner.Run(ctx, a.binary, args...)
}

func (a *ADB) shell(ctx context.Context, serial string, args ...string) (string, error) {
	out, err := a.run(ctx, append([]string{"-s", serial, "shell"}, args...)...)
	return strings.TrimSpace(string(out)), err
}

// ListDevices returns the devices adb reports in the "device" state.
func (a *ADB) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := a.run(ctx, "devices")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := parseDevices(out)
	a.log.Debug("devices listed", slog.Int("count", len(devices)))
	return devices, nil
}

func parseDevices(out []byte) []Device {
	devices := []Device{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		devices = append(devices, Device{Serial: fields[0], Status: fields[1]})
	}
	return devices
}

// CheckConnection returns ErrDeviceUnavailable unless adb reports the device
// in the "device" state.
func (a *ADB) CheckConnection(ctx context.Context, serial string) error {
	if err := validateSerial(serial); err != nil {
		return err
	}
	out, err := a.run(ctx, "-s", serial, "get-state")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, serial, err)
	}
	if state := strings.TrimSpace(string(out)); state != "device" {
		return fmt.Errorf("%w: %s is %q", ErrDeviceUnavailable, serial, state)
	}
	return nil
}

// Send forwards cmd to the device with "input". Arguments are passed to adb as
// separate argv elements.
func (a *ADB) Send(ctx context.Context, serial string, cmd Command) error {
	if err := validateSerial(serial); err != nil {
		return err
	}
	if cmd == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	args, err := cmd.inputArgs()
	if err != nil {
		return err
	}
	if _, err := a.shell(ctx, serial, append([]string{"input"}, args...)...); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd.Kind(), serial, err)
	}
	a.log.Debug("command sent", slog.String("device", serial), slog.String("kind", cmd.Kind()))
	return nil
}

// Screenshot captures the screen as PNG.
func (a *ADB) Screenshot(ctx context.Context, serial string) ([]byte, error) {
	if err := validateSerial(serial); err != nil {
		return nil, err
	}
	out, err := a.run(ctx, "-s", serial, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", serial, err)
	}
	if !bytes.HasPrefix(out, pngMagic) {
		return nil, fmt.Errorf("screenshot %s: output is not a PNG image", serial)
	}
	return out, nil
}

// validateSerial rejects serials adb would parse as options or that contain
// whitespace.
func validateSerial(serial string) error {
	if serial == "" || strings.HasPrefix(serial, "-") || strings.ContainsFunc(serial, isSpaceOrControl) {
		return fmt.Errorf("%w: %q", ErrInvalidSerial, serial)
	}
	return nil
}

func isSpaceOrControl(r rune) bool {
	return r <= ' ' || r == 0x7f
}
