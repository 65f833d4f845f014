package device

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

const (
	unknownModel   = "Unknown Device"
	unknownValue   = "Unknown"
	unknownBattery = -1
)

// Info describes a device. Fields that could not be read hold defaults.
type Info struct {
	ID         string `json:"id"`
	Serial     string `json:"serial"`
	Model      string `json:"model"`
	Version    string `json:"version"`
	Resolution string `json:"resolution"`
	Battery    int    `json:"battery"`
	State      string `json:"state"`
}

// Info queries model, Android version, screen size and battery level in
// parallel. It never fails; each property falls back independently.
func (a *ADB) Info(ctx context.Context, serial string) Info {
	info := Info{
		ID:         serial,
		Serial:     serial,
		Model:      unknownModel,
		Version:    unknownValue,
		Resolution: unknownValue,
		Battery:    unknownBattery,
		State:      "device",
	}
	if validateSerial(serial) != nil {
		return info
	}

	var (
		wg                          sync.WaitGroup
		model, version, size, power string
	)
	query := func(dst *string, args ...string) {
		defer wg.Done()
		out, err := a.shell(ctx, serial, args...)
		if err != nil {
			a.log.Debug("device property query failed",
				slog.String("device", serial),
				slog.String("query", strings.Join(args, " ")),
				slog.Any("error", err),
			)
			return
		}
		*dst = out
	}
	wg.Add(4)
	go query(&model, "getprop", "ro.product.model")
	go query(&version, "getprop", "ro.build.version.release")
	go query(&size, "wm", "size")
	go query(&power, "dumpsys", "battery")
	wg.Wait()

	if model != "" {
		info.Model = model
	}
	if version != "" {
		info.Version = version
	}
	if res := parseResolution(size); res != "" {
		info.Resolution = res
	}
	if level, ok := parseBatteryLevel(power); ok {
		info.Battery = level
	}
	return info
}

// parseResolution extracts "1080x2400" from "Physical size: 1080x2400". An
// override size reported on a later line wins.
func parseResolution(out string) string {
	res := ""
	for _, line := range strings.Split(out, "\n") {
		if _, v, ok := strings.Cut(line, ":"); ok {
			if v = strings.TrimSpace(v); v != "" {
				res = v
			}
		}
	}
	return res
}

func parseBatteryLevel(out string) (int, bool) {
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || k != "level" {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || level < 0 || level > 100 {
			return 0, false
		}
		return level, true
	}
	return 0, false
}
