package session

import (
	"context"
	"log/slog"
	"time"

	"device-orchestrator/internal/capture"
	"device-orchestrator/internal/device"
	"device-orchestrator/internal/platform/guard"
	"device-orchestrator/internal/platform/metrics"
	"device-orchestrator/internal/ports"
)

// PortPool leases control ports.
type PortPool interface {
	Allocate(key string) (int, error)
	Release(key string)
	ReleaseAll()
	Validate() ports.IntegrityReport
	CleanupLastUsed(maxAge time.Duration) int
	Stats() ports.UsageStats
}

// Captures supervises capture processes.
type Captures interface {
	Start(ctx context.Context, key, serial string, port int) (capture.Handle, error)
	Stop(key string) error
	StopAll()
}

// Streams publishes capture output to viewers.
type Streams interface {
	Register(deviceID string, port int, key string)
	Unregister(deviceID, key string)
}

// Devices is the device collaborator.
type Devices interface {
	CheckConnection(ctx context.Context, serial string) error
	Info(ctx context.Context, serial string) device.Info
	Send(ctx context.Context, serial string, cmd device.Command) error
}

// Deps are the shared collaborators every session works through.
type Deps struct {
	Ports    PortPool
	Captures Captures
	Streams  Streams
	Devices  Devices
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Guard    *guard.Guard
}
