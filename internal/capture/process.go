package capture

import (
	"context"
	"strconv"
	"strings"
)

// Spec identifies what a capture process is launched for.
type Spec struct {
	SessionID string
	Serial    string
	Port      int
}

// Process is a running capture process.
type Process interface {
	Pid() int
	// Lines yields the process's combined stdout and stderr, one line at a
	// time. It is closed once both streams reach EOF and must be drained.
	Lines() <-chan string
	// Done is closed after the process has exited. It does not wait for
	// Lines, which descendants of the process may hold open.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed; -1 means killed by a signal.
	ExitCode() int
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
}

// Launcher starts capture processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, spec Spec) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, spec Spec) (Process, error) {
	return f(ctx, spec)
}

// ExpandArgs substitutes {serial}, {port} and {session} in every template
// argument. Each result stays a single argv element.
func ExpandArgs(template []string, spec Spec) []string {
	r := strings.NewReplacer(
		"{serial}", spec.Serial,
		"{port}", strconv.Itoa(spec.Port),
		"{session}", spec.SessionID,
	)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}
