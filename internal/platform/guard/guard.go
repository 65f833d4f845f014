package guard

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Guard runs background goroutines and turns a panic in any of them into a
// fatal error for the process owner to act on. A nil *Guard runs goroutines
// without recovering.
type Guard struct {
	log   *slog.Logger
	fatal chan error
}

// New returns a Guard that logs panics to log.
func New(log *slog.Logger) *Guard {
	return &Guard{log: log, fatal: make(chan error, 1)}
}

// Go runs fn in a new goroutine under the guard.
func (g *Guard) Go(name string, fn func()) {
	go func() {
		defer g.Recover(name)
		fn()
	}()
}

// Recover reports a panic in the calling goroutine as fatal. It must be
// deferred directly.
func (g *Guard) Recover(name string) {
	if g == nil {
		return
	}
	p := recover()
	if p == nil {
		return
	}
	g.log.Error("goroutine panicked",
		slog.String("goroutine", name),
		slog.Any("panic", p),
		slog.String("stack", string(debug.Stack())),
	)
	select {
	case g.fatal <- fmt.Errorf("panic in %s: %v", name, p):
	default:
	}
}

// Fatal yields the first recovered panic.
func (g *Guard) Fatal() <-chan error {
	return g.fatal
}
