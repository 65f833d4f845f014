package capture

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeProcess is a scriptable Process. Lines are fed by the test.
type fakeProcess struct {
	pid        int
	lines      chan string
	done       chan struct{}
	exitOnce   sync.Once
	exitCode   atomic.Int32
	ignoreTerm bool

	terms atomic.Int32
	kills atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:   pid,
		lines: make(chan string, 16),
		done:  make(chan struct{}),
	}
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode.Store(int32(code))
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Lines() <-chan string  { return p.lines }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { return int(p.exitCode.Load()) }

func (p *fakeProcess) Terminate() error {
	p.terms.Add(1)
	if !p.ignoreTerm {
		p.exit(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.exit(-1)
	return nil
}

// fakeLauncher hands out processes built by next.
type fakeLauncher struct {
	mu       sync.Mutex
	next     func(spec Spec) *fakeProcess
	launched []*fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	p := l.next(spec)
	l.mu.Lock()
	l.launched = append(l.launched, p)
	l.mu.Unlock()
	return p, nil
}

// readyProcess emits a readiness line as soon as it is launched.
func readyProcess(pid int) func(Spec) *fakeProcess {
	return func(Spec) *fakeProcess {
		p := newFakeProcess(pid)
		p.lines <- "INFO: Renderer: opengl"
		return p
	}
}
