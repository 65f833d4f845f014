package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	lineBuffer     = 64
	pipeCloseDelay = 2 * time.Second
)

// ExecLauncher runs the capture binary as a child process in its own process
// group. Arguments are passed as argv elements; no shell is involved.
type ExecLauncher struct {
	Binary string
	Args   []string
	Log    *slog.Logger
}

// Launch starts the binary. The process is not bound to ctx; its lifetime is
// managed by the Supervisor.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := ExpandArgs(l.Args, spec)
	cmd := exec.Command(l.Binary, args...)
	setProcessGroup(cmd)

	// The child writes to plain pipes so that cmd.Wait returns as soon as the
	// child exits, even when a descendant keeps the write ends open.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdoutR, stderrR)
		return nil, fmt.Errorf("start %s: %w", l.Binary, err)
	}

	p := &execProcess{
		cmd:   cmd,
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
	}

	readersDone := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(2)
	go p.scan(stdoutR, &readers)
	go p.scan(stderrR, &readers)
	go func() {
		readers.Wait()
		close(p.lines)
		close(readersDone)
	}()

	go func() {
		err := cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		if l.Log != nil {
			l.Log.Debug("capture process exited",
				slog.String("session_id", spec.SessionID),
				slog.Int("pid", cmd.Process.Pid),
				slog.Int("exit_code", p.exitCode),
				slog.Any("wait_error", err),
			)
		}
		close(p.done)

		// Output still held open by a descendant is abandoned after a delay.
		select {
		case <-readersDone:
		case <-time.After(pipeCloseDelay):
			closeAll(stdoutR, stderrR)
		}
	}()

	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	lines    chan string
	done     chan struct{}
	exitCode int
}

func (p *execProcess) scan(r *os.File, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
	// Keep the pipe drained after an oversized line so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Lines() <-chan string  { return p.lines }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *execProcess) Terminate() error {
	return terminateGroup(p.cmd.Process)
}

func (p *execProcess) Kill() error {
	return killGroup(p.cmd.Process)
}
