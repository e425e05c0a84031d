// Package sshproc supervises the ssh subprocesses shared by the Host
// Control Channel and Transfer Task: spawn, merged stdout/stderr streaming,
// idle-timeout detection, and SIGKILL-based hard cancellation by process
// group so a remote ssh that has itself forked child jobs is actually
// terminated.
package sshproc

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// EventKind distinguishes the events a Process delivers.
type EventKind int

const (
	// EventData carries one chunk of merged stdout/stderr bytes.
	EventData EventKind = iota
	// EventClosed reports that the subprocess has exited.
	EventClosed
	// EventError reports a failure to wait on the subprocess itself,
	// distinct from a non-zero exit (which is still EventClosed).
	EventError
)

// Event is one item delivered on a Process's event channel.
type Event struct {
	Kind EventKind

	// Data is set for EventData.
	Data []byte

	// ExitCode and Signal are set for EventClosed. Signal is zero if the
	// process exited normally.
	ExitCode int
	Signal   syscall.Signal

	// Err is set for EventError.
	Err error
}

// Option configures a Process before Start.
type Option func(*Process)

// WithLogger attaches a logger for diagnostics (idle timeouts, kill
// escalation). The zero value is zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Process) { p.logger = logger }
}

// WithIdleTimeout arms a timer that kills the process if no data chunk
// arrives for d. Zero (the default) disables the timer; callers that need
// the control channel's stall watchdog (§4.4) implement it themselves
// against lastListingActivity instead, since that window spans many
// listing commands rather than one subprocess's lifetime.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Process) { p.idleTimeout = d }
}

// Process supervises one subprocess: an ssh control channel, a transfer
// data leg, a verifier leg, or a local gunzip integrity check.
//
// A Process is not safe for concurrent use by multiple goroutines beyond
// reading Events() and calling Kill/Write, which are safe to call from any
// goroutine.
type Process struct {
	ID     uuid.UUID
	logger zerolog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	events chan Event

	idleTimeout time.Duration
	idleTimer   *time.Timer

	mu     sync.Mutex
	killed bool
}

// New builds an unstarted Process running name with args. The process is
// placed in its own process group so Kill can signal every descendant.
func New(name string, args []string, opts ...Option) *Process {
	p := &Process{
		ID:     uuid.New(),
		logger: zerolog.Nop(),
		cmd:    exec.Command(name, args...),
		events: make(chan Event, 16),
	}
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Events returns the channel Process delivers events on. It is closed
// after the EventClosed (or EventError) event has been sent.
func (p *Process) Events() <-chan Event {
	return p.events
}

// PID returns the subprocess's process ID, or 0 if Start has not been
// called or has failed.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Start launches the subprocess and begins delivering events.
func (p *Process) Start() error {
	pr, pw := io.Pipe()
	p.cmd.Stdout = pw
	p.cmd.Stderr = pw

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sshproc: stdin pipe for %s: %w", p.cmd.Path, err)
	}
	p.stdin = stdin

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("sshproc: start %s: %w", p.cmd.Path, err)
	}

	if p.idleTimeout > 0 {
		p.idleTimer = time.AfterFunc(p.idleTimeout, func() {
			p.logger.Warn().Str("id", p.ID.String()).Int("pid", p.PID()).
				Msg("subprocess idle timeout, killing")
			p.Kill()
		})
	}

	var readDone sync.WaitGroup
	readDone.Add(1)
	go func() {
		defer readDone.Done()
		p.readLoop(pr)
	}()

	go p.waitLoop(pw, &readDone)

	return nil
}

func (p *Process) readLoop(pr *io.PipeReader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			if p.idleTimer != nil {
				p.idleTimer.Reset(p.idleTimeout)
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.events <- Event{Kind: EventData, Data: chunk}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) waitLoop(pw *io.PipeWriter, readDone *sync.WaitGroup) {
	waitErr := p.cmd.Wait()
	_ = pw.Close()
	readDone.Wait()

	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}

	ev := Event{Kind: EventClosed}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		// exit code 0, no signal
	case errorsAsExitError(waitErr, &exitErr):
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				ev.Signal = status.Signal()
			} else {
				ev.ExitCode = status.ExitStatus()
			}
		}
	default:
		ev.Kind = EventError
		ev.Err = waitErr
	}

	p.events <- ev
	close(p.events)
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = exitErr
	return true
}

// Write sends bytes to the subprocess's stdin.
func (p *Process) Write(data []byte) error {
	_, err := p.stdin.Write(data)
	return err
}

// WriteLine writes s followed by a newline to the subprocess's stdin, the
// shape the Host Control Channel uses to issue listing commands.
func (p *Process) WriteLine(s string) error {
	return p.Write([]byte(s + "\n"))
}

// Kill sends SIGKILL to the subprocess's entire process group, falling
// back to killing just the direct child if the process group signal
// fails (e.g. the process has already exited). Kill is idempotent.
func (p *Process) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.killed || p.cmd.Process == nil {
		return
	}
	p.killed = true

	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = p.cmd.Process.Kill()
	}
}
