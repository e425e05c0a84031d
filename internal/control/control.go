// Package control implements the Host Control Channel: one persistent ssh
// subprocess per host carrying listing traffic only.
package control

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oetiker/logfetcher/internal/sshproc"
)

// defaultSSHArgs are the mandatory session options from §4.2/§6. They are
// appended after the caller-supplied sshConnect arguments on every
// invocation of the ssh binary, for both the control channel and every
// Transfer Task leg.
//
//nolint:gochecknoglobals // fixed by the wire protocol, never overridden
var defaultSSHArgs = []string{"-T", "-x", "-y", "-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}

// BuildArgs returns the full ssh argument list for connecting via
// sshConnect, with the mandatory session options appended.
func BuildArgs(sshConnect []string) []string {
	args := make([]string, 0, len(sshConnect)+len(defaultSSHArgs))
	args = append(args, sshConnect...)
	args = append(args, defaultSSHArgs...)
	return args
}

// Channel is one Host Control Channel. It is terminal once its Events
// channel closes: the Fetch Engine discards it and creates a new one on
// the next tick.
type Channel struct {
	ID uuid.UUID

	logger zerolog.Logger
	proc   *sshproc.Process
}

// Option configures a Channel before Start.
type Option func(*Channel)

// WithLogger attaches a logger. The zero value is zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// Start launches the control channel's ssh subprocess for sshConnect and
// begins delivering events immediately.
func Start(sshConnect []string, opts ...Option) (*Channel, error) {
	c := &Channel{ID: uuid.New(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}

	c.proc = sshproc.New("ssh", BuildArgs(sshConnect), sshproc.WithLogger(c.logger))
	if err := c.proc.Start(); err != nil {
		return nil, fmt.Errorf("control: starting channel for %v: %w", sshConnect, err)
	}

	c.logger.Debug().Str("channel", c.ID.String()).Int("pid", c.proc.PID()).
		Msg("control channel started")

	return c, nil
}

// Write appends one shell command line to the channel's stdin. The control
// channel imposes no per-command timeout; stall detection is the Fetch
// Engine's responsibility (§4.4 step 2), driven off the last time a
// listing record was decoded.
func (c *Channel) Write(line string) error {
	return c.proc.WriteLine(line)
}

// Events returns the channel's merged stdout/stderr event stream. It is
// closed once the subprocess has exited, at which point this Channel is
// terminal.
func (c *Channel) Events() <-chan sshproc.Event {
	return c.proc.Events()
}

// Kill terminates the channel's subprocess immediately, used by the stall
// watchdog in §4.4 step 2.
func (c *Channel) Kill() {
	c.proc.Kill()
}
