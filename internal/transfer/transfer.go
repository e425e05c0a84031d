// Package transfer implements the Transfer Task: the bounded-lifetime unit
// responsible for placing exactly one archive file on disk (§4.3).
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oetiker/logfetcher/internal/control"
	"github.com/oetiker/logfetcher/internal/fileutil"
	"github.com/oetiker/logfetcher/internal/sshproc"
)

// ErrAlreadyInProgress is returned when another task already owns the
// destination's working file - the "Concurrent task for same destination"
// row of the §7 error catalog.
var ErrAlreadyInProgress = errors.New("transfer: destination already in progress")

// integrityCheckTimeout is the fixed timeout on the local gunzip --test
// subprocess, per §4.3 step 6.
const integrityCheckTimeout = 600 * time.Second

// Request names one file to fetch: the listing record plus enough of the
// host's connection details to spawn the ssh legs directly.
type Request struct {
	SSHConnect    []string
	RemotePath    string
	Destination   string
	ExpectedMtime int64

	// IdleTimeout is the GENERAL.timeout value: how long the data and
	// verifier legs may go without producing a chunk before they are
	// killed (§4.3 step 5, §5 cancellation & timeouts).
	IdleTimeout time.Duration
}

// Result reports the outcome of one Task.Run.
type Result struct {
	BytesTransferred int64
	Duration         time.Duration
	Err              error
}

// Task attempts to place exactly one archive file on disk.
type Task struct {
	ID     uuid.UUID
	logger zerolog.Logger
	req    Request
}

// Option configures a Task before Run.
type Option func(*Task)

// WithLogger attaches a logger. The zero value is zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Task) { t.logger = logger }
}

// New builds a Task for req.
func New(req Request, opts ...Option) *Task {
	t := &Task{ID: uuid.New(), logger: zerolog.Nop(), req: req}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run executes the task to completion. It blocks until both the
// data/integrity leg and the verifier leg have reported.
//
// Preconditions (enforced by the caller per §4.3): req.Destination is not
// already in doneFiles and does not exist on disk. Task.Run itself
// enforces the workingFiles precondition, by way of an exclusive create of
// the working file.
func (t *Task) Run(ctx context.Context) Result {
	start := time.Now()

	workingFile, err := fileutil.CreateWorkingFile(t.req.Destination)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			t.logger.Info().Str("destination", t.req.Destination).Msg("transfer already in progress")
			return Result{Err: ErrAlreadyInProgress}
		}
		return Result{Err: fmt.Errorf("transfer: %w", err)}
	}

	b := newBarrier(2)
	var bytesWritten int64

	go t.runDataLeg(ctx, workingFile, b, &bytesWritten)

	legErr := b.wait()
	duration := time.Since(start)

	if legErr != nil {
		if removeErr := fileutil.RemoveWorkingFile(t.req.Destination); removeErr != nil {
			t.logger.Error().Err(removeErr).Str("destination", t.req.Destination).
				Msg("failed to remove working file after task failure")
		}
		t.logger.Error().Err(legErr).Str("remote", t.req.RemotePath).
			Str("destination", t.req.Destination).Msg("transfer failed")
		return Result{BytesTransferred: bytesWritten, Duration: duration, Err: legErr}
	}

	if err := fileutil.AtomicRename(t.req.Destination); err != nil {
		t.logger.Error().Err(err).Str("destination", t.req.Destination).Msg("transfer failed")
		return Result{BytesTransferred: bytesWritten, Duration: duration, Err: err}
	}

	t.logger.Info().Str("remote", t.req.RemotePath).Str("destination", t.req.Destination).
		Int64("bytes", bytesWritten).Dur("duration", duration).Msg("transfer complete")

	return Result{BytesTransferred: bytesWritten, Duration: duration}
}

// runDataLeg drives the data subprocess, writing chunks to workingFile. On
// its first chunk it spawns the verifier leg concurrently (§4.3 step 4),
// then after the data subprocess closes, runs the integrity check and
// reports both legs to the barrier. If the data subprocess never produces
// a chunk, the verifier leg never starts and is reported as trivially
// satisfied - the data-leg failure alone fails the task.
func (t *Task) runDataLeg(ctx context.Context, workingFile *os.File, b *barrier, bytesWritten *int64) {
	defer workingFile.Close()

	args := append(control.BuildArgs(t.req.SSHConnect), dataCommand(t.req.RemotePath))
	proc := sshproc.New("ssh", args, sshproc.WithLogger(t.logger), sshproc.WithIdleTimeout(t.req.IdleTimeout))
	if err := proc.Start(); err != nil {
		b.complete(fmt.Errorf("starting data subprocess: %w", err))
		b.complete(nil)
		return
	}

	var verifierStarted bool
	verifierResult := make(chan error, 1)
	var writeErr error
	var closed *sshproc.Event

	for ev := range proc.Events() {
		switch ev.Kind {
		case sshproc.EventData:
			if !verifierStarted {
				verifierStarted = true
				go func() {
					verifierResult <- t.runVerifierLeg(ctx)
				}()
			}
			if writeErr == nil {
				if _, err := workingFile.Write(ev.Data); err != nil {
					writeErr = fmt.Errorf("writing working file: %w", err)
					proc.Kill()
				} else {
					*bytesWritten += int64(len(ev.Data))
				}
			}
		case sshproc.EventClosed, sshproc.EventError:
			e := ev
			closed = &e
		}
	}

	if !verifierStarted {
		b.complete(dataLegOutcome(closed, writeErr, *bytesWritten))
		b.complete(nil)
		return
	}

	dataErr := t.runIntegrityLeg(closed, writeErr, *bytesWritten)
	verifierErr := <-verifierResult

	b.complete(verifierErr)
	b.complete(dataErr)
}

// dataLegOutcome decides whether the data subprocess itself succeeded,
// per the first four rows of the §7/§4.3 failure catalog.
func dataLegOutcome(closed *sshproc.Event, writeErr error, bytesWritten int64) error {
	if writeErr != nil {
		return writeErr
	}
	if closed == nil {
		return errors.New("data subprocess produced no closed event")
	}
	if closed.Kind == sshproc.EventError {
		return fmt.Errorf("data subprocess error: %w", closed.Err)
	}
	if closed.Signal != 0 {
		return fmt.Errorf("data subprocess killed by signal %v", closed.Signal)
	}
	if closed.ExitCode != 0 {
		return fmt.Errorf("data subprocess exited %d", closed.ExitCode)
	}
	if bytesWritten == 0 {
		return errors.New("data subprocess produced zero bytes")
	}
	return nil
}

// runIntegrityLeg runs gunzip --test against the working file, but only if
// the data subprocess itself succeeded (§4.3 step 6).
func (t *Task) runIntegrityLeg(closed *sshproc.Event, writeErr error, bytesWritten int64) error {
	if err := dataLegOutcome(closed, writeErr, bytesWritten); err != nil {
		return err
	}

	proc := sshproc.New("gunzip", []string{"--test", "--quiet", fileutil.WorkingPath(t.req.Destination)},
		sshproc.WithLogger(t.logger), sshproc.WithIdleTimeout(integrityCheckTimeout))
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting integrity check: %w", err)
	}

	var closedEv *sshproc.Event
	for ev := range proc.Events() {
		if ev.Kind == sshproc.EventClosed || ev.Kind == sshproc.EventError {
			e := ev
			closedEv = &e
		}
	}

	switch {
	case closedEv == nil:
		return errors.New("integrity check produced no closed event")
	case closedEv.Kind == sshproc.EventError:
		return fmt.Errorf("integrity check error: %w", closedEv.Err)
	case closedEv.Signal != 0:
		return fmt.Errorf("integrity check killed by signal %v (timeout)", closedEv.Signal)
	case closedEv.ExitCode != 0:
		return fmt.Errorf("integrity check failed: gunzip --test exit %d", closedEv.ExitCode)
	}
	return nil
}

// verifierMtimeRE extracts the remote mtime reported by the verifier's
// `stat --format='<%Y>'` command.
//
//nolint:gochecknoglobals // compiled once
var verifierMtimeRE = regexp.MustCompile(`<(\d+)>`)

// runVerifierLeg re-reads the remote mtime and compares it against the
// mtime supplied at task creation (§4.3 step 4, completion discipline).
func (t *Task) runVerifierLeg(_ context.Context) error {
	args := append(control.BuildArgs(t.req.SSHConnect), verifierCommand(t.req.RemotePath))
	proc := sshproc.New("ssh", args, sshproc.WithLogger(t.logger), sshproc.WithIdleTimeout(t.req.IdleTimeout))
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting verifier subprocess: %w", err)
	}

	var output bytes.Buffer
	var closedEv *sshproc.Event
	for ev := range proc.Events() {
		switch ev.Kind {
		case sshproc.EventData:
			output.Write(ev.Data)
		case sshproc.EventClosed, sshproc.EventError:
			e := ev
			closedEv = &e
		}
	}

	switch {
	case closedEv == nil:
		return errors.New("verifier produced no closed event")
	case closedEv.Kind == sshproc.EventError:
		return fmt.Errorf("verifier error: %w", closedEv.Err)
	case closedEv.Signal != 0:
		return fmt.Errorf("verifier killed by signal %v", closedEv.Signal)
	case closedEv.ExitCode != 0:
		return fmt.Errorf("verifier exited %d", closedEv.ExitCode)
	}

	match := verifierMtimeRE.FindSubmatch(output.Bytes())
	if match == nil {
		return fmt.Errorf("verifier output did not contain a mtime: %q", output.String())
	}

	var mtime int64
	if _, err := fmt.Sscanf(string(match[1]), "%d", &mtime); err != nil {
		return fmt.Errorf("parsing verifier mtime: %w", err)
	}

	if mtime != t.req.ExpectedMtime {
		return fmt.Errorf("mtime mismatch: expected %d, verifier reports %d", t.req.ExpectedMtime, mtime)
	}
	return nil
}

// dataCommand builds the remote shell command for the data leg: cat for
// files that are already gzip-compressed, gzip -c otherwise (§4.3 step 3).
func dataCommand(remotePath string) string {
	if strings.HasSuffix(remotePath, ".gz") {
		return "cat " + shellQuote(remotePath)
	}
	return "gzip -c " + shellQuote(remotePath)
}

// verifierCommand builds the remote shell command for the verifier leg.
func verifierCommand(remotePath string) string {
	return fmt.Sprintf("stat --format='<%%Y>' %s", shellQuote(remotePath))
}

// shellQuote wraps s in single quotes for the remote shell, escaping any
// embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
