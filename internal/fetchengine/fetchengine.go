// Package fetchengine implements the Host Fetch Engine: the per-host
// supervisor that owns the Control Channel, the active-transfer set, the
// doneFiles/workingFiles sets, stats counters, and the stall timer (§4.4).
package fetchengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oetiker/logfetcher/internal/config"
	"github.com/oetiker/logfetcher/internal/control"
	"github.com/oetiker/logfetcher/internal/fileutil"
	"github.com/oetiker/logfetcher/internal/listing"
	"github.com/oetiker/logfetcher/internal/sshproc"
	"github.com/oetiker/logfetcher/internal/transfer"
)

// Stats mirrors the FetchEngineState counters from §3: filesChecked,
// filesTransfered, bytesTransfered. The Scheduler flushes and resets these
// on statusLogInterval (§4.5).
type Stats struct {
	FilesChecked    int64
	FilesTransfered int64
	BytesTransfered int64
}

// Option configures an Engine before its first Tick.
type Option func(*Engine)

// WithLogger attaches a logger. The zero value is zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine is the per-host Host Fetch Engine. Its periodic operation is Tick
// (the other exported methods are accessors and Stop); everything else is
// event-driven off the control channel's data
// stream and transfer task completions, both of which run on goroutines
// whose access to Engine's mutable state is serialized by mu, per §5's
// requirement that preemptive-thread implementations confine state mutation
// behind a single lock.
type Engine struct {
	host    config.HostConfig
	general config.GeneralConfig
	logger  zerolog.Logger

	mu                  sync.Mutex
	ch                  *control.Channel
	parser              listing.Parser
	lastListingActivity time.Time
	doneFiles           map[string]struct{}
	workingFiles        map[string]struct{}
	activeTransferCount int
	stats               Stats

	wg sync.WaitGroup
}

// New builds an Engine for host, configured by general.
func New(host config.HostConfig, general config.GeneralConfig, opts ...Option) *Engine {
	e := &Engine{
		host:         host,
		general:      general,
		logger:       zerolog.Nop(),
		doneFiles:    make(map[string]struct{}),
		workingFiles: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the host's logical name, used as a log/stats key.
func (e *Engine) Name() string {
	return e.host.Name
}

// Tick is the engine's periodic entry point (§4.4). It creates a control
// channel if none exists, then either kills a stalled channel or issues one
// listing command per configured LogFileSpec. It returns a non-nil error only when
// it had to (re)create the control channel and that failed; a stall or a
// normal listing round never errors, matching the "log and retry next tick"
// disposition of every recoverable error in §7.
func (e *Engine) Tick() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ch == nil {
		ch, err := control.Start(e.host.SSHConnect, control.WithLogger(e.logger))
		if err != nil {
			e.logger.Error().Err(err).Str("host", e.host.Name).Msg("failed to start control channel")
			return fmt.Errorf("fetchengine: host %s: %w", e.host.Name, err)
		}
		e.ch = ch
		e.parser = listing.Parser{}
		e.lastListingActivity = time.Now()

		e.wg.Add(1)
		go e.drainControl(ch)

		e.logger.Info().Str("host", e.host.Name).Msg("control channel established")
	}

	stallWindow := time.Duration(e.general.Timeout+e.general.LogCheckInterval) * time.Second
	if time.Since(e.lastListingActivity) > stallWindow {
		sample := e.parser.FirstReadSample()
		e.logger.Warn().Str("host", e.host.Name).Bytes("firstReadSample", sample).
			Msg("control channel stalled, killing")
		e.ch.Kill()
		e.ch = nil
		return nil
	}

	for i, lf := range e.host.LogFiles {
		cmd := fmt.Sprintf("stat --format='<LOG_FILE><%d><%%Y><%%n><NL>' %s", i, lf.GlobPattern)
		if err := e.ch.Write(cmd); err != nil {
			e.logger.Error().Err(err).Str("host", e.host.Name).Int("logFile", i).
				Msg("failed to write listing command")
		}
	}
	return nil
}

// ActiveTransfers returns the number of Transfer Tasks currently in flight
// for this host, for diagnostics and for asserting invariant 4
// (|activeTransfers| <= transferTaskLimit) from outside the package.
func (e *Engine) ActiveTransfers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTransferCount
}

// Stats returns a snapshot of the engine's counters without resetting them.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// FlushStats returns the current counters and resets them to zero, the
// status reporter's read-then-reset discipline from invariant 6.
func (e *Engine) FlushStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	e.stats = Stats{}
	return s
}

// Stop kills any running control channel. It does not wait for in-flight
// transfer tasks: per §5, kill-9 is acceptable because a completed file is,
// by invariant 3, either fully present or absent.
func (e *Engine) Stop() {
	e.mu.Lock()
	ch := e.ch
	e.ch = nil
	e.mu.Unlock()

	if ch != nil {
		ch.Kill()
	}
}

// drainControl reads events off one control channel generation until it
// closes, feeding data chunks to the listing parser and spawning transfer
// tasks for newly eligible records.
func (e *Engine) drainControl(ch *control.Channel) {
	defer e.wg.Done()

	for ev := range ch.Events() {
		switch ev.Kind {
		case sshproc.EventData:
			e.handleData(ch, ev.Data)
		case sshproc.EventClosed, sshproc.EventError:
			e.handleClosed(ch)
		}
	}
}

func (e *Engine) handleData(ch *control.Channel, chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ch != ch {
		// This generation was already discarded by a stall kill; its
		// trailing events are not worth processing.
		return
	}

	records := e.parser.Feed(chunk)
	if len(records) > 0 {
		e.lastListingActivity = time.Now()
	}
	for _, rec := range records {
		e.processRecordLocked(rec)
	}
}

func (e *Engine) handleClosed(ch *control.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == ch {
		e.ch = nil
	}
}

// processRecordLocked implements §4.1's per-record processing. Called with
// mu held.
func (e *Engine) processRecordLocked(rec listing.Record) {
	if rec.LogFileIndex < 0 || rec.LogFileIndex >= len(e.host.LogFiles) {
		e.logger.Warn().Str("host", e.host.Name).Int("logFile", rec.LogFileIndex).
			Msg("listing record references unknown logFile index")
		return
	}
	spec := e.host.LogFiles[rec.LogFileIndex]

	destination, eligible, err := listing.ResolveDestination(spec.DestinationFile, rec.Mtime, spec.FilterRE, rec.RemotePath)
	if err != nil {
		e.logger.Error().Err(err).Str("host", e.host.Name).Str("remote", rec.RemotePath).
			Msg("rejecting listing record with unsafe destination")
		return
	}
	if !eligible {
		return
	}

	e.stats.FilesChecked++

	if _, done := e.doneFiles[destination]; done {
		return
	}
	if fileutil.Exists(destination) {
		e.doneFiles[destination] = struct{}{}
		return
	}
	if _, working := e.workingFiles[destination]; working {
		return
	}
	if e.general.TransferTaskLimit > 0 && e.activeTransferCount >= e.general.TransferTaskLimit {
		// Backpressure: this record is reconsidered on the next tick's
		// listing round (§4.4 Backpressure).
		return
	}

	e.workingFiles[destination] = struct{}{}
	e.activeTransferCount++

	req := transfer.Request{
		SSHConnect:    e.host.SSHConnect,
		RemotePath:    rec.RemotePath,
		Destination:   destination,
		ExpectedMtime: rec.Mtime,
		IdleTimeout:   time.Duration(e.general.Timeout) * time.Second,
	}
	task := transfer.New(req, transfer.WithLogger(e.logger))

	e.wg.Add(1)
	go e.runTransfer(task, destination)
}

func (e *Engine) runTransfer(task *transfer.Task, destination string) {
	defer e.wg.Done()

	result := task.Run(context.Background())

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.workingFiles, destination)
	e.activeTransferCount--

	if result.Err == nil {
		e.doneFiles[destination] = struct{}{}
		e.stats.FilesTransfered++
		e.stats.BytesTransfered += result.BytesTransferred
	}
}
