// Package scheduler implements the process-wide driver: one Host Fetch
// Engine per configured host, ticked by a central loop on logCheckInterval,
// with periodic status logging on statusLogInterval (§4.4, §4.5).
package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/oetiker/logfetcher/internal/config"
	"github.com/oetiker/logfetcher/internal/fetchengine"
)

// Option configures a Scheduler before Run.
type Option func(*Scheduler)

// WithLogger attaches a logger. The zero value is zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// Scheduler owns one fetchengine.Engine per configured host and drives them
// all from a single pair of tickers.
type Scheduler struct {
	logger zerolog.Logger

	logCheckInterval  time.Duration
	statusLogInterval time.Duration

	engines []*fetchengine.Engine
}

// New builds a Scheduler with one Engine per cfg.Hosts entry.
func New(cfg config.Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:            zerolog.Nop(),
		logCheckInterval:  time.Duration(cfg.General.LogCheckInterval) * time.Second,
		statusLogInterval: time.Duration(cfg.General.StatusLogInterval) * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, host := range cfg.Hosts {
		s.engines = append(s.engines, fetchengine.New(host, cfg.General, fetchengine.WithLogger(s.logger)))
	}

	return s
}

// Run drives every engine until ctx is cancelled. It performs one eager
// tick per engine before entering the ticker loop, so the first listing
// round happens immediately rather than after the first logCheckInterval
// elapses (§4.4).
//
// Errors from the eager round are aggregated and returned, but are not
// fatal to the engines that succeeded: a host whose control channel failed
// to start on the first attempt is retried on every subsequent
// logCheckInterval tick like any other transient failure (§7).
func (s *Scheduler) Run(ctx context.Context) error {
	var startupErrs *multierror.Error
	for _, e := range s.engines {
		if err := e.Tick(); err != nil {
			startupErrs = multierror.Append(startupErrs, err)
			s.logger.Warn().Err(err).Str("host", e.Name()).Msg("initial tick failed, will retry")
		}
	}

	logCheckTicker := time.NewTicker(s.logCheckInterval)
	defer logCheckTicker.Stop()

	statusTicker := time.NewTicker(s.statusLogInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return startupErrs.ErrorOrNil()

		case <-logCheckTicker.C:
			for _, e := range s.engines {
				if err := e.Tick(); err != nil {
					s.logger.Warn().Err(err).Str("host", e.Name()).Msg("tick failed, will retry")
				}
			}

		case <-statusTicker.C:
			s.logStatus()
		}
	}
}

// logStatus flushes and logs each engine's stats counters, per invariant 6's
// read-then-reset discipline.
func (s *Scheduler) logStatus() {
	for _, e := range s.engines {
		stats := e.FlushStats()
		s.logger.Info().Str("host", e.Name()).
			Int64("filesChecked", stats.FilesChecked).
			Int64("filesTransfered", stats.FilesTransfered).
			Int64("bytesTransfered", stats.BytesTransfered).
			Msg("status")
	}
}

func (s *Scheduler) stopAll() {
	for _, e := range s.engines {
		e.Stop()
	}
}

// EngineNames returns the logical names of every engine the scheduler owns,
// in configuration order. Used by cmd to report what was loaded before
// Run blocks.
func (s *Scheduler) EngineNames() []string {
	names := make([]string, len(s.engines))
	for i, e := range s.engines {
		names[i] = e.Name()
	}
	return names
}
