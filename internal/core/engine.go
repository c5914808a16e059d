package core

/*
rxtls — fast tool in Go for working with Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/x-stp/crtrecon/internal/certlib"
	"github.com/x-stp/crtrecon/internal/metrics"
)

const (
	heartbeatInterval = 15 * time.Second
	heartbeatTick     = time.Second
)

// Config holds the immutable settings of one run.
type Config struct {
	Domain      string
	Retries     int
	Timeout     time.Duration
	Sleep       time.Duration
	Limit       int
	Cutoff      time.Time
	PrimaryOnly bool
	Backend     certlib.Backend
	Failover    bool
	Quiet       bool
	Verbose     bool
	Endpoint    certlib.DBEndpoint
}

// Validate reports the first setting that cannot produce a valid run.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Domain) == "":
		return errors.New("domain must not be empty")
	case c.Retries < 0:
		return fmt.Errorf("retries must be >= 0, got %d", c.Retries)
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	case c.Sleep < 0:
		return fmt.Errorf("sleep must be >= 0, got %s", c.Sleep)
	case c.Limit <= 0:
		return fmt.Errorf("limit must be positive, got %d", c.Limit)
	case c.Backend != certlib.BackendWeb && c.Backend != certlib.BackendDatabase:
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	return nil
}

// State is where the engine is in its retry and failover cycle.
type State int

const (
	StateAttempting State = iota
	StateSuccess
	StateRetrying
	StateFailingOver
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateSuccess:
		return "success"
	case StateRetrying:
		return "retrying"
	case StateFailingOver:
		return "failing_over"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// attemptState is the only mutable part of a run.
type attemptState struct {
	state             State
	backend           certlib.Backend
	attemptsUsed      int
	failoverAvailable bool
	attempt           int
}

// Engine runs bounded, isolated attempts against crt.sh, retrying and failing
// over between backends until one succeeds or the budget is spent.
type Engine struct {
	cfg     Config
	runner  Runner
	logger  zerolog.Logger
	metrics *metrics.Metrics
	runID   string

	// sleep waits between attempts. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine validates cfg and returns an engine that executes attempts with runner.
func NewEngine(cfg Config, runner Runner, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	runID := uuid.NewString()
	return &Engine{
		cfg:     cfg,
		runner:  runner,
		logger:  logger.With().Str("run_id", runID).Logger(),
		metrics: metrics.GetMetrics(),
		runID:   runID,
		sleep:   sleepContext,
	}, nil
}

// RunID identifies this engine's run in logs and worker requests.
func (e *Engine) RunID() string {
	return e.runID
}

// Run drives the state machine to completion and returns the sorted,
// unique hostnames found.
func (e *Engine) Run(ctx context.Context) ([]string, error) {
	st := attemptState{
		state:             StateAttempting,
		backend:           e.cfg.Backend,
		failoverAvailable: e.cfg.Failover,
	}

	var records []certlib.Record
	for st.state != StateSuccess {
		st.attempt++
		out, err := e.attempt(ctx, &st)
		if err != nil {
			return nil, ErrInterrupted
		}

		switch out.Kind {
		case OutcomeSuccess:
			records = out.Records
			st.state = StateSuccess
			continue
		case OutcomeFatal:
			return nil, &FatalError{Message: out.Message}
		case OutcomeTimeout:
			e.logger.Info().Msg("Attempt Failed: Timeout reached")
		case OutcomeQueryError:
			e.logger.Info().Msg("Attempt Failed: " + out.Message)
		default:
			return nil, &FatalError{Message: "unexpected outcome " + out.Kind.String()}
		}

		if err := e.account(ctx, &st); err != nil {
			return nil, err
		}
	}

	names := certlib.ExtractHostnames(records, e.cfg.Domain, e.cfg.PrimaryOnly)
	e.metrics.RecordResults(st.backend.String(), len(records), len(names))
	e.logger.Debug().
		Int("records", len(records)).
		Int("hostnames", len(names)).
		Str("digest", certlib.HostnameDigest(names)).
		Msg("run complete")
	return names, nil
}

// attempt executes one isolated unit on the current backend.
func (e *Engine) attempt(ctx context.Context, st *attemptState) (Outcome, error) {
	req := &WorkerRequest{
		RunID:   e.runID,
		Attempt: st.attempt,
		Backend: st.backend,
		Query: certlib.Query{
			Domain: e.cfg.Domain,
			Limit:  e.cfg.Limit,
			Cutoff: e.cfg.Cutoff,
		},
		Endpoint: e.cfg.Endpoint,
		Timeout:  e.cfg.Timeout,
		Quiet:    e.cfg.Quiet,
		Verbose:  e.cfg.Verbose,
	}

	e.logger.Debug().
		Str("backend", st.backend.String()).
		Int("attempt", st.attempt).
		Dur("timeout", e.cfg.Timeout).
		Msg("starting attempt")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go e.heartbeat(hbCtx, st.backend)
	observe := metrics.MeasureDuration(e.metrics.AttemptDuration, prometheus.Labels{"backend": st.backend.String()})

	out, err := e.runner.Run(ctx, req)
	stopHeartbeat()
	observe()
	if err != nil {
		e.metrics.RecordAttempt(st.backend.String(), "interrupted")
		return Outcome{}, err
	}
	e.metrics.RecordAttempt(st.backend.String(), out.Kind.String())
	return out, nil
}

// account applies the retry budget after a failed attempt.
func (e *Engine) account(ctx context.Context, st *attemptState) error {
	if st.attemptsUsed == e.cfg.Retries {
		if !st.failoverAvailable {
			st.state = StateExhausted
			return &ExhaustedRetriesError{Backend: st.backend}
		}
		from := st.backend
		st.backend = from.Other()
		st.failoverAvailable = false
		st.attemptsUsed = 0
		st.state = StateFailingOver
		e.metrics.RecordFailover(from.String(), st.backend.String())
		e.logger.Info().Msgf("Failing over to %s query...", st.backend)
		return nil
	}

	st.attemptsUsed++
	st.state = StateRetrying
	e.logger.Info().Msgf("Retrying (%d/%d)...", st.attemptsUsed, e.cfg.Retries)
	if err := e.sleep(ctx, e.cfg.Sleep); err != nil {
		return ErrInterrupted
	}
	st.state = StateAttempting
	return nil
}

// heartbeat reports a long-running attempt until ctx is done.
func (e *Engine) heartbeat(ctx context.Context, backend certlib.Backend) {
	start := time.Now()
	ticker := time.NewTicker(heartbeatTick)
	defer ticker.Stop()
	gate := rate.Sometimes{Interval: heartbeatInterval}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			if elapsed < heartbeatInterval {
				continue
			}
			gate.Do(func() {
				e.logger.Info().Msgf("Still waiting on %s query (%s elapsed)...", backend, elapsed.Round(time.Second))
			})
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
