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
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/x-stp/crtrecon/internal/certlib"
	"github.com/x-stp/crtrecon/internal/client"
)

// WorkerRequest is everything an isolated attempt needs. It crosses the
// process boundary as JSON on the worker's stdin.
type WorkerRequest struct {
	RunID    string             `json:"run_id"`
	Attempt  int                `json:"attempt"`
	Backend  certlib.Backend    `json:"backend"`
	Query    certlib.Query      `json:"query"`
	Endpoint certlib.DBEndpoint `json:"endpoint"`
	Timeout  time.Duration      `json:"timeout"`
	Quiet    bool               `json:"quiet"`
	Verbose  bool               `json:"verbose"`
}

// Runner executes one attempt in isolation and enforces req.Timeout.
// A non-nil error is only returned when ctx was cancelled; every other
// ending is reported through the Outcome.
type Runner interface {
	Run(ctx context.Context, req *WorkerRequest) (Outcome, error)
}

// ExecutorFactory builds the executor for the backend named in req.
type ExecutorFactory func(req *WorkerRequest) (certlib.Executor, error)

// DefaultExecutors returns the real crt.sh executors.
func DefaultExecutors(req *WorkerRequest) (certlib.Executor, error) {
	switch req.Backend {
	case certlib.BackendWeb:
		cfg := client.DefaultConfig()
		if req.Timeout > 0 {
			cfg.RequestTimeout = req.Timeout
		}
		client.InitHTTPClient(cfg)
		return &certlib.WebExecutor{}, nil
	case certlib.BackendDatabase:
		return certlib.NewDBExecutor(req.Endpoint), nil
	}
	return nil, fmt.Errorf("no executor for backend %s", req.Backend)
}

// runQuery calls the executor and turns a panic into a fatal outcome.
func runQuery(ctx context.Context, exec certlib.Executor, q *certlib.Query) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", r).Msg("executor panicked")
			out = Fatal(fmt.Sprintf("executor panicked: %v", r))
		}
	}()
	records, err := exec.Query(ctx, q)
	return OutcomeFromResult(records, err)
}

// GoroutineRunner runs attempts on a goroutine inside the current process.
// On timeout the attempt's context is cancelled and the goroutine is
// abandoned; its late result lands in a buffered channel nobody reads.
type GoroutineRunner struct {
	Executors ExecutorFactory
	Logger    zerolog.Logger
}

// NewGoroutineRunner returns a runner using executors, or DefaultExecutors when nil.
func NewGoroutineRunner(executors ExecutorFactory, logger zerolog.Logger) *GoroutineRunner {
	if executors == nil {
		executors = DefaultExecutors
	}
	return &GoroutineRunner{Executors: executors, Logger: logger}
}

// Run implements Runner.
func (r *GoroutineRunner) Run(ctx context.Context, req *WorkerRequest) (Outcome, error) {
	executors := r.Executors
	if executors == nil {
		executors = DefaultExecutors
	}
	exec, err := executors(req)
	if err != nil {
		return Fatal(err.Error()), nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := r.Logger.With().Str("backend", req.Backend.String()).Int("attempt", req.Attempt).Logger()
	attemptCtx = logger.WithContext(attemptCtx)

	query := req.Query
	result := make(chan Outcome, 1)
	go func() {
		result <- runQuery(attemptCtx, exec, &query)
	}()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case out := <-result:
		return out, nil
	case <-timer.C:
		return TimedOut(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
