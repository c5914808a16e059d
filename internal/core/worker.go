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
	"encoding/json"
	"fmt"
	"io"
)

// Serve is the worker side of ProcessRunner. It reads one WorkerRequest
// from stdin, runs the query and writes exactly one Outcome to stdout.
// Status lines go to stderr. The returned error only reports a failure to
// write the outcome.
func Serve(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, executors ExecutorFactory) error {
	if executors == nil {
		executors = DefaultExecutors
	}

	var req WorkerRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return writeOutcome(stdout, Fatal(fmt.Sprintf("invalid worker request: %v", err)))
	}

	logger := NewLogger(stderr, req.Quiet, req.Verbose).With().
		Str("run_id", req.RunID).
		Str("backend", req.Backend.String()).
		Int("attempt", req.Attempt).
		Logger()
	ctx = logger.WithContext(ctx)

	exec, err := executors(&req)
	if err != nil {
		return writeOutcome(stdout, Fatal(err.Error()))
	}
	out := runQuery(ctx, exec, &req.Query)
	logger.Debug().Str("outcome", out.Kind.String()).Int("records", len(out.Records)).Msg("worker finished")
	return writeOutcome(stdout, out)
}

func writeOutcome(w io.Writer, out Outcome) error {
	if err := json.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("writing worker outcome: %w", err)
	}
	return nil
}
