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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/x-stp/crtrecon/internal/certlib"
)

// WorkerCommand is the hidden subcommand the binary re-executes itself with.
const WorkerCommand = "worker"

// ProcessRunner runs each attempt in a child process so a hung query can be
// killed outright. The request goes to the child's stdin as JSON and exactly
// one Outcome is expected back on its stdout. The child's exit is the only
// completion signal.
type ProcessRunner struct {
	// Path of the worker binary. Defaults to os.Executable.
	Path string
	// Args passed before any request data. Defaults to {WorkerCommand}.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Stderr receives the child's status lines. Defaults to os.Stderr.
	Stderr io.Writer
}

// Run implements Runner.
func (p *ProcessRunner) Run(ctx context.Context, req *WorkerRequest) (Outcome, error) {
	path := p.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return Fatal(fmt.Sprintf("locating worker binary: %v", err)), nil
		}
		path = self
	}
	args := p.Args
	if args == nil {
		args = []string{WorkerCommand}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Fatal(fmt.Sprintf("encoding worker request: %v", err)), nil
	}

	var stdout bytes.Buffer
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Fatal(fmt.Sprintf("starting worker: %v", err)), nil
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		out, err := decodeOutcome(stdout.Bytes())
		if err != nil {
			if waitErr != nil {
				err = fmt.Errorf("%w: %v", err, waitErr)
			}
			return Fatal(err.Error()), nil
		}
		return out, nil
	case <-timer.C:
		killWorker(cmd)
		return TimedOut(), nil
	case <-ctx.Done():
		killWorker(cmd)
		return Outcome{}, ctx.Err()
	}
}

// decodeOutcome reads the single Outcome a worker writes. Empty output and
// trailing data after the first value are both protocol violations.
func decodeOutcome(data []byte) (Outcome, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Outcome{}, errNoOutcome
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var out Outcome
	if err := dec.Decode(&out); err != nil {
		return Outcome{}, fmt.Errorf("decoding worker outcome: %w", err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Outcome{}, errors.New("worker reported more than one outcome")
	}
	if out.Kind == OutcomeSuccess && out.Records == nil {
		out.Records = []certlib.Record{}
	}
	return out, nil
}
