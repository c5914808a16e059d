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
	"errors"
	"fmt"

	"github.com/x-stp/crtrecon/internal/certlib"
)

// OutcomeKind classifies how a single attempt ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeQueryError
	OutcomeFatal
	OutcomeTimeout
)

var outcomeNames = [...]string{
	OutcomeSuccess:    "success",
	OutcomeQueryError: "query_error",
	OutcomeFatal:      "fatal",
	OutcomeTimeout:    "timeout",
}

// String returns the name used on the wire and as a metrics label.
func (k OutcomeKind) String() string {
	if k < 0 || int(k) >= len(outcomeNames) {
		return fmt.Sprintf("unknown(%d)", int(k))
	}
	return outcomeNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(outcomeNames) {
		return nil, fmt.Errorf("unknown outcome kind %d", int(k))
	}
	return []byte(outcomeNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OutcomeKind) UnmarshalText(text []byte) error {
	for i, name := range outcomeNames {
		if name == string(text) {
			*k = OutcomeKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome kind %q", text)
}

// Outcome is the single result an attempt reports back to the engine.
// Records is only set for OutcomeSuccess and Message only for the two error
// kinds.
type Outcome struct {
	Kind    OutcomeKind      `json:"kind"`
	Records []certlib.Record `json:"records,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Success wraps the records of a completed query.
func Success(records []certlib.Record) Outcome {
	return Outcome{Kind: OutcomeSuccess, Records: records}
}

// QueryFailure reports a retryable backend failure.
func QueryFailure(msg string) Outcome {
	return Outcome{Kind: OutcomeQueryError, Message: msg}
}

// Fatal reports a failure that ends the run.
func Fatal(msg string) Outcome {
	return Outcome{Kind: OutcomeFatal, Message: msg}
}

// TimedOut reports an attempt that did not finish within its budget.
func TimedOut() Outcome {
	return Outcome{Kind: OutcomeTimeout}
}

// OutcomeFromResult maps what an executor returned onto an Outcome.
// Unclassified errors are fatal.
func OutcomeFromResult(records []certlib.Record, err error) Outcome {
	switch {
	case err == nil:
		if records == nil {
			records = []certlib.Record{}
		}
		return Success(records)
	case certlib.IsRetryable(err):
		return QueryFailure(err.Error())
	}
	return Fatal(err.Error())
}

var errNoOutcome = errors.New("worker exited without reporting an outcome")
