/*
Package core drives crt.sh lookups for crtrecon. It owns the retry and
failover state machine, the isolated runners that bound every attempt with a
hard timeout, and the worker side of the process protocol.
*/
package core

import (
	"errors"

	"github.com/x-stp/crtrecon/internal/certlib"
)

// ErrInterrupted is returned when the run is cancelled by the user, either
// during an attempt or while sleeping between attempts.
var ErrInterrupted = errors.New("keyboard interrupt")

// FatalError ends a run on the first attempt that reports a non-query
// failure. No retry or failover follows it.
type FatalError struct {
	Message string
}

// Error implements the standard Go `error` interface.
func (e *FatalError) Error() string {
	return "non-query error (" + e.Message + ")"
}

// ExhaustedRetriesError is returned once the retry budget is spent on the
// backend that was active at the time and no failover remains.
type ExhaustedRetriesError struct {
	Backend certlib.Backend
}

// Error implements the standard Go `error` interface.
func (e *ExhaustedRetriesError) Error() string {
	return "hit retry limit on " + e.Backend.String() + " backend"
}

// Advice returns the user-facing hint for what to change after running out
// of retries on Backend.
func (e *ExhaustedRetriesError) Advice() string {
	const prefix = "Hit retry limit. crt.sh rate limits source IPs and can be unstable. "
	if e.Backend == certlib.BackendDatabase {
		return prefix + "Try modifying the limit (-l) and date (-d) settings."
	}
	return prefix + "Try querying the database using --database instead."
}

// TerminationMessage renders the line printed before exiting with a
// terminal error.
func TerminationMessage(err error) string {
	var fatal *FatalError
	var exhausted *ExhaustedRetriesError
	switch {
	case errors.Is(err, ErrInterrupted):
		return "Terminating: Keyboard interrupt"
	case errors.As(err, &fatal):
		return "Terminating: Non-query error (" + fatal.Message + ")"
	case errors.As(err, &exhausted):
		return "Terminating: " + exhausted.Advice()
	case err == nil:
		return ""
	}
	return "Terminating: " + err.Error()
}
