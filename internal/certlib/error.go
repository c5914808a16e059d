package certlib

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

import "errors"

// queryError is an error type that includes a retryable flag.
// Executors return it so the retry loop can tell a transient backend failure
// (bad status, database exception) from an unexpected one.
type queryError struct {
	message   string
	retryable bool
	cause     error
}

// NewQueryError creates a retryable error: the backend reported a structured failure.
func NewQueryError(msg string, cause error) error {
	return &queryError{message: msg, retryable: true, cause: cause}
}

// NewFatalError creates a non-retryable error: something outside the backend's
// normal failure modes happened.
func NewFatalError(msg string, cause error) error {
	return &queryError{message: msg, retryable: false, cause: cause}
}

// Error implements the standard Go `error` interface.
func (e *queryError) Error() string {
	return e.message
}

// Unwrap exposes the underlying cause, if any.
func (e *queryError) Unwrap() error {
	return e.cause
}

// IsRetryable returns true if the error is designated as retryable, false otherwise.
func (e *queryError) IsRetryable() bool {
	return e.retryable
}

// IsRetryable is a helper function to check if a given error carries the
// retryable flag. Nil and unclassified errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var qe *queryError
	if errors.As(err, &qe) {
		return qe.IsRetryable()
	}
	return false
}
