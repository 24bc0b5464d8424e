// Package apperror holds the sentinel error categories used across the
// workers so callers can classify a failure with errors.Is instead of
// string-matching messages.
package apperror

import "errors"

var (
	// ErrConfig marks a record that failed schema validation. The entity is
	// skipped for this pass; the loop continues.
	ErrConfig = errors.New("configuration error")

	// ErrPrecondition marks a missing owner/room/server. Callers write a 4xx
	// ledger code and skip the remaining stages of the current tick.
	ErrPrecondition = errors.New("missing precondition")

	// ErrTransient marks a failed call to an external system (conference
	// API, SSH, SMTP) that is expected to be retried on the next tick.
	ErrTransient = errors.New("transient external failure")

	// ErrFatal marks an environment failure that should terminate the
	// worker process (broker unreachable at startup, DB schema mismatch).
	ErrFatal = errors.New("fatal environment error")
)
