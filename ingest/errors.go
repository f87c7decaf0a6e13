// CLAUDE:SUMMARY Error kinds, configuration errors, sentinels and exit-code mapping for the ingest engine.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/sigfetch/ingest/internal/httpcall"
)

// ErrConfiguration is matched by every *ConfigError.
var ErrConfiguration = errors.New("ingest: configuration error")

// ErrRunning is returned when a run is requested while another is active.
var ErrRunning = errors.New("ingest: a run is already in progress")

var errRequired = errors.New("required")

// ErrNotConfirmed is returned by Clean without confirmation.
var ErrNotConfirmed = errors.New("ingest: clean requires confirmation")

// ErrorKind classifies the failures surfaced to callers.
type ErrorKind string

const (
	TransientUpstream  ErrorKind = ErrorKind(httpcall.KindTransientUpstream)
	PermanentUpstream  ErrorKind = ErrorKind(httpcall.KindPermanentUpstream)
	DecodeFailure      ErrorKind = ErrorKind(httpcall.KindDecodeFailure)
	ConfigurationError ErrorKind = "configuration"
	Cancelled          ErrorKind = "cancelled"
)

// ConfigError is a fatal problem with the request or the environment
// (empty credential pool, invalid plan, unwritable artifact root).
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ingest: configuration: %v", e.Err)
	}
	return fmt.Sprintf("ingest: configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfiguration) hold for every ConfigError.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func configErr(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// KindOf classifies a run-level error. Errors of no known kind (nil
// included) return "".
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return ConfigurationError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	}
	return ""
}

// Outcome summarizes a whole run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Exit codes of the command line.
const (
	ExitOK    = 0
	ExitNotOK = 1
	ExitFatal = 2
)

// ExitCode maps an outcome to the command line exit status.
func (o Outcome) ExitCode() int {
	if o == OutcomeSucceeded {
		return ExitOK
	}
	return ExitNotOK
}

// ExitCode maps a run result to the command line exit status. Any error
// other than a cancellation is fatal.
func ExitCode(rep *Report, err error) int {
	if err != nil {
		if rep != nil && KindOf(err) == Cancelled {
			return ExitNotOK
		}
		return ExitFatal
	}
	if rep == nil {
		return ExitOK
	}
	return rep.Outcome.ExitCode()
}
