// Package status classifies engine results and defines the error taxonomy
// shared by every boundary operation.
//
// Outcomes are one of Success, NotFound or Failure. NotFound is a valid query
// result and never surfaces as an error; Failure carries the engine's message
// unchanged.
package status

import (
	"errors"
	"fmt"

	"github.com/maxiofs/nativekv/pkg/engine"
)

// Common errors
var (
	// ErrResourceAcquisition is returned when a buffer could not be pinned or a
	// native block could not be allocated. The engine is never contacted.
	ErrResourceAcquisition = errors.New("resource acquisition failed")

	// ErrInvalidHandle is returned for closed, released, stale or zero handles.
	ErrInvalidHandle = errors.New("invalid handle")
)

// Outcome is the classification of an engine result.
type Outcome int

const (
	Success Outcome = iota
	NotFound
	Failure
)

// String returns the label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EngineError reports an operation the engine rejected. Message is the
// engine's diagnostic, verbatim.
type EngineError struct {
	Op      string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Classify maps an engine result onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, engine.ErrNotFound):
		return NotFound
	default:
		return Failure
	}
}

// Translate converts an engine result for op into the error reported to the
// caller. Success and NotFound both yield nil; callers that need to tell them
// apart use Classify. Errors that already belong to the taxonomy pass through.
func Translate(op string, err error) error {
	if Classify(err) != Failure {
		return nil
	}
	var engErr *EngineError
	if errors.As(err, &engErr) ||
		errors.Is(err, ErrInvalidHandle) ||
		errors.Is(err, ErrResourceAcquisition) {
		return err
	}
	return &EngineError{Op: op, Message: err.Error(), Err: err}
}

// Label returns the metrics label for the result of an operation that has
// already been translated.
func Label(found bool, err error) string {
	switch {
	case err == nil && found:
		return Success.String()
	case err == nil:
		return NotFound.String()
	case errors.Is(err, ErrResourceAcquisition):
		return "acquisition_failure"
	case errors.Is(err, ErrInvalidHandle):
		return "invalid_handle"
	default:
		return Failure.String()
	}
}
