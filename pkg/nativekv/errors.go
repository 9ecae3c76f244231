package nativekv

import (
	"errors"

	"github.com/maxiofs/nativekv/internal/status"
)

// Errors reported by the runtime. Match them with errors.Is; engine failures
// are *EngineError and match with errors.As.
var (
	ErrResourceAcquisition = status.ErrResourceAcquisition
	ErrInvalidHandle       = status.ErrInvalidHandle

	// ErrShortBuffer is returned by GetInto when the destination cannot hold
	// the value. Nothing is written.
	ErrShortBuffer = errors.New("destination buffer too small")

	ErrRuntimeClosed = errors.New("runtime shut down")
)

// EngineError carries the engine's diagnostic for a rejected operation.
type EngineError = status.EngineError

func translate(op string, err error) error {
	return status.Translate(op, err)
}
