package castkit

import (
	"errors"
	"fmt"
)

// Error roots. Usage errors wrap one of these two so callers can classify
// with errors.Is without matching exact messages.
var (
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Common errors.
var (
	ErrReleased               = fmt.Errorf("%w: released, no further operations are valid", ErrInvalidState)
	ErrNotOpen                = fmt.Errorf("%w: endpoint not open", ErrInvalidState)
	ErrAlreadyOpen            = fmt.Errorf("%w: endpoint already open", ErrInvalidState)
	ErrStreaming              = fmt.Errorf("%w: operation not allowed while streaming", ErrInvalidState)
	ErrNotConfigured          = fmt.Errorf("%w: codec config not set", ErrInvalidState)
	ErrUnsupportedDestination = fmt.Errorf("%w: unsupported destination type", ErrInvalidArgument)
	ErrUnknownStream          = fmt.Errorf("%w: unknown stream id", ErrInvalidArgument)
	ErrNotSupported           = errors.New("operation not supported")
	ErrCodecNotSupported      = errors.New("codec not supported")
)
