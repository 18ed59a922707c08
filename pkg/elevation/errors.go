package elevation

import (
	"errors"
	"fmt"

	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/pipe"
)

// ErrElevatedProcessTerminated reports that the elevated process went away
// in the middle of a request. It always wraps pipe.ErrPeerDisconnected.
var ErrElevatedProcessTerminated = errors.New("elevated process terminated unexpectedly")

// OperationError is a failure reported by the elevated process itself.
type OperationError struct {
	Message string
	Code    uint32
	Detail  string
}

func (e *OperationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s failed with result %d", e.Message, e.Code)
	}
	return fmt.Sprintf("%s failed with result %d: %s", e.Message, e.Code, e.Detail)
}

// transportError classifies a failed send or receive.
func transportError(name string, err error) error {
	if errors.Is(err, pipe.ErrPeerDisconnected) {
		return engine.NewTransportError("elevated process terminated unexpectedly",
			fmt.Errorf("%w: %w", ErrElevatedProcessTerminated, err)).
			WithCode(engine.ErrCodeElevatedTerminated).
			WithOperation(name)
	}
	return engine.NewTransportError("elevated request failed", err).WithOperation(name)
}

func operationError(name string, code uint32, detail string) error {
	engineCode := engine.ErrCodePackageFailed
	if code == ResultCanceled {
		engineCode = engine.ErrCodeCanceled
	}
	return engine.NewOperationError("elevated operation failed",
		&OperationError{Message: name, Code: code, Detail: detail}).
		WithCode(engineCode).
		WithOperation(name)
}
