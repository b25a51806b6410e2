package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyConversation is returned before any backend call when there is
	// no turn to respond to.
	ErrEmptyConversation = errors.New("conversation must contain at least one message")

	// ErrStreamIdle is returned when the backend produced nothing within the
	// configured idle timeout.
	ErrStreamIdle = errors.New("backend stream idle timeout")
)

const (
	StageSetup  = "setup"
	StageStream = "stream"
)

// BackendError reports a terminal backend failure. Stage tells whether the
// stream was never established or broke while being consumed.
type BackendError struct {
	Stage string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed: %v", e.Stage, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
