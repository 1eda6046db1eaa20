package engine

import (
	"errors"
	"fmt"
)

// ErrNoCampaign is returned by control operations when nothing is loaded.
var ErrNoCampaign = errors.New("no campaign loaded")

// ValidationError flags bad control input (empty recipient set, lost
// attachment on resume, start while another campaign is active). The
// caller may correct the request and retry.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a store failure on campaign state. It is fatal
// to the current dispatch step: once persistence is unreliable, the loop
// stops making forward progress.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persist " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
