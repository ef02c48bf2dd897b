package keyfn

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("keyfn: closed")

// LoadError rejects a module that cannot serve as a keying function.
type LoadError struct {
	Function uint64
	Msg      string
	Err      error
}

func loadErrf(id uint64, err error, format string, args ...any) error {
	return &LoadError{id, fmt.Sprintf(format, args...), err}
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("keyfn %d: load: %s: %v", e.Function, e.Msg, e.Err)
	}
	return fmt.Sprintf("keyfn %d: load: %s", e.Function, e.Msg)
}

// CallError is a failed key_factory invocation: a trap, a host-side memory
// failure, or a non-zero status reported by the module.
type CallError struct {
	Function uint64
	Status   int32
	Err      error
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// ModuleDefined reports whether the module returned its own (negative) error code.
func (e *CallError) ModuleDefined() bool {
	return e.Status < 0
}

func (e *CallError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("keyfn %d: call: %v", e.Function, e.Err)
	case e.Status < 0:
		return fmt.Sprintf("keyfn %d: call: module-defined error %d", e.Function, e.Status)
	default:
		return fmt.Sprintf("keyfn %d: call: error status %d", e.Function, e.Status)
	}
}
