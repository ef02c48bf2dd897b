package qdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed           = errors.New("qdb: database closed")
	ErrEmptyName        = errors.New("qdb: empty name")
	ErrUnknownMode      = errors.New("qdb: unknown index mode")
	ErrQueueNotFound    = errors.New("qdb: queue not found")
	ErrIndexNotFound    = errors.New("qdb: index not found")
	ErrFunctionNotFound = errors.New("qdb: keying function not found")
	ErrFunctionExists   = errors.New("qdb: keying function already registered with different code")
	ErrIndexExists      = errors.New("qdb: index name already bound to a different queue or function")
)

var errMissingNamespace = errors.New("namespace does not exist")

// Break stops Scan iteration without an error.
var Break = errors.New("break")

// EncodingError reports a malformed namespace name, name record or stored value.
type EncodingError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func encodingErrf(data []byte, off int, err error, format string, args ...any) error {
	return &EncodingError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

func (e *EncodingError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// StorageError wraps any failure of the underlying ordered store.
type StorageError struct {
	Op        string
	Namespace []byte
	Err       error
}

func storageErr(op string, ns []byte, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{op, ns, err}
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Error() string {
	var buf strings.Builder
	buf.WriteString("qdb: ")
	buf.WriteString(e.Op)
	if e.Namespace != nil {
		buf.WriteString(" [")
		buf.WriteString(describeNamespace(e.Namespace))
		buf.WriteByte(']')
	}
	buf.WriteString(": ")
	buf.WriteString(e.Err.Error())
	return buf.String()
}

// AddError is returned by AddItem when the item was stored but not all of the
// queue's indexes received it. Re-running AddItem would duplicate the item;
// use Index.Reindex to complete the missing entries instead.
type AddError struct {
	Queue   string
	Item    uint64
	Indexed []uint64
	Err     error
}

func (e *AddError) Unwrap() error {
	return e.Err
}

func (e *AddError) Error() string {
	return fmt.Sprintf("qdb: %s/%d stored, indexed into %d index(es) before failure: %v", e.Queue, e.Item, len(e.Indexed), e.Err)
}
