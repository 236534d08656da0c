package task

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind int

const (
	KindGraph ErrorKind = iota + 1
	KindConfig
	KindExecution
	KindTimeout
	KindRestartLimit
	KindPortConflict
	KindPrivilegeDenied
	KindCancelled
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrGraph           = errors.New("graph error")
	ErrConfig          = errors.New("configuration error")
	ErrExecution       = errors.New("execution error")
	ErrTimeout         = errors.New("timeout")
	ErrRestartLimit    = errors.New("restart limit exceeded")
	ErrPortConflict    = errors.New("port conflict")
	ErrPrivilegeDenied = errors.New("privilege denied")
	ErrCancelled       = errors.New("cancelled")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindGraph:
		return ErrGraph
	case KindConfig:
		return ErrConfig
	case KindExecution:
		return ErrExecution
	case KindTimeout:
		return ErrTimeout
	case KindRestartLimit:
		return ErrRestartLimit
	case KindPortConflict:
		return ErrPortConflict
	case KindPrivilegeDenied:
		return ErrPrivilegeDenied
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

func (k ErrorKind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown error"
}

// Error is an engine error attributed to a node.
type Error struct {
	Kind ErrorKind
	Node string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Node == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Node, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Errorf builds an *Error of the given kind for node.
func Errorf(kind ErrorKind, node string, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: node, Err: fmt.Errorf(format, args...)}
}

// Wrap attributes err to node with kind. A nil err yields nil.
func Wrap(kind ErrorKind, node string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Node: node, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
