package adapter

import (
	"errors"
	"fmt"
)

// Kind classifies how an adapted call failed.
type Kind int

const (
	// KindNone means the error did not come from the adapter.
	KindNone Kind = iota
	// KindBackend is an error returned or reported by the backend itself.
	KindBackend
	// KindTimeout means no completion arrived in time.
	KindTimeout
	// KindBlocked is a completion that arrived after the outcome was decided.
	KindBlocked
	// KindPanic is a panic recovered from the backend.
	KindPanic
)

func (k Kind) String() string {
	switch k {
	case KindBackend:
		return "backend"
	case KindTimeout:
		return "timeout"
	case KindBlocked:
		return "blocked"
	case KindPanic:
		return "panic"
	default:
		return "none"
	}
}

var (
	// ErrTimeout matches errors of KindTimeout with errors.Is.
	ErrTimeout = errors.New("adapter: timeout")
	// ErrBlocked matches errors of KindBlocked with errors.Is.
	ErrBlocked = errors.New("adapter: completion already delivered")
)

// Error is the error type produced by Call.
type Error struct {
	Op   string
	Kind Kind
	Err  error
	// Late holds the error carried by a blocked completion, if any.
	Late error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind sentinels so callers can use errors.Is.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrBlocked:
		return e.Kind == KindBlocked
	}
	return false
}

// PanicError carries a value recovered from a backend panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// KindOf returns the adapter classification of err, or KindNone.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindNone
}
