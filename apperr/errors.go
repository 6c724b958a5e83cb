package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindPermission
	KindTransient
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindPermission:
		return "permission denied"
	case KindTransient:
		return "transient store failure"
	case KindConsistency:
		return "consistency"
	}
	return "unknown"
}

// Sentinels for errors.Is checks, e.g. errors.Is(err, apperr.ErrNotFound).
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrPermission  = &Error{Kind: KindPermission}
	ErrTransient   = &Error{Kind: KindTransient}
	ErrConsistency = &Error{Kind: KindConsistency}
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so wrapped errors keep their classification.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, message string) error {
	return New(KindValidation, op, message)
}

func NotFound(op, message string) error {
	return New(KindNotFound, op, message)
}

func Permission(op, message string) error {
	return New(KindPermission, op, message)
}

// Transient wraps a store or network failure the caller may retry.
// Errors that already carry a kind are returned unchanged.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	return Wrap(KindTransient, op, err)
}

func Consistency(op string, err error) error {
	return Wrap(KindConsistency, op, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
