package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures for retry and surface mapping.
type Kind string

const (
	KindInvalidInput  Kind = "invalid_input"
	KindAcquisition   Kind = "acquisition_failed"
	KindGeneration    Kind = "generation_failed"
	KindConfiguration Kind = "configuration_error"
	KindStorage       Kind = "storage_error"
	KindNotFound      Kind = "not_found"
)

var ErrNotFound = errors.New("not found")

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) match every not-found error.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func InvalidInput(op, format string, args ...any) error {
	return Errorf(KindInvalidInput, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return Errorf(KindNotFound, op, format, args...)
}

func Storage(op string, err error) error {
	return E(KindStorage, op, err)
}

// KindOf returns the kind of the outermost classified error, or "" when unclassified.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return ""
}

// IsRetryable reports whether err is a transient acquisition or generation failure.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindGeneration, KindAcquisition:
		return true
	}
	return false
}
