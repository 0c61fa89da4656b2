package rdb

import (
	stderrors "errors"
	"fmt"

	"github.com/cubefs/rdb/raft"
	"github.com/cubefs/rdb/store"
)

const (
	ErrCodeNotLeader = 701 + iota
	ErrCodeStaleTerm
	ErrCodeNoSpace
	ErrCodeNoMemory
	ErrCodeNotFound
	ErrCodeExist
	ErrCodeMismatch
	ErrCodeInvalidArgument
	ErrCodeNoPermission
	ErrCodeIO
	ErrCodeStopped
	ErrCodeHalted
	ErrCodeTooBig
	ErrCodeBusy
)

var (
	ErrNotLeader       = newError(ErrCodeNotLeader, "not leader")
	ErrStaleTerm       = newError(ErrCodeStaleTerm, "stale term")
	ErrNoSpace         = newError(ErrCodeNoSpace, "no space")
	ErrNoMemory        = newError(ErrCodeNoMemory, "no memory")
	ErrNotFound        = newError(ErrCodeNotFound, "not found")
	ErrExist           = newError(ErrCodeExist, "already exists")
	ErrMismatch        = newError(ErrCodeMismatch, "type mismatch")
	ErrInvalidArgument = newError(ErrCodeInvalidArgument, "invalid argument")
	ErrNoPermission    = newError(ErrCodeNoPermission, "no permission")
	ErrIO              = newError(ErrCodeIO, "i/o error")
	ErrStopped         = newError(ErrCodeStopped, "db stopped")
	ErrHalted          = newError(ErrCodeHalted, "db halted")
	ErrTooBig          = newError(ErrCodeTooBig, "entry too big")
	ErrBusy            = newError(ErrCodeBusy, "another membership change is pending")
)

type Error struct {
	Code uint32
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rdb: %s (%d)", e.Msg, e.Code)
}

func newError(code uint32, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// IsDeterministic reports whether err is a data error that every replica
// observes identically when applying the same entry. Such errors become the
// result of the entry and do not halt the replica.
func IsDeterministic(err error) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrCodeNotFound, ErrCodeExist, ErrCodeMismatch, ErrCodeInvalidArgument, ErrCodeNoPermission:
		return true
	default:
		return false
	}
}

// convertError maps errors of the store and raft layers onto the rdb codes.
// Anything without a mapping is returned as is and counts as nondeterministic.
func convertError(err error) error {
	switch err {
	case nil:
		return nil
	case store.ErrNotFound:
		return ErrNotFound
	case store.ErrExist:
		return ErrExist
	case store.ErrNoSpace:
		return ErrNoSpace
	case raft.ErrNotLeader:
		return ErrNotLeader
	case raft.ErrStopped:
		return ErrStopped
	}
	return err
}

// ioError wraps a nondeterministic failure so that callers can match ErrIO
// while keeping the cause.
func ioError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return err
	}
	return &wrappedError{code: ErrIO, cause: err}
}

type wrappedError struct {
	code  *Error
	cause error
}

func (e *wrappedError) Error() string {
	return e.code.Error() + ": " + e.cause.Error()
}

func (e *wrappedError) Unwrap() []error {
	return []error{e.code, e.cause}
}
