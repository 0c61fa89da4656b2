package raft

import "fmt"

const (
	ErrCodeNotLeader = 601 + iota
	ErrCodeStopped
	ErrCodeGroupNotFound
	ErrCodeGroupHandleRaftMessage
	ErrCodeNotMember
)

var (
	ErrNotLeader              = newError(ErrCodeNotLeader, "not leader")
	ErrStopped                = newError(ErrCodeStopped, "raft node stopped")
	ErrGroupNotFound          = newError(ErrCodeGroupNotFound, "group not found")
	ErrGroupHandleRaftMessage = newError(ErrCodeGroupHandleRaftMessage, "group handle raft message failed")
	ErrNotMember              = newError(ErrCodeNotMember, "node is not a member of the group")
)

type Error struct {
	ErrorCode uint32
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("raft: %s (%d)", e.Message, e.ErrorCode)
}

func newError(code uint32, msg string) *Error {
	return &Error{
		ErrorCode: code,
		Message:   msg,
	}
}
