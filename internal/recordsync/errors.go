package recordsync

import (
	"errors"
	"fmt"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrRemoteRejected     = errors.New("remote rejected")
	ErrBusy               = errors.New("busy")
	ErrStaleDiscarded     = errors.New("stale response discarded")
	ErrInactive           = errors.New("engine inactive")
	ErrNotFound           = errors.New("not found")
	ErrUnknownCommand     = errors.New("unknown command")
)

// RemoteRejectedError carries the remote's non-success status. Detail is passed
// through verbatim for display.
type RemoteRejectedError struct {
	StatusCode int
	Detail     string
}

func (e *RemoteRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("remote rejected: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote rejected: status %d: %s", e.StatusCode, e.Detail)
}

func (e *RemoteRejectedError) Is(target error) bool {
	return target == ErrRemoteRejected
}

// Failure is a user-visible command failure.
type Failure struct {
	Collection Kind
	RecordID   string
	Command    CommandKind
	Err        error
	// Record is the optimistically removed record, if any, so the caller can
	// reinsert it.
	Record *Record
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", f.Command, f.Collection, f.RecordID, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}
