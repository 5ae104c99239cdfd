package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt reports an on-disk or on-wire record that failed validation.
	ErrCorrupt = errors.New("corrupt record")
	// ErrInvalidRecord reports a payload the codec cannot frame.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrLockTimeout reports that the append lock could not be acquired in
	// time. The operation may be retried.
	ErrLockTimeout = errors.New("append lock timeout")
	// ErrTimeout reports that a blocking read saw no data before its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrNotCompleted reports that an operation was accepted but did not
	// finish within the caller's wait budget. It may still complete later.
	ErrNotCompleted = errors.New("operation not completed")
	ErrReadOnly     = errors.New("log is read-only")
	// ErrContinuityViolation reports a replicated record that does not follow
	// the previous one.
	ErrContinuityViolation = errors.New("continuity violation")
	ErrLsnSpaceExhausted   = errors.New("lsn space exhausted")
	ErrClosed              = errors.New("closed")
	ErrNotFound            = errors.New("not found")
	ErrCanceled            = errors.New("canceled")
	// ErrProtocol reports a malformed or unexpected replication message.
	ErrProtocol = errors.New("protocol error")
)

// CorruptError describes where and why a record failed validation.
type CorruptError struct {
	Path   string
	Offset uint64
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	msg := fmt.Sprintf("corrupt record at offset %d: %s", e.Offset, e.Reason)
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

func (e *CorruptError) Unwrap() error { return e.Err }

// ContinuityError carries the two records that do not chain.
type ContinuityError struct {
	Prev uint64
	Got  uint64
}

func (e *ContinuityError) Error() string {
	return fmt.Sprintf("continuity violation: record %s does not follow %s", FormatLSN(e.Got), FormatLSN(e.Prev))
}

func (e *ContinuityError) Is(target error) bool { return target == ErrContinuityViolation }

// ProtocolError is returned by replication nodes on malformed input.
type ProtocolError struct {
	State  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in state %s: %s", e.State, e.Reason)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// IsCorrupt checks if an error is (or wraps) a corruption error.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

func IsContinuityViolation(err error) bool {
	var ce *ContinuityError
	return errors.As(err, &ce) || errors.Is(err, ErrContinuityViolation)
}

// IsRecoverable reports errors after which the same call may simply be retried.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotCompleted)
}
