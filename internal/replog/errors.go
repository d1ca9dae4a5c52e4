package replog

import (
	"errors"
	"fmt"
)

var (
	ErrNotLeader      = errors.New("participant is not the leader")
	ErrLeaderStepDown = errors.New("leader stepped down")
	ErrQueueFull      = errors.New("work queue full")
	ErrManagerStopped = errors.New("log manager stopped")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrEntryNotFound  = errors.New("log entry not found")
)

// StaleTermError is returned when an RPC or local operation references a term lower than the current known term.
type StaleTermError struct {
	Term        LogTerm
	CurrentTerm LogTerm
}

func (e *StaleTermError) Error() string {
	return fmt.Sprintf("stale term %d, current term is %d", e.Term, e.CurrentTerm)
}

// LogMismatchError reports that a follower has no entry at PrevLogIndex with PrevLogTerm.
type LogMismatchError struct {
	PrevLogIndex LogIndex
	PrevLogTerm  LogTerm
	// LocalTerm is the term found locally at PrevLogIndex, 0 when the entry is absent
	LocalTerm LogTerm
}

func (e *LogMismatchError) Error() string {
	return fmt.Sprintf("log mismatch at index %d: expected term %d, found %d", e.PrevLogIndex, e.PrevLogTerm, e.LocalTerm)
}

// TransportError wraps a network failure or timeout while talking to Target. It never implies a log change.
type TransportError struct {
	Target ParticipantID
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to %s: %v", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StorageError wraps a LogStore failure. It is fatal to the current operation and must be surfaced.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("log storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it already is a StorageError.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
