package objectstore

import "fmt"

// ErrorCode classifies Error values so callers can branch on failure category
// without string matching.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// LockAcquisitionFailure means a collection or object lock could not be
	// acquired before its wait budget elapsed.
	LockAcquisitionFailure
	// FailoverQualifiedError means the underlying device/filesystem looks
	// unhealthy enough to warrant stopping writes to it.
	FailoverQualifiedError
	// FileIOError wraps a retried-and-exhausted filesystem operation.
	FileIOError
	// ReplayGuardCorrupt means the (spos, in_progress) xattr on an object or
	// collection could not be stamped, cleared, read, or decoded.
	ReplayGuardCorrupt
	// JournalCorrupt means an entry was submitted to a journal that is no
	// longer writeable after an earlier write failure. A CRC mismatch found
	// during replay ends the replay at that record and is not reported with
	// this code.
	JournalCorrupt
	// SequencerClosed means a transaction was submitted to a sequencer that
	// has already been drained and shut down.
	SequencerClosed
	// CommitTimeout means a commit exceeded its configured maximum duration.
	CommitTimeout
	// FatalApplyError means a transaction opcode failed in a way the
	// error-tolerance table does not allow skipping. The sequencer that ran
	// it is halted and refuses later submissions; other sequencers and the
	// process keep running.
	FatalApplyError
)

// Error is the store's custom error type. Err carries the underlying cause
// (often a *PathError or syscall.Errno); UserData carries whatever context
// the caller most needs to act on (an OID, a CID, a transaction ID, ...).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("objectstore error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}
