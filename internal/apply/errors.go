package apply

import (
	"errors"
	"syscall"

	objectstore "github.com/localfs/objectstore"
)

// tolerable implements the error-tolerance table of spec §4.G/§7. It is
// consulted only when replaying is true: forward (non-replay) apply
// propagates every error to the caller, since a live transaction hitting
// any of these codes indicates the filesystem state has already diverged
// from what the transaction assumed.
//
//   - ENOENT is tolerated except on clone-family ops (a clone whose source
//     vanished is not safely skippable: the destination never got its data).
//   - EEXIST is tolerated on collection-creation/move only when the backend
//     cannot checkpoint (with checkpoints, EEXIST during replay means the
//     checkpoint already reflects the op and nothing should have run again).
//   - ERANGE, ENODATA are tolerated broadly (stale/partial xattr state is
//     expected mid-replay).
//   - ENOSPC is never tolerated: it is fatal regardless of replaying.
//   - EOPNOTSUPP is tolerated only on SETALLOCHINT.
func tolerable(code objectstore.Opcode, err error, replaying, supportsCheckpoint bool) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.ENOSPC) {
		return false
	}
	if !replaying {
		return false
	}
	switch {
	case errors.Is(err, syscall.ENOENT):
		return !isCloneFamily(code)
	case errors.Is(err, syscall.EEXIST):
		return isCollCreateOrMove(code) && !supportsCheckpoint
	case errors.Is(err, syscall.ERANGE), errors.Is(err, syscall.ENODATA):
		return true
	case errors.Is(err, syscall.EOPNOTSUPP):
		return code == objectstore.OpSetAllocHint
	default:
		return false
	}
}

func isCloneFamily(code objectstore.Opcode) bool {
	switch code {
	case objectstore.OpClone, objectstore.OpCloneRange, objectstore.OpCloneRange2:
		return true
	default:
		return false
	}
}

func isCollCreateOrMove(code objectstore.Opcode) bool {
	switch code {
	case objectstore.OpMkColl, objectstore.OpCollMoveRename, objectstore.OpCollMove, objectstore.OpCollAdd:
		return true
	default:
		return false
	}
}

// fatal wraps an intolerable error so callers can recognize "this must
// abort the process" distinctly from an ordinary propagated error.
func fatal(code objectstore.Opcode, err error) error {
	return objectstore.Error{Code: objectstore.FatalApplyError, Err: err, UserData: code.String()}
}
