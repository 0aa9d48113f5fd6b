// Package replayguard implements the replay guard (spec §4.D): an
// xattr-encoded (spos, in_progress) marker stamped on objects, collections,
// or the whole store, used at mount-time replay to decide whether a
// journaled op has already been durably applied.
package replayguard

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/fsbackend"
)

// NotFoundErr lets a fake backend (used in tests) signal "no such xattr"
// without depending on golang.org/x/sys/unix. fsbackend.Posix's GetXattr
// returns the raw unix.ENODATA, which isNotFound also recognizes directly.
var NotFoundErr = errors.New("replayguard: no xattr data")

// Scope names the level a guard is attached at.
type Scope int

const (
	ScopeObject Scope = iota
	ScopeCollection
	ScopeGlobal
)

const (
	xattrSeq        = "user.objectstore.seq"
	xattrInProgress = "user.objectstore.inprogress"
)

// Decision is the outcome of comparing a guard's stamped value against the
// spos of an op being replayed, per spec §4.D's comparison table.
type Decision int

const (
	// DecisionSkip: guard > spos, or guard == spos and not in-progress — the
	// op already landed, do not re-apply.
	DecisionSkip Decision = iota
	// DecisionApply: guard < spos, or no guard present — the op never
	// landed, apply it.
	DecisionApply
	// DecisionConditional: guard == spos and in-progress — the op's
	// durability is ambiguous (crash mid-apply); the caller must re-derive
	// the outcome from the op's own idempotence (e.g. re-running WRITE is
	// safe, re-running TRUNCATE to the same size is safe).
	DecisionConditional
)

// Guard stamps and evaluates replay guards over a fsbackend.Backend.
type Guard struct {
	backend fsbackend.Backend
	faults  *objectstore.FaultInjector
}

// New returns a Guard. faults may be nil (or disabled), in which case its
// Hit calls are no-ops.
func New(backend fsbackend.Backend, faults *objectstore.FaultInjector) *Guard {
	return &Guard{backend: backend, faults: faults}
}

func (g *Guard) hit(point string) {
	if g.faults != nil {
		g.faults.Hit(point)
	}
}

// Begin stamps (spos, in_progress=true) on path before a durability-critical
// step begins, following the original's fsync-stamp-fsync protocol
// (_set_replay_guard): fsync path first so any data write already made
// against it is durable before the guard claims to cover it, stamp the seq
// and in_progress xattrs, then fsync again so the stamp itself cannot be
// lost out from under a crash that happens the instant Begin returns.
func (g *Guard) Begin(ctx context.Context, path string, spos objectstore.Spos) error {
	if err := g.backend.Fsync(ctx, path); err != nil {
		return objectstore.Error{Code: objectstore.ReplayGuardCorrupt, Err: err, UserData: path}
	}
	g.hit("replayguard.begin.before_stamp")
	if err := g.backend.SetXattr(ctx, path, xattrSeq, []byte(spos.String())); err != nil {
		return objectstore.Error{Code: objectstore.ReplayGuardCorrupt, Err: err, UserData: path}
	}
	if err := g.backend.SetXattr(ctx, path, xattrInProgress, []byte{1}); err != nil {
		return objectstore.Error{Code: objectstore.ReplayGuardCorrupt, Err: err, UserData: path}
	}
	g.hit("replayguard.begin.before_fsync")
	if err := g.backend.Fsync(ctx, path); err != nil {
		return objectstore.Error{Code: objectstore.ReplayGuardCorrupt, Err: err, UserData: path}
	}
	return nil
}

// Commit clears in_progress once the guarded step is durable
// (_close_replay_guard): clear the flag, then fsync so a crash can never
// observe in_progress cleared on disk without the clear itself being
// durable, and never observe the clear at all if it never became durable.
func (g *Guard) Commit(ctx context.Context, path string) error {
	g.hit("replayguard.commit.before_clear")
	if err := g.backend.RemoveXattr(ctx, path, xattrInProgress); err != nil {
		return objectstore.Error{Code: objectstore.ReplayGuardCorrupt, Err: err, UserData: path}
	}
	g.hit("replayguard.commit.before_fsync")
	if err := g.backend.Fsync(ctx, path); err != nil {
		return objectstore.Error{Code: objectstore.ReplayGuardCorrupt, Err: err, UserData: path}
	}
	return nil
}

// Evaluate reads path's guard and compares it against spos per spec §4.D's
// table. An absent guard (ENODATA on the seq xattr) is treated as "spos
// below anything ever seen" and decides Apply.
func (g *Guard) Evaluate(ctx context.Context, path string, spos objectstore.Spos) (Decision, error) {
	raw, err := g.backend.GetXattr(ctx, path, xattrSeq)
	if err != nil {
		if isNotFound(err) {
			return DecisionApply, nil
		}
		return DecisionApply, objectstore.Error{Code: objectstore.ReplayGuardCorrupt, Err: err, UserData: path}
	}
	guard, err := objectstore.ParseSpos(string(raw))
	if err != nil {
		return DecisionApply, objectstore.Error{Code: objectstore.ReplayGuardCorrupt, Err: fmt.Errorf("replayguard: corrupt guard at %s: %w", path, err), UserData: path}
	}

	inProgress := false
	if ip, err := g.backend.GetXattr(ctx, path, xattrInProgress); err == nil && len(ip) == 1 && ip[0] == 1 {
		inProgress = true
	}

	switch cmp := guard.Compare(spos); {
	case cmp > 0:
		return DecisionSkip, nil
	case cmp == 0 && inProgress:
		return DecisionConditional, nil
	case cmp == 0 && !inProgress:
		return DecisionSkip, nil
	default:
		return DecisionApply, nil
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, unix.ENODATA) || errors.Is(err, NotFoundErr)
}

// CheckpointElidable reports whether Scope's guards can be skipped entirely
// because the backend can checkpoint the whole tree atomically instead
// (spec §4.D: "if checkpointing is supported, elide per-object guards").
func CheckpointElidable(ctx context.Context, backend fsbackend.Backend, baseDir string) bool {
	return backend.SupportsCheckpoint(ctx, baseDir)
}
