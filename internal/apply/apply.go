// Package apply implements the transaction decoder & applier (spec §4.G):
// it interprets the opcode stream of a transaction against the filesystem
// and KV store, honoring replay guards and the error-tolerance table.
package apply

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"

	"golang.org/x/sys/unix"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/dirindex"
	"github.com/localfs/objectstore/encoding"
	"github.com/localfs/objectstore/fsbackend"
	"github.com/localfs/objectstore/internal/fdcache"
	"github.com/localfs/objectstore/internal/pgmeta"
	"github.com/localfs/objectstore/internal/replayguard"
	"github.com/localfs/objectstore/internal/throttle"
	"github.com/localfs/objectstore/kvstore"
)

// Config bounds inline-xattr storage and EIO handling, mirrored from the
// store-wide objectstore.Config (spec §6).
type Config struct {
	InlineAttrMaxSize  int
	InlineAttrMaxCount int
	FailEIO            bool
	SupportsCheckpoint bool
}

// Applier binds the opcode interpreter to its external collaborators (spec
// §1's "only their contracts matter" list) plus the core's own caches,
// grounded on the teacher's fs/store_repository.go read-merge-write shape
// generalized to the full opcode set.
type Applier struct {
	Backend  fsbackend.Backend
	Index    dirindex.Index
	KV       kvstore.Store
	Pgmeta   *pgmeta.Coalescer
	FDCache  fdcache.Cache
	Throttle *throttle.Throttle
	Guard    *replayguard.Guard
	Faults   *objectstore.FaultInjector
	Cfg      Config
	DumpPath string
	// BaseDir is the store root, the global-guard attachment point (spec
	// §4.D: stamped before split-collection operations).
	BaseDir string
}

// New builds an Applier from its collaborators.
func New(backend fsbackend.Backend, index dirindex.Index, kv kvstore.Store, pg *pgmeta.Coalescer, fd fdcache.Cache, th *throttle.Throttle, guard *replayguard.Guard, faults *objectstore.FaultInjector, cfg Config, baseDir string) *Applier {
	return &Applier{Backend: backend, Index: index, KV: kv, Pgmeta: pg, FDCache: fd, Throttle: th, Guard: guard, Faults: faults, Cfg: cfg, BaseDir: baseDir}
}

// guardPathFor returns the replay-guard attachment point for op, per spec
// §4.D's three scopes, and whether op is guarded at all (idempotent ops
// like WRITE/SETATTR/TRUNCATE are not — re-running them is always safe).
func (a *Applier) guardPathFor(cid objectstore.CID, op objectstore.TxnOp) (path string, guarded bool) {
	switch op.Code {
	case objectstore.OpMkColl, objectstore.OpRmColl, objectstore.OpCollHint:
		return a.Index.CollectionDir(cid), true
	case objectstore.OpSplitCollection, objectstore.OpSplitCollection2:
		return a.BaseDir, true
	case objectstore.OpClone:
		return a.Index.Path(cid, op.DestOID), true
	case objectstore.OpCollMoveRename, objectstore.OpCollMove, objectstore.OpCollRename:
		return a.Index.Path(cid, op.OID), true
	default:
		return "", false
	}
}

// guardedObjectOp stamps the replay guard at oid's path around fn, for
// object-scope non-idempotent ops (spec §4.D: "around non-idempotent
// transactions (clone, rename, etc.)").
func (a *Applier) guardedObjectOp(ctx context.Context, cid objectstore.CID, oid objectstore.OID, spos objectstore.Spos, fn func() error) error {
	path := a.Index.Path(cid, oid)
	if err := a.Guard.Begin(ctx, path, spos); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return a.Guard.Commit(ctx, path)
}

// guardedCollOp stamps the replay guard at cid's collection directory
// around fn, for collection-scope ops (MKCOLL/RMCOLL/COLL_HINT).
func (a *Applier) guardedCollOp(ctx context.Context, cid objectstore.CID, spos objectstore.Spos, fn func() error) error {
	path := a.Index.CollectionDir(cid)
	if err := a.Guard.Begin(ctx, path, spos); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return a.Guard.Commit(ctx, path)
}

// guardedGlobalOp stamps the replay guard at the store root around fn, for
// global-scope ops (SPLIT_COLLECTION/2, spec §4.D: "stamped before
// split-collection ops").
func (a *Applier) guardedGlobalOp(ctx context.Context, spos objectstore.Spos, fn func() error) error {
	if err := a.Guard.Begin(ctx, a.BaseDir, spos); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return a.Guard.Commit(ctx, a.BaseDir)
}

// dataBearing reports whether an opcode writes object bytes, used to find
// the wal=false "pause point" (spec §4.G Pause semantics): apply stops
// right after the first one and resumes the metadata tail once the
// journal has acked.
func dataBearing(code objectstore.Opcode) bool {
	switch code {
	case objectstore.OpWrite, objectstore.OpZero, objectstore.OpTruncate,
		objectstore.OpClone, objectstore.OpCloneRange, objectstore.OpCloneRange2:
		return true
	default:
		return false
	}
}

// Apply interprets ops[resumeFrom:] against the filesystem/KV store. When
// wal is false and replaying is false, it stops immediately after the first
// data-bearing opcode and returns pausedAt = that opcode's index + 1; the
// caller (internal/sequencer) resumes by calling Apply again with
// resumeFrom = pausedAt once the journal has acked the transaction. Any
// other case runs every opcode in ops[resumeFrom:] and returns
// pausedAt = len(ops).
//
// sequencerID is used only to key the write-back throttle's partition.
func (a *Applier) Apply(ctx context.Context, cid objectstore.CID, spos objectstore.Spos, sequencerID uint64, ops []objectstore.TxnOp, wal, replaying bool, resumeFrom int) (pausedAt int, err error) {
	for i := resumeFrom; i < len(ops); i++ {
		op := ops[i]
		opSpos := objectstore.Spos{OpSeq: spos.OpSeq, TransNum: spos.TransNum, OpNum: spos.OpNum + uint32(i)}

		if replaying {
			if path, guarded := a.guardPathFor(cid, op); guarded {
				if dec, derr := a.Guard.Evaluate(ctx, path, opSpos); derr == nil && dec == replayguard.DecisionSkip {
					continue
				}
			}
		}

		unlock, lerr := a.Index.Lock(ctx, cid, true)
		if lerr != nil {
			return i, fatal(op.Code, lerr)
		}
		err := a.applyOp(ctx, cid, opSpos, sequencerID, op, replaying)
		unlock()
		if err != nil {
			if tolerable(op.Code, err, replaying, a.Cfg.SupportsCheckpoint) {
				log.Debug("apply: tolerating replay error", "op", op.Code.String(), "err", err)
				continue
			}
			a.dumpFatal(ctx, cid, spos, ops, op, err)
			if errors.Is(err, unix.ENOSPC) {
				panic(fatal(op.Code, err))
			}
			if errors.Is(err, unix.EIO) && a.Cfg.FailEIO {
				panic(fatal(op.Code, err))
			}
			return i, fatal(op.Code, err)
		}

		if !wal && !replaying && dataBearing(op.Code) {
			return i + 1, nil
		}
	}
	return len(ops), nil
}

func (a *Applier) dumpFatal(ctx context.Context, cid objectstore.CID, spos objectstore.Spos, ops []objectstore.TxnOp, failed objectstore.TxnOp, cause error) {
	if a.DumpPath == "" {
		return
	}
	dump := struct {
		CID    string
		Spos   string
		Failed string
		Cause  string
		Ops    []string
	}{
		CID:    cid.String(),
		Spos:   spos.String(),
		Failed: failed.Code.String(),
		Cause:  cause.Error(),
	}
	for _, o := range ops {
		dump.Ops = append(dump.Ops, o.Code.String())
	}
	buf, merr := encoding.DefaultMarshaler.Marshal(dump)
	if merr != nil {
		log.Error("apply: failed to marshal transaction dump", "err", merr)
		return
	}
	if werr := os.WriteFile(a.DumpPath, buf, 0o640); werr != nil {
		log.Error("apply: failed to write transaction dump", "path", a.DumpPath, "err", werr)
	}
}

func (a *Applier) applyOp(ctx context.Context, cid objectstore.CID, spos objectstore.Spos, sequencerID uint64, op objectstore.TxnOp, replaying bool) error {
	switch op.Code {
	case objectstore.OpNop, objectstore.OpStartSync, objectstore.OpWriteAhead, objectstore.OpTrimCache:
		return nil
	case objectstore.OpTouch:
		return a.touch(ctx, cid, op.OID)
	case objectstore.OpWrite:
		return a.write(ctx, cid, op, sequencerID)
	case objectstore.OpZero:
		return a.zero(ctx, cid, op)
	case objectstore.OpTruncate:
		return a.truncate(ctx, cid, op)
	case objectstore.OpRemove:
		return a.remove(ctx, cid, op.OID, spos, sequencerID)
	case objectstore.OpClone:
		return a.cloneWhole(ctx, cid, op, spos)
	case objectstore.OpCloneRange:
		return a.clone(ctx, cid, op, spos, true, op.Off, op.Off, op.Len)
	case objectstore.OpCloneRange2:
		return a.cloneRange2(ctx, cid, op, spos)
	case objectstore.OpSetAttr:
		return a.withObjectPath(ctx, cid, op.OID, func(path string) error {
			return a.setAttr(ctx, path, attrNamespace(cid, op.OID), op.AttrName, op.Data, spos)
		})
	case objectstore.OpSetAttrs:
		return a.withObjectPath(ctx, cid, op.OID, func(path string) error {
			for name, val := range op.Attrs {
				if err := a.setAttr(ctx, path, attrNamespace(cid, op.OID), name, val, spos); err != nil {
					return err
				}
			}
			return nil
		})
	case objectstore.OpRmAttr:
		return a.withObjectPath(ctx, cid, op.OID, func(path string) error {
			return a.rmAttr(ctx, path, attrNamespace(cid, op.OID), op.AttrName, spos)
		})
	case objectstore.OpRmAttrs:
		return a.withObjectPath(ctx, cid, op.OID, func(path string) error {
			return a.rmAllAttrs(ctx, path, attrNamespace(cid, op.OID), spos)
		})
	case objectstore.OpSetAllocHint:
		log.Debug("apply: set_alloc_hint is advisory, no-op", "oid", op.OID.String())
		return nil
	case objectstore.OpMkColl:
		// Unlike RMCOLL/COLL_HINT, the guard path doesn't exist until mkColl
		// creates it, so the guard is stamped after creation rather than
		// wrapped around it (mirrors the original's _create_collection,
		// which mkdirs first and calls _set_replay_guard only once that
		// succeeds).
		if err := a.mkColl(ctx, op.CID); err != nil {
			return err
		}
		path := a.Index.CollectionDir(op.CID)
		if err := a.Guard.Begin(ctx, path, spos); err != nil {
			return err
		}
		return a.Guard.Commit(ctx, path)
	case objectstore.OpRmColl:
		return a.guardedCollOp(ctx, op.CID, spos, func() error {
			return a.Backend.RemoveAll(ctx, a.Index.CollectionDir(op.CID))
		})
	case objectstore.OpCollHint:
		return a.guardedCollOp(ctx, op.CID, spos, func() error {
			log.Debug("apply: coll_hint", "cid", op.CID.String(), "type", op.HintType)
			return nil
		})
	case objectstore.OpCollAdd:
		return a.Backend.Link(ctx, a.Index.Path(cid, op.OID), a.Index.Path(op.DestCID, op.DestOID))
	case objectstore.OpCollRemove:
		a.FDCache.Clear(ctx, op.OID)
		return a.Backend.Remove(ctx, a.Index.Path(cid, op.OID))
	case objectstore.OpCollMoveRename, objectstore.OpCollMove, objectstore.OpCollRename:
		return a.collMoveRename(ctx, cid, op, spos)
	case objectstore.OpCollSetAttr:
		return a.Backend.SetXattr(ctx, a.Index.CollectionDir(op.CID), attrXattrName(op.AttrName), op.Data)
	case objectstore.OpCollRmAttr:
		return a.Backend.RemoveXattr(ctx, a.Index.CollectionDir(op.CID), attrXattrName(op.AttrName))
	case objectstore.OpSplitCollection, objectstore.OpSplitCollection2:
		return a.guardedGlobalOp(ctx, spos, func() error {
			return a.splitCollection(ctx, op)
		})
	case objectstore.OpOmapClear:
		return a.KV.Clear(ctx, omapNamespace(cid, op.OID), spos)
	case objectstore.OpOmapSetKeys:
		return a.omapSetKeys(ctx, cid, op, spos, replaying)
	case objectstore.OpOmapRmKeys:
		return a.omapRmKeys(ctx, cid, op, spos, replaying)
	case objectstore.OpOmapRmKeyRange:
		return a.KV.DeleteRange(ctx, omapNamespace(cid, op.OID), op.First, op.Last, spos)
	case objectstore.OpOmapSetHeader:
		return a.KV.SetHeader(ctx, omapNamespace(cid, op.OID), op.Data, spos)
	case objectstore.OpPgmetaWrite:
		for k, v := range op.Keys {
			if err := a.KV.Set(ctx, omapNamespace(cid, op.OID), k, v, spos); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("apply: unsupported opcode %s", op.Code.String())
	}
}

func attrNamespace(cid objectstore.CID, oid objectstore.OID) string {
	return fmt.Sprintf("%s/%s/xattr", cid.String(), oid.String())
}

func omapNamespace(cid objectstore.CID, oid objectstore.OID) string {
	return fmt.Sprintf("%s/%s/omap", cid.String(), oid.String())
}

func isNoData(err error) bool {
	return errors.Is(err, unix.ENODATA)
}
