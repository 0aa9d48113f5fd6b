package apply

import (
	"context"
	"os"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/internal/fdcache"
	"github.com/localfs/objectstore/internal/pgmeta"
	"github.com/localfs/objectstore/internal/throttle"
)

// openHandle returns a cached or freshly opened fdcache.Handle for
// (cid, oid), creating the backing file if create is true.
func (a *Applier) openHandle(ctx context.Context, cid objectstore.CID, oid objectstore.OID, create bool) (*fdcache.Handle, error) {
	if h := a.FDCache.Lookup(oid); h != nil {
		return h, nil
	}
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := a.Backend.Open(ctx, a.Index.Path(cid, oid), flag, 0o640)
	if err != nil {
		return nil, err
	}
	h := &fdcache.Handle{OID: oid, File: f}
	actual, existed := a.FDCache.Add(oid, h)
	if existed {
		f.Close()
	}
	return actual, nil
}

// withObjectPath runs fn with the object's on-disk path, without requiring
// an open handle (used for xattr-only operations).
func (a *Applier) withObjectPath(ctx context.Context, cid objectstore.CID, oid objectstore.OID, fn func(path string) error) error {
	return fn(a.Index.Path(cid, oid))
}

func (a *Applier) touch(ctx context.Context, cid objectstore.CID, oid objectstore.OID) error {
	_, err := a.openHandle(ctx, cid, oid, true)
	return err
}

func (a *Applier) write(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp, sequencerID uint64) error {
	h, err := a.openHandle(ctx, cid, op.OID, true)
	if err != nil {
		return err
	}
	h.BeginIO()
	defer h.EndIO()
	if err := a.Backend.WriteRange(ctx, h.File, op.Off, op.Data); err != nil {
		return err
	}
	if a.Throttle != nil {
		a.Throttle.QueueWB(sequencerID, throttle.WritebackItem{
			OID: op.OID, Offset: op.Off, Length: int64(len(op.Data)),
		})
	}
	return nil
}

func (a *Applier) zero(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp) error {
	h, err := a.openHandle(ctx, cid, op.OID, true)
	if err != nil {
		return err
	}
	h.BeginIO()
	defer h.EndIO()
	return a.Backend.ZeroRange(ctx, h.File, op.Off, op.Len)
}

func (a *Applier) truncate(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp) error {
	h, err := a.openHandle(ctx, cid, op.OID, true)
	if err != nil {
		return err
	}
	h.BeginTruncate()
	defer h.EndTruncate()
	return a.Backend.Truncate(ctx, h.File, op.Off)
}

// remove implements REMOVE: drop the FD cache entry, clear any pending
// pgmeta/write-back accounting, wipe the object's KV state (omap + spilled
// attrs), and unlink the file.
func (a *Applier) remove(ctx context.Context, cid objectstore.CID, oid objectstore.OID, spos objectstore.Spos, sequencerID uint64) error {
	if err := a.FDCache.Clear(ctx, oid); err != nil {
		return err
	}
	a.Pgmeta.ErasePgmetaKey(oid)
	if a.Throttle != nil {
		a.Throttle.ClearObject(sequencerID, oid)
	}
	if err := a.KV.Clear(ctx, omapNamespace(cid, oid), spos); err != nil {
		return err
	}
	if err := a.KV.Clear(ctx, attrNamespace(cid, oid), spos); err != nil {
		return err
	}
	return a.Backend.Remove(ctx, a.Index.Path(cid, oid))
}

// clone implements CLONE (whole object, ranged == false) and CLONERANGE
// (ranged == true, same source/dest offset).
func (a *Applier) clone(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp, spos objectstore.Spos, ranged bool, srcOff, dstOff, length int64) error {
	src, err := a.openHandle(ctx, cid, op.OID, false)
	if err != nil {
		return err
	}
	dst, err := a.openHandle(ctx, cid, op.DestOID, true)
	if err != nil {
		return err
	}
	src.BeginIO()
	dst.BeginIO()
	defer src.EndIO()
	defer dst.EndIO()

	if !ranged {
		info, err := src.File.Stat()
		if err != nil {
			return err
		}
		length = info.Size()
		srcOff, dstOff = 0, 0
	}
	if err := a.Backend.CloneRange(ctx, src.File, dst.File, srcOff, dstOff, length); err != nil {
		return err
	}
	if !ranged {
		return a.cloneAttrsAndOmap(ctx, cid, op.OID, op.DestOID, spos)
	}
	return nil
}

// cloneWhole implements CLONE: the destination is created (or reused) first,
// an idempotent step safe to redo on replay, then the actual copy is wrapped
// in a replay guard stamped on the destination since CloneRange plus the
// attr/omap copy that follows it is not safe to redo blindly.
func (a *Applier) cloneWhole(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp, spos objectstore.Spos) error {
	if _, err := a.openHandle(ctx, cid, op.DestOID, true); err != nil {
		return err
	}
	return a.guardedObjectOp(ctx, cid, op.DestOID, spos, func() error {
		return a.clone(ctx, cid, op, spos, false, 0, 0, -1)
	})
}

func (a *Applier) cloneRange2(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp, spos objectstore.Spos) error {
	src, err := a.openHandle(ctx, cid, op.OID, false)
	if err != nil {
		return err
	}
	dst, err := a.openHandle(ctx, cid, op.DestOID, true)
	if err != nil {
		return err
	}
	src.BeginIO()
	dst.BeginIO()
	defer src.EndIO()
	defer dst.EndIO()
	return a.Backend.CloneRange(ctx, src.File, dst.File, op.Off, op.DstOff, op.Len)
}

// cloneAttrsAndOmap copies every inline/spilled attr and every omap key from
// src to dst, used only by whole-object CLONE (spec invariant 5: "all
// attributes transfer").
func (a *Applier) cloneAttrsAndOmap(ctx context.Context, cid objectstore.CID, src, dst objectstore.OID, spos objectstore.Spos) error {
	srcPath := a.Index.Path(cid, src)
	dstPath := a.Index.Path(cid, dst)

	inlineNames, err := a.listInlineAttrNames(ctx, srcPath)
	if err != nil {
		return err
	}
	for _, name := range inlineNames {
		val, ok, err := a.getInlineAttr(ctx, srcPath, name)
		if err != nil {
			return err
		}
		if ok {
			if err := a.setInlineAttr(ctx, dstPath, name, val); err != nil {
				return err
			}
		}
	}

	srcNS, dstNS := attrNamespace(cid, src), attrNamespace(cid, dst)
	if err := a.KV.Range(ctx, srcNS, "", "", func(key string, value []byte) bool {
		err = a.KV.Set(ctx, dstNS, key, value, spos)
		return err == nil
	}); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	if err := a.refreshSpillFlag(ctx, dstPath, dstNS); err != nil {
		return err
	}

	srcOmap, dstOmap := omapNamespace(cid, src), omapNamespace(cid, dst)
	if hdr, ok, err := a.KV.GetHeader(ctx, srcOmap); err != nil {
		return err
	} else if ok {
		if err := a.KV.SetHeader(ctx, dstOmap, hdr, spos); err != nil {
			return err
		}
	}
	var rangeErr error
	if err := a.KV.Range(ctx, srcOmap, "", "", func(key string, value []byte) bool {
		rangeErr = a.KV.Set(ctx, dstOmap, key, value, spos)
		return rangeErr == nil
	}); err != nil {
		return err
	}
	return rangeErr
}

func (a *Applier) mkColl(ctx context.Context, cid objectstore.CID) error {
	return a.Backend.MkdirAll(ctx, a.Index.CollectionDir(cid))
}

// collMoveRename moves an object from (cid, op.OID) to (op.DestCID,
// op.DestOID), stamping the destination's replay guard around the rename
// since this is a non-idempotent op (spec §3 "installed ... around
// non-idempotent transactions").
func (a *Applier) collMoveRename(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp, spos objectstore.Spos) error {
	a.FDCache.Clear(ctx, op.OID)
	srcPath := a.Index.Path(cid, op.OID)
	destCID := op.DestCID
	if destCID == nil {
		destCID = cid
	}
	dstPath := a.Index.Path(destCID, op.DestOID)
	if err := a.Guard.Begin(ctx, srcPath, spos); err != nil {
		return err
	}
	if err := a.Backend.Rename(ctx, srcPath, dstPath); err != nil {
		return err
	}
	return a.Guard.Commit(ctx, dstPath)
}

// splitCollection relocates every object in the collection whose hash
// falls in the (bits, rem) partition to op.DestCID, preserving each
// object's sub-hierarchy placement (Index.Path recomputes it from the same
// Hash32, so only the collection segment of the path changes).
func (a *Applier) splitCollection(ctx context.Context, op objectstore.TxnOp) error {
	oids, err := a.Index.ListObjects(ctx, op.CID)
	if err != nil {
		return err
	}
	mask := uint32(1)<<op.Bits - 1
	for _, oid := range oids {
		if oid.Hash32()&mask != op.Rem {
			continue
		}
		a.FDCache.Clear(ctx, oid)
		if err := a.Backend.Rename(ctx, a.Index.Path(op.CID, oid), a.Index.Path(op.DestCID, oid)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) omapSetKeys(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp, spos objectstore.Spos, replaying bool) error {
	if op.Pgmeta && !replaying {
		kvs := make([]pgmeta.KeyValue, 0, len(op.Keys))
		for k, v := range op.Keys {
			kvs = append(kvs, pgmeta.KeyValue{Key: k, Value: v, At: spos})
		}
		a.Pgmeta.SetKeys(cid, op.OID, kvs)
		return nil
	}
	ns := omapNamespace(cid, op.OID)
	for k, v := range op.Keys {
		if err := a.KV.Set(ctx, ns, k, v, spos); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) omapRmKeys(ctx context.Context, cid objectstore.CID, op objectstore.TxnOp, spos objectstore.Spos, replaying bool) error {
	if op.Pgmeta && !replaying {
		a.Pgmeta.EraseKeys(cid, op.OID, op.KeyNames, spos)
		return nil
	}
	ns := omapNamespace(cid, op.OID)
	for _, k := range op.KeyNames {
		if err := a.KV.Delete(ctx, ns, k, spos); err != nil {
			return err
		}
	}
	return nil
}
