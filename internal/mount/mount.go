// Package mount implements store open/recovery (spec §4.I): fsid locking,
// version/superblock validation, filesystem capability probing, checkpoint
// rollback, KV store initialization, and journal replay, wiring the result
// into a running internal/sequencer.Pipeline and internal/commit.Engine.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "log/slog"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/dirindex"
	"github.com/localfs/objectstore/fsbackend"
	"github.com/localfs/objectstore/internal/apply"
	"github.com/localfs/objectstore/internal/commit"
	"github.com/localfs/objectstore/internal/fdcache"
	"github.com/localfs/objectstore/internal/pgmeta"
	"github.com/localfs/objectstore/internal/replayguard"
	"github.com/localfs/objectstore/internal/sequencer"
	"github.com/localfs/objectstore/internal/throttle"
	"github.com/localfs/objectstore/journalio"
	"github.com/localfs/objectstore/kvstore"
)

const (
	fsidFileName       = "fsid"
	versionFileName    = "store_version"
	superblockFileName = "superblock"
	currentDirName     = "current"
	nosnapFileName     = "nosnap"
	omapDirName        = "omap"
	journalDirName     = "journal"
	opSeqFileName      = "commit_op_seq"
)

// Result is everything a running store needs after a successful Mount: the
// wired collaborators plus the pipeline and commit engine, already started
// (spec §4.I step 8).
type Result struct {
	FSID         objectstore.UUID
	Superblock   objectstore.Superblock
	Capabilities fsbackend.Capabilities

	Backend  fsbackend.Backend
	Index    dirindex.Index
	KV       kvstore.Store
	Pgmeta   *pgmeta.Coalescer
	FDCache  fdcache.Cache
	Throttle *throttle.Throttle
	Guard    *replayguard.Guard
	Applier  *apply.Applier
	Journal  journalio.Journal
	Pipeline *sequencer.Pipeline
	Commit   *commit.Engine

	unlockFsid func() error
	fsidFile   *os.File
}

// Close shuts the store down in this order: the commit engine (sync
// thread); then the pipeline, which drains every sequencer and the apply
// pool, then stops the ack-journal writer and the journal, then the finisher
// pools; then releases the fsid lock. The write-back throttle runs no
// goroutine and has no shutdown step.
func (r *Result) Close() error {
	var err error
	if r.Commit != nil {
		if cerr := r.Commit.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if r.Pipeline != nil {
		if perr := r.Pipeline.Close(); perr != nil && err == nil {
			err = perr
		}
	}
	if r.unlockFsid != nil {
		if uerr := r.unlockFsid(); uerr != nil && err == nil {
			err = uerr
		}
	}
	if r.fsidFile != nil {
		if cerr := r.fsidFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Mount runs spec §4.I's 8 steps against cfg.BaseDir and returns a Result
// with the apply pool, finishers, throttles, sync thread and ack-writer
// thread already started.
func Mount(ctx context.Context, cfg objectstore.Config, backend fsbackend.Backend, faults *objectstore.FaultInjector) (*Result, error) {
	if backend == nil {
		backend = fsbackend.NewPosix(cfg.SloppyCRC)
	}
	if faults == nil {
		faults = objectstore.NewFaultInjector(cfg.KillAt, nil)
	}

	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("mount: create base dir: %w", err)
	}

	fsid, fsidFile, unlock, err := openFsid(ctx, backend, cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	r := &Result{FSID: fsid, unlockFsid: unlock, fsidFile: fsidFile, Backend: backend}

	if err := validateVersion(cfg); err != nil {
		closeErr := r.Close()
		return nil, fmt.Errorf("mount: %w (cleanup: %v)", err, closeErr)
	}

	sb, err := loadOrCreateSuperblock(cfg.BaseDir)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mount: superblock: %w", err)
	}
	supported := objectstore.DefaultSuperblock().Incompat
	if unsupported := sb.Incompat.Unsupported(supported); unsupported != 0 {
		r.Close()
		return nil, objectstore.Error{Code: objectstore.Unknown, UserData: unsupported,
			Err: fmt.Errorf("mount: on-disk store requires incompat features %#x this build does not support", unsupported)}
	}
	r.Superblock = sb

	currentDir := filepath.Join(cfg.BaseDir, currentDirName)
	if err := os.MkdirAll(currentDir, 0o750); err != nil {
		r.Close()
		return nil, fmt.Errorf("mount: create current dir: %w", err)
	}

	caps, err := backend.Probe(ctx, currentDir)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mount: probe filesystem: %w", err)
	}
	r.Capabilities = caps

	if err := maybeRollback(ctx, backend, cfg, currentDir); err != nil {
		r.Close()
		return nil, fmt.Errorf("mount: checkpoint rollback: %w", err)
	}

	omapDir := filepath.Join(currentDir, omapDirName)
	if err := os.MkdirAll(omapDir, 0o750); err != nil {
		r.Close()
		return nil, fmt.Errorf("mount: create omap dir: %w", err)
	}
	kv := kvstore.NewMemStore()
	r.KV = kv

	index := dirindex.NewPosixIndex(currentDir)
	pg := pgmeta.New(nonZero(cfg.PgmetaShards, 8))
	fdCache := newFDCache(cfg)
	th := throttle.New(nonZero(cfg.ThrottlePartitions, 4),
		cfg.QueueMaxBytes, cfg.QueueMaxBytes/2, int64(cfg.QueueMaxOps), int64(cfg.QueueMaxOps)/2)
	guard := replayguard.New(backend, faults)

	a := apply.New(backend, index, kv, pg, fdCache, th, guard, faults, apply.Config{
		InlineAttrMaxSize:  cfg.InlineAttrMaxSize,
		InlineAttrMaxCount: cfg.InlineAttrMaxCount,
		FailEIO:            cfg.FailEIO,
		SupportsCheckpoint: caps.SupportsCheckpoint,
	}, cfg.BaseDir)

	r.Index, r.Pgmeta, r.FDCache, r.Throttle, r.Guard, r.Applier = index, pg, fdCache, th, guard, a

	journalDir := filepath.Join(cfg.BaseDir, journalDirName)
	journal, err := journalio.NewLocalJournal(journalDir, cfg.SloppyCRC, cfg.QueueMaxBytes)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mount: open journal: %w", err)
	}
	r.Journal = journal

	pipeline := sequencer.NewPipeline(a, journal, sequencer.Config{
		ApplyPoolSize:      nonZero(cfg.ApplyPoolSize, 8),
		OndiskFinishers:    nonZero(cfg.OndiskFinishers, 2),
		ApplyFinishers:     nonZero(cfg.ApplyFinishers, 2),
		QueueMaxOps:        cfg.QueueMaxOps,
		QueueMaxBytes:      cfg.QueueMaxBytes,
		CommittingMaxOps:   cfg.CommittingMaxOps,
		CommittingMaxBytes: cfg.CommittingMaxBytes,
		BatchMaxOps:        64,
	})
	r.Pipeline = pipeline

	initialOpSeq, err := commit.ReadOpSeq(currentDir, opSeqFileName)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mount: read committed op_seq: %w", err)
	}
	from := objectstore.Spos{OpSeq: initialOpSeq + 1}
	replayed, err := pipeline.Replay(ctx, from)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mount: replay journal: %w", err)
	}
	log.Info("mount: replay complete", "from_seq", from.OpSeq, "to_seq", replayed.OpSeq)

	engine := commit.New(pipeline, backend, kv, pg, th, faults, commit.Config{
		MinSyncInterval:   cfg.MinSyncInterval,
		MaxSyncInterval:   cfg.MaxSyncInterval,
		CommitTimeout:     cfg.CommitTimeout,
		BaseDir:           cfg.BaseDir,
		CurrentDir:        currentDir,
		OpSeqFileName:     opSeqFileName,
		RetainCheckpoints: 2,
	})
	engine.Start()
	r.Commit = engine

	return r, nil
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func newFDCache(cfg objectstore.Config) fdcache.Cache {
	size := nonZero(cfg.FDCacheSize, 4096)
	if cfg.FDCacheRandom {
		return fdcache.NewRandom(size)
	}
	return fdcache.NewSharded(nonZero(cfg.FDCacheShards, 16), size)
}

// openFsid opens (creating if necessary) and flocks the fsid file, returning
// its parsed UUID (spec §4.I step 1). A freshly created store gets a new
// random UUID written and fsynced before the lock is handed back.
func openFsid(ctx context.Context, backend fsbackend.Backend, baseDir string) (objectstore.UUID, *os.File, func() error, error) {
	path := filepath.Join(baseDir, fsidFileName)
	f, err := backend.Open(ctx, path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return objectstore.UUID{}, nil, nil, fmt.Errorf("mount: open fsid: %w", err)
	}
	unlock, err := backend.FlockExclusive(ctx, f)
	if err != nil {
		f.Close()
		return objectstore.UUID{}, nil, nil, fmt.Errorf("mount: flock fsid: %w", err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		unlock()
		f.Close()
		return objectstore.UUID{}, nil, nil, fmt.Errorf("mount: read fsid: %w", err)
	}

	text := strings.TrimSpace(string(buf))
	if text == "" {
		id := objectstore.NewUUID()
		if _, err := f.WriteAt([]byte(id.String()+"\n"), 0); err != nil {
			unlock()
			f.Close()
			return objectstore.UUID{}, nil, nil, fmt.Errorf("mount: write fsid: %w", err)
		}
		if err := f.Sync(); err != nil {
			unlock()
			f.Close()
			return objectstore.UUID{}, nil, nil, fmt.Errorf("mount: sync fsid: %w", err)
		}
		return id, f, unlock, nil
	}

	// Legacy 16-byte raw form, tolerated per spec §4.I step 1.
	if len(buf) == 16 {
		var id objectstore.UUID
		copy(id[:], buf)
		return id, f, unlock, nil
	}

	id, err := objectstore.ParseUUID(text)
	if err != nil {
		unlock()
		f.Close()
		return objectstore.UUID{}, nil, nil, fmt.Errorf("mount: parse fsid: %w", err)
	}
	return id, f, unlock, nil
}

// validateVersion implements spec §4.I step 2. Missing version files are
// treated as a brand-new store at CurrentStoreVersion; an on-disk version
// newer than this build's target is refused outright rather than silently
// downgraded against.
func validateVersion(cfg objectstore.Config) error {
	path := filepath.Join(cfg.BaseDir, versionFileName)
	target := objectstore.CurrentStoreVersion
	if cfg.UpdateTo > 0 {
		target = objectstore.StoreVersion(cfg.UpdateTo)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read store_version: %w", err)
		}
		return writeVersion(path, target)
	}

	var onDisk objectstore.StoreVersion
	if _, err := fmt.Sscanf(strings.TrimSpace(string(buf)), "%d", &onDisk); err != nil {
		return fmt.Errorf("parse store_version: %w", err)
	}
	if onDisk > target {
		return fmt.Errorf("on-disk store_version %d is newer than this build's target %d", onDisk, target)
	}
	if onDisk < target {
		log.Info("mount: upgrading store_version", "from", onDisk, "to", target)
		return writeVersion(path, target)
	}
	return nil
}

func writeVersion(path string, v objectstore.StoreVersion) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d", v)), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadOrCreateSuperblock(baseDir string) (objectstore.Superblock, error) {
	path := filepath.Join(baseDir, superblockFileName)
	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return objectstore.Superblock{}, err
		}
		sb := objectstore.DefaultSuperblock()
		blob, merr := objectstore.MarshalSuperblock(sb)
		if merr != nil {
			return objectstore.Superblock{}, merr
		}
		if werr := os.WriteFile(path, blob, 0o640); werr != nil {
			return objectstore.Superblock{}, werr
		}
		return sb, nil
	}
	return objectstore.UnmarshalSuperblock(buf)
}

// maybeRollback implements spec §4.I step 5: enumerate checkpoints, and if
// the caller requested one (by name or "latest") and current isn't marked
// nosnap, roll back to it.
func maybeRollback(ctx context.Context, backend fsbackend.Backend, cfg objectstore.Config, currentDir string) error {
	names, err := backend.ListCheckpoints(ctx, cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	if !backend.SupportsCheckpoint(ctx, cfg.BaseDir) {
		nosnap := filepath.Join(currentDir, nosnapFileName)
		if _, err := os.Stat(nosnap); os.IsNotExist(err) {
			if werr := os.WriteFile(nosnap, nil, 0o640); werr != nil {
				return fmt.Errorf("write nosnap sentinel: %w", werr)
			}
		}
	}

	if cfg.RollbackToClusterSnap == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(currentDir, nosnapFileName)); err == nil {
		return fmt.Errorf("refusing rollback: current is marked nosnap")
	}

	target := cfg.RollbackToClusterSnap
	if target == "latest" {
		if len(names) == 0 {
			return fmt.Errorf("no checkpoints available for rollback")
		}
		target = names[len(names)-1]
		if !cfg.UseStaleSnap && target != names[len(names)-1] {
			return fmt.Errorf("refusing rollback to stale checkpoint %s without UseStaleSnap", target)
		}
	} else {
		found := false
		for _, n := range names {
			if n == target {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("checkpoint %s not found", target)
		}
		if !cfg.UseStaleSnap && target != names[len(names)-1] {
			return fmt.Errorf("refusing rollback to stale checkpoint %s without UseStaleSnap", target)
		}
	}

	return backend.RollbackToCheckpoint(ctx, cfg.BaseDir, currentDir, target)
}
