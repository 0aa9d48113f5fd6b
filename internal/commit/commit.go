// Package commit implements the sync/commit engine (spec §4.H): a dedicated
// loop that periodically quiesces the apply pool, durably persists op_seq,
// and either snapshots the current tree (checkpoint-capable backends) or
// flushes the KV store and filesystem directly (backends that can't).
package commit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	log "log/slog"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/fsbackend"
	"github.com/localfs/objectstore/internal/pgmeta"
	"github.com/localfs/objectstore/internal/sequencer"
	"github.com/localfs/objectstore/internal/throttle"
	"github.com/localfs/objectstore/kvstore"
)

// Config bounds the commit engine's cadence and on-disk layout, mirrored
// from the store-wide objectstore.Config (spec §6).
type Config struct {
	MinSyncInterval   time.Duration
	MaxSyncInterval   time.Duration
	CommitTimeout     time.Duration
	BaseDir           string
	CurrentDir        string
	OpSeqFileName     string
	RetainCheckpoints int
}

const defaultOpSeqFileName = "commit_op_seq"

// Engine drives the periodic commit cycle of spec §4.H, coordinating the
// apply-pool fence (internal/sequencer.Pipeline), the pgmeta coalescer, the
// write-back throttle, the KV store, and the filesystem backend.
type Engine struct {
	pipeline *sequencer.Pipeline
	backend  fsbackend.Backend
	kv       kvstore.Store
	pgmeta   *pgmeta.Coalescer
	throttle *throttle.Throttle
	faults   *objectstore.FaultInjector
	cfg      Config

	mu             sync.Mutex
	waiters        []chan error
	lastCommitTime time.Time

	forceCh chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds an Engine from its collaborators. faults may be nil (fault
// injection disabled).
func New(pipeline *sequencer.Pipeline, backend fsbackend.Backend, kv kvstore.Store, pg *pgmeta.Coalescer, th *throttle.Throttle, faults *objectstore.FaultInjector, cfg Config) *Engine {
	if cfg.OpSeqFileName == "" {
		cfg.OpSeqFileName = defaultOpSeqFileName
	}
	if cfg.RetainCheckpoints < 1 {
		cfg.RetainCheckpoints = 2
	}
	if faults == nil {
		faults = objectstore.NewFaultInjector(0, nil)
	}
	return &Engine{
		pipeline: pipeline,
		backend:  backend,
		kv:       kv,
		pgmeta:   pg,
		throttle: th,
		faults:   faults,
		cfg:      cfg,
		forceCh:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the commit loop goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Close signals the commit loop to stop and waits for it to exit, failing
// any sync waiters still queued with a shutdown error.
func (e *Engine) Close() error {
	close(e.stop)
	e.wg.Wait()
	return nil
}

// RequestSync forces a commit cycle to run (bypassing the interval waits,
// spec §4.H "force-sync") and blocks until that cycle completes, returning
// its error.
func (e *Engine) RequestSync(ctx context.Context) error {
	ch := make(chan error, 1)
	e.mu.Lock()
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()
	select {
	case e.forceCh <- struct{}{}:
	default:
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return fmt.Errorf("commit: engine stopped before sync completed")
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		if !e.waitForTrigger() {
			e.failRemainingWaiters()
			return
		}
		for {
			e.commitOnce()
			e.mu.Lock()
			more := len(e.waiters) > 0
			e.mu.Unlock()
			if !more && !e.pipeline.ShouldCommitNow(context.Background()) {
				break
			}
		}
	}
}

// waitForTrigger blocks until max_sync_interval elapses or a force-sync
// request arrives, returning false only on shutdown (spec §4.H step 1).
// Both wake sources already satisfy step 2's "wait the remainder of
// min_sync_interval" by construction: a timer wake has waited the full
// (necessarily >= min) max interval, and a force wake explicitly bypasses
// interval waits per spec's own "Force-sync bypasses the interval waits".
func (e *Engine) waitForTrigger() bool {
	timer := time.NewTimer(e.cfg.MaxSyncInterval)
	defer timer.Stop()
	select {
	case <-e.stop:
		return false
	case <-timer.C:
		return true
	case <-e.forceCh:
		return true
	}
}

func (e *Engine) failRemainingWaiters() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()
	for _, ch := range waiters {
		ch <- fmt.Errorf("commit: engine stopped before sync completed")
	}
}

// commitOnce runs one full pass of spec §4.H steps 3-9.
func (e *Engine) commitOnce() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()
	notify := func(err error) {
		for _, ch := range waiters {
			ch <- err
		}
	}

	resume := e.pipeline.PauseApply()
	e.faults.Hit("commit.fence_apply")
	e.pipeline.DrainAll()
	e.pipeline.SetCommitting(true)
	defer e.pipeline.SetCommitting(false)

	committingSeq := e.pipeline.CurrentOpSeq()

	watchdog := time.AfterFunc(e.cfg.CommitTimeout, func() {
		panic(objectstore.Error{Code: objectstore.CommitTimeout, UserData: committingSeq,
			Err: fmt.Errorf("commit: cycle exceeded %s", e.cfg.CommitTimeout)})
	})
	defer watchdog.Stop()

	ctx := context.Background()
	supportsCP := e.backend.SupportsCheckpoint(ctx, e.cfg.BaseDir)

	var err error
	if supportsCP {
		err = e.commitWithCheckpoint(ctx, committingSeq, resume)
	} else {
		resume()
		err = e.commitWithoutCheckpoint(ctx, committingSeq)
	}

	e.faults.Hit("commit.finish")
	e.throttle.ClearAll()

	if err == nil {
		if rerr := e.retainRecentCheckpoints(ctx); rerr != nil {
			log.Error("commit: failed to prune old checkpoints", "err", rerr)
		}
	} else {
		log.Error("commit: cycle failed", "err", err)
	}

	e.mu.Lock()
	e.lastCommitTime = time.Now()
	e.mu.Unlock()
	notify(err)
}

// commitWithCheckpoint implements spec §4.H step 6: persist op_seq, snapshot
// current under a name derived from committingSeq, unpause apply, then sync
// the checkpoint to stable storage.
func (e *Engine) commitWithCheckpoint(ctx context.Context, seq uint64, resume func()) error {
	if err := e.writeOpSeq(seq); err != nil {
		resume()
		return err
	}
	e.faults.Hit("commit.opseq_persist")

	name := checkpointName(seq)
	if err := e.backend.CreateCheckpoint(ctx, e.cfg.CurrentDir, name); err != nil {
		resume()
		return fmt.Errorf("commit: create checkpoint %s: %w", name, err)
	}
	e.faults.Hit("commit.checkpoint_create")
	resume()

	if err := e.backend.Syncfs(ctx, e.cfg.BaseDir); err != nil {
		return fmt.Errorf("commit: sync checkpoint %s: %w", name, err)
	}
	e.faults.Hit("commit.checkpoint_synced")
	return nil
}

// commitWithoutCheckpoint implements spec §4.H step 7: flush every pgmeta
// shard, sync the KV store, sync the filesystem, then persist op_seq.
func (e *Engine) commitWithoutCheckpoint(ctx context.Context, seq uint64) error {
	if err := e.flushPgmeta(ctx); err != nil {
		return fmt.Errorf("commit: flush pgmeta: %w", err)
	}
	e.faults.Hit("commit.pgmeta_flush")

	if err := e.kv.Sync(ctx); err != nil {
		return fmt.Errorf("commit: sync kv store: %w", err)
	}
	e.faults.Hit("commit.kv_sync")

	if err := e.backend.Syncfs(ctx, e.cfg.BaseDir); err != nil {
		return fmt.Errorf("commit: syncfs: %w", err)
	}
	e.faults.Hit("commit.syncfs")

	if err := e.writeOpSeq(seq); err != nil {
		return fmt.Errorf("commit: persist op_seq: %w", err)
	}
	e.faults.Hit("commit.opseq_persist")
	return nil
}

func (e *Engine) flushPgmeta(ctx context.Context) error {
	for i := 0; i < e.pgmeta.NumShards(); i++ {
		entries := e.pgmeta.SubmitShardIndex(i)
		for _, ent := range entries {
			ns := omapNamespace(ent.CID, ent.OID)
			for _, kv := range ent.Keys {
				if err := e.kv.Set(ctx, ns, kv.Key, kv.Value, kv.At); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func omapNamespace(cid string, oid objectstore.OID) string {
	return fmt.Sprintf("%s/%s/omap", cid, oid.String())
}

// checkpointName returns the bare checkpoint identifier: fsbackend.Posix's
// CreateCheckpoint/ListCheckpoints/DestroyCheckpoint all add/strip the
// "snap_" directory prefix themselves, so the name passed across that
// boundary must not carry it. Zero-padded so lexical sort matches numeric
// order for retainRecentCheckpoints.
func checkpointName(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// writeOpSeq atomically writes and fsyncs the ASCII decimal op_seq file
// (spec §6 "current/commit_op_seq: ASCII decimal op_seq").
func (e *Engine) writeOpSeq(seq uint64) error {
	path := filepath.Join(e.cfg.CurrentDir, e.cfg.OpSeqFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.FormatUint(seq, 10)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// retainRecentCheckpoints keeps at most RetainCheckpoints checkpoints,
// destroying the rest (spec §4.H step 9).
func (e *Engine) retainRecentCheckpoints(ctx context.Context) error {
	names, err := e.backend.ListCheckpoints(ctx, e.cfg.BaseDir)
	if err != nil {
		return err
	}
	sort.Strings(names)
	if len(names) <= e.cfg.RetainCheckpoints {
		return nil
	}
	stale := names[:len(names)-e.cfg.RetainCheckpoints]
	for _, name := range stale {
		if err := e.backend.DestroyCheckpoint(ctx, e.cfg.BaseDir, name); err != nil {
			return fmt.Errorf("commit: destroy checkpoint %s: %w", name, err)
		}
	}
	return nil
}

// ReadOpSeq reads a previously persisted op_seq file, used by
// internal/mount to determine the replay starting point (spec §4.I step 7,
// "replay all ops with seq >= initial_op_seq+1").
func ReadOpSeq(currentDir, fileName string) (uint64, error) {
	if fileName == "" {
		fileName = defaultOpSeqFileName
	}
	buf, err := os.ReadFile(filepath.Join(currentDir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseUint(string(buf), 10, 64)
}
