package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/fsbackend"
	"github.com/localfs/objectstore/internal/sequencer"
)

func testConfig(base string) objectstore.Config {
	cfg := objectstore.DefaultConfig(base)
	cfg.ApplyPoolSize = 2
	cfg.OndiskFinishers = 2
	cfg.ApplyFinishers = 2
	cfg.ThrottlePartitions = 2
	cfg.FDCacheShards = 2
	cfg.FDCacheSize = 64
	cfg.PgmetaShards = 2
	cfg.MinSyncInterval = time.Millisecond
	cfg.MaxSyncInterval = time.Hour
	cfg.CommitTimeout = 5 * time.Second
	return cfg
}

func TestMountFreshStoreCreatesLayout(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	r, err := Mount(ctx, testConfig(base), nil, nil)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer r.Close()

	if r.FSID.IsNil() {
		t.Fatalf("expected a generated fsid")
	}
	if _, err := os.Stat(filepath.Join(base, fsidFileName)); err != nil {
		t.Fatalf("fsid file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, versionFileName)); err != nil {
		t.Fatalf("store_version file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, superblockFileName)); err != nil {
		t.Fatalf("superblock file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, currentDirName, omapDirName)); err != nil {
		t.Fatalf("omap dir missing: %v", err)
	}
}

func TestMountRejectsConcurrentMount(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	r, err := Mount(ctx, testConfig(base), nil, nil)
	if err != nil {
		t.Fatalf("first mount: %v", err)
	}
	defer r.Close()

	if _, err := Mount(ctx, testConfig(base), nil, nil); err == nil {
		t.Fatalf("expected second concurrent mount to fail acquiring the fsid lock")
	}
}

func TestMountReplaysAfterUncleanShutdown(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	r1, err := Mount(ctx, testConfig(base), nil, nil)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	c := objectstore.CID("coll")
	op, err := r1.Pipeline.Submit(ctx, sequencer.SubmitRequest{SequencerID: 1, CID: c, Ops: []objectstore.TxnOp{
		{Code: objectstore.OpMkColl, CID: c},
		{Code: objectstore.OpTouch, OID: objectstore.OID{Name: "obj"}},
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := op.Wait(); err != nil {
		t.Fatalf("op wait: %v", err)
	}

	// Simulate an unclean shutdown: release the fsid lock without running
	// a commit cycle, leaving commit_op_seq behind the journal's tail.
	if err := r1.unlockFsid(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	r1.fsidFile.Close()
	r1.Pipeline.Close()

	fsid1 := r1.FSID

	r2, err := Mount(ctx, testConfig(base), nil, nil)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	defer r2.Close()

	if r2.FSID != fsid1 {
		t.Fatalf("fsid changed across remount: %v != %v", r2.FSID, fsid1)
	}

	path := filepath.Join(base, currentDirName, "coll", "obj")
	found := false
	filepath.Walk(filepath.Join(base, currentDirName, "coll"), func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			found = true
		}
		return nil
	})
	if !found {
		t.Fatalf("expected replay to recreate the touched object under %s", path)
	}
}

func TestMountProbesBackend(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()
	backend := fsbackend.NewPosix(false)

	r, err := Mount(ctx, testConfig(base), backend, nil)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer r.Close()

	if r.Capabilities.FSType == "" {
		t.Fatalf("expected Probe to report a filesystem type")
	}
}
