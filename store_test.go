package objectstore_test

import (
	"context"
	"testing"
	"time"

	objectstore "github.com/localfs/objectstore"
)

func testConfig(t *testing.T) objectstore.Config {
	t.Helper()
	cfg := objectstore.DefaultConfig(t.TempDir())
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

func TestOpenSubmitWaitRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.Open(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if store.FSID().IsNil() {
		t.Fatalf("expected a non-nil fsid")
	}

	c := objectstore.CID("greetings")
	txn, err := store.Submit(ctx, objectstore.SubmitRequest{
		SequencerID: 1,
		CID:         c,
		Ops: []objectstore.TxnOp{
			{Code: objectstore.OpMkColl, CID: c},
			{Code: objectstore.OpTouch, OID: objectstore.OID{Name: "hello"}},
			{Code: objectstore.OpWrite, OID: objectstore.OID{Name: "hello"}, Off: 0, Data: []byte("world")},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := txn.Wait(); err != nil {
		t.Fatalf("txn wait: %v", err)
	}
	if txn.State() != objectstore.OpStateDone {
		t.Fatalf("expected txn to reach OpStateDone, got %v", txn.State())
	}
}

func TestRequestSyncPersistsAcrossRemount(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	store, err := objectstore.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c := objectstore.CID("durable")
	txn, err := store.Submit(ctx, objectstore.SubmitRequest{
		SequencerID: 1,
		CID:         c,
		Ops: []objectstore.TxnOp{
			{Code: objectstore.OpMkColl, CID: c},
			{Code: objectstore.OpTouch, OID: objectstore.OID{Name: "obj"}},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := txn.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if err := store.RequestSync(ctx); err != nil {
		t.Fatalf("request sync: %v", err)
	}
	fsid := store.FSID()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := objectstore.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	if store2.FSID() != fsid {
		t.Fatalf("fsid changed across remount")
	}
}
