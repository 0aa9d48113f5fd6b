package kvstore

import (
	"context"
	"testing"

	objectstore "github.com/localfs/objectstore"
)

func spos(seq uint64) objectstore.Spos {
	return objectstore.Spos{OpSeq: seq, TransNum: 1, OpNum: 1}
}

func TestSetGetRoundTrip(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	if err := m.Set(ctx, "ns1", "k1", []byte("v1"), spos(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := m.Get(ctx, "ns1", "k1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
}

func TestSetRejectsStaleWrite(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	if err := m.Set(ctx, "ns1", "k1", []byte("new"), spos(5)); err != nil {
		t.Fatalf("set new: %v", err)
	}
	if err := m.Set(ctx, "ns1", "k1", []byte("stale"), spos(3)); err != nil {
		t.Fatalf("set stale: %v", err)
	}
	got, _, _ := m.Get(ctx, "ns1", "k1")
	if string(got) != "new" {
		t.Fatalf("expected the newer write to survive, got %q", got)
	}
}

func TestDeleteRejectsStaleWrite(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	m.Set(ctx, "ns1", "k1", []byte("v1"), spos(5))
	if err := m.Delete(ctx, "ns1", "k1", spos(3)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ := m.Get(ctx, "ns1", "k1")
	if !ok {
		t.Fatalf("expected the stale delete to be rejected")
	}
	if err := m.Delete(ctx, "ns1", "k1", spos(9)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ = m.Get(ctx, "ns1", "k1")
	if ok {
		t.Fatalf("expected the newer delete to take effect")
	}
}

func TestRangeIteratesAscendingAndRespectsBounds(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	for _, k := range []string{"c", "a", "b", "d"} {
		m.Set(ctx, "ns1", k, []byte(k), spos(1))
	}
	var got []string
	if err := m.Range(ctx, "ns1", "b", "d", func(key string, value []byte) bool {
		got = append(got, key)
		return true
	}); err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
}

func TestRangeStopsWhenFnReturnsFalse(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		m.Set(ctx, "ns1", k, []byte(k), spos(1))
	}
	var got []string
	m.Range(ctx, "ns1", "", "", func(key string, value []byte) bool {
		got = append(got, key)
		return len(got) < 2
	})
	if len(got) != 2 {
		t.Fatalf("expected iteration to stop early, got %v", got)
	}
}

func TestDeleteRange(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d"} {
		m.Set(ctx, "ns1", k, []byte(k), spos(1))
	}
	if err := m.DeleteRange(ctx, "ns1", "b", "d", spos(2)); err != nil {
		t.Fatalf("delete range: %v", err)
	}
	var got []string
	m.Range(ctx, "ns1", "", "", func(key string, value []byte) bool {
		got = append(got, key)
		return true
	})
	if len(got) != 2 || got[0] != "a" || got[1] != "d" {
		t.Fatalf("expected [a d], got %v", got)
	}
}

func TestHeaderRoundTripAndStaleRejection(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	if _, ok, _ := m.GetHeader(ctx, "ns1"); ok {
		t.Fatalf("expected no header before SetHeader")
	}
	if err := m.SetHeader(ctx, "ns1", []byte("h1"), spos(5)); err != nil {
		t.Fatalf("set header: %v", err)
	}
	if err := m.SetHeader(ctx, "ns1", []byte("stale"), spos(1)); err != nil {
		t.Fatalf("set stale header: %v", err)
	}
	got, ok, _ := m.GetHeader(ctx, "ns1")
	if !ok || string(got) != "h1" {
		t.Fatalf("expected h1 to survive, got %q ok=%v", got, ok)
	}
}

func TestClearDropsNamespace(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	m.Set(ctx, "ns1", "k1", []byte("v1"), spos(1))
	if err := m.Clear(ctx, "ns1", spos(2)); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "ns1", "k1"); ok {
		t.Fatalf("expected namespace to be empty after Clear")
	}
}
