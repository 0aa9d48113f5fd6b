// Package journalio defines the external journal contract the journal
// coordinator drives (spec "the journal record format and its raw I/O
// layer", an external collaborator) and LocalJournal, a default append-only
// implementation.
package journalio

import (
	"context"

	objectstore "github.com/localfs/objectstore"
)

// AckFunc is invoked once a submitted entry is durable. err is non-nil only
// when the journal itself failed to persist the entry (IsWriteable will
// also flip to false in that case).
type AckFunc func(seq objectstore.Spos, err error)

// Journal is the admin and data-path surface internal/journal consumes,
// matching spec §4.F's external-journal contract exactly.
type Journal interface {
	// Prepare side-effect-free encodes blob into its on-disk framing and
	// returns the framed bytes plus the original (unframed) length.
	Prepare(blob []byte) (framed []byte, origLen int, err error)

	// SubmitEntry asynchronously appends framed at position seq; ack fires
	// when the entry is durable. token is opaque caller context threaded
	// back through to ack bookkeeping (the journal does not interpret it).
	SubmitEntry(ctx context.Context, seq objectstore.Spos, framed []byte, origLen int, ack AckFunc, token any) error

	// IsWriteable reports whether the journal will still accept entries; it
	// may latch false after a fatal I/O error.
	IsWriteable() bool

	// Throttle blocks the caller while too many bytes are in flight,
	// cooperative backpressure independent of internal/throttle's own
	// write-back throttle.
	Throttle(ctx context.Context) error

	Flush(ctx context.Context) error
	Check(ctx context.Context) error
	Create(ctx context.Context) error
	Dump(ctx context.Context) (string, error)
	ShouldCommitNow(ctx context.Context) bool

	// Replay decodes every entry with seq >= from in the order the entries
	// were written,
	// invoking fn for each; returns the highest seq actually delivered.
	Replay(ctx context.Context, from objectstore.Spos, fn func(seq objectstore.Spos, blob []byte) error) (objectstore.Spos, error)

	Close() error
}
