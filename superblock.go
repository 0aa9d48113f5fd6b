package objectstore

import (
	"fmt"

	"github.com/localfs/objectstore/encoding"
)

// StoreVersion is the on-disk format version (spec §6, "store_version:
// encoded 32-bit target version").
type StoreVersion uint32

// CurrentStoreVersion is the version this build writes and mounts without
// an upgrade step.
const CurrentStoreVersion StoreVersion = 1

// Feature is one bit of a compat/ro-compat/incompat feature set (spec §6,
// "superblock: encoded compat feature sets").
type Feature uint64

const (
	// FeaturePgmetaCoalescer marks that small-key writes may have been
	// coalesced through the pgmeta shard writer rather than written
	// straight to the KV store; a mounter that can't decode coalesced
	// pgmeta records must refuse to mount (incompat).
	FeaturePgmetaCoalescer Feature = 1 << iota
	// FeatureCheckpointRollback marks that the store may contain hardlink-
	// tree checkpoints a mounter must know how to roll back to or prune
	// (incompat).
	FeatureCheckpointRollback
)

// Superblock is the compat-feature-set record written once at store
// creation and checked on every mount (spec §4.I step 3). Compat features
// may be silently ignored by an older mounter; ROCompat features permit
// read-only mount only; Incompat features refuse mount entirely if unknown.
// internal/mount checks only the Incompat bits: unknown Compat and ROCompat
// bits are accepted and do not make the mount read-only.
type Superblock struct {
	Compat   Feature
	ROCompat Feature
	Incompat Feature
}

// DefaultSuperblock is written at store creation, declaring the feature set
// this build actually depends on to interpret its own on-disk state.
func DefaultSuperblock() Superblock {
	return Superblock{
		Incompat: FeaturePgmetaCoalescer | FeatureCheckpointRollback,
	}
}

// Unsupported returns the bits set in f (typically an on-disk incompat set)
// that are absent from known (the bits this build understands), the set a
// mounter must refuse to start over (spec §4.I step 3, "refuse to mount if
// required features are missing").
func (f Feature) Unsupported(known Feature) Feature {
	return f &^ known
}

// MarshalSuperblock/UnmarshalSuperblock round-trip a Superblock through the
// store's default marshaler, matching every other on-disk sidecar record.
func MarshalSuperblock(sb Superblock) ([]byte, error) {
	return encoding.DefaultMarshaler.Marshal(sb)
}

func UnmarshalSuperblock(data []byte) (Superblock, error) {
	var sb Superblock
	if err := encoding.DefaultMarshaler.Unmarshal(data, &sb); err != nil {
		return Superblock{}, fmt.Errorf("objectstore: decode superblock: %w", err)
	}
	return sb, nil
}
