package objectstore

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// OID identifies an object within a collection: a hash-sortable name, a
// shard tag used to steer cache partitioning, and a generation counter that
// disambiguates a name reused after removal.
type OID struct {
	Name       string
	ShardTag   uint32
	Generation uint64
}

// String renders the OID in a stable, log-friendly form.
func (o OID) String() string {
	return fmt.Sprintf("%s.%d.%d", o.Name, o.ShardTag, o.Generation)
}

// Hash32 returns the stable 32-bit hash used to shard FD-cache, pgmeta, and
// write-back-throttle partitions by object.
func (o OID) Hash32() uint32 {
	h := fnv.New32a()
	h.Write([]byte(o.Name))
	var b [12]byte
	putUint32(b[0:4], o.ShardTag)
	putUint64(b[4:12], o.Generation)
	h.Write(b[:])
	return h.Sum32()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// CID is a collection identifier: an opaque byte string naming a flat
// namespace of objects.
type CID []byte

// String renders the CID's bytes unchanged as a string; characters that are
// unsafe in a path are not escaped.
func (c CID) String() string {
	return string(c)
}

// Spos is a sequencer position: {op_seq, trans_num, op_num}, monotonic
// within a sequencer and compared lexicographically in that field order.
// It doubles as the value stamped by a replay guard.
type Spos struct {
	OpSeq    uint64
	TransNum uint64
	OpNum    uint32
}

// Compare returns -1, 0, or 1 as s is less than, equal to, or greater than o,
// comparing (OpSeq, TransNum, OpNum) lexicographically.
func (s Spos) Compare(o Spos) int {
	if s.OpSeq != o.OpSeq {
		if s.OpSeq < o.OpSeq {
			return -1
		}
		return 1
	}
	if s.TransNum != o.TransNum {
		if s.TransNum < o.TransNum {
			return -1
		}
		return 1
	}
	if s.OpNum != o.OpNum {
		if s.OpNum < o.OpNum {
			return -1
		}
		return 1
	}
	return 0
}

// IsZero reports whether s is the zero value, used to mean "no guard present".
func (s Spos) IsZero() bool {
	return s == Spos{}
}

// String renders an Spos as "opseq.transnum.opnum", the encoding used for the
// replay-guard xattr value (see internal/replayguard).
func (s Spos) String() string {
	return fmt.Sprintf("%d.%d.%d", s.OpSeq, s.TransNum, s.OpNum)
}

// ParseSpos decodes the string form produced by Spos.String.
func ParseSpos(s string) (Spos, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return Spos{}, fmt.Errorf("objectstore: malformed spos %q", s)
	}
	opSeq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Spos{}, fmt.Errorf("objectstore: malformed spos opseq %q: %w", s, err)
	}
	transNum, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Spos{}, fmt.Errorf("objectstore: malformed spos transnum %q: %w", s, err)
	}
	opNum, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Spos{}, fmt.Errorf("objectstore: malformed spos opnum %q: %w", s, err)
	}
	return Spos{OpSeq: opSeq, TransNum: transNum, OpNum: uint32(opNum)}, nil
}

// Opcode enumerates the transaction opcode set understood by the applier.
type Opcode int

const (
	OpNop Opcode = iota
	OpTouch
	OpWrite
	OpZero
	OpTruncate
	OpRemove
	OpClone
	OpCloneRange
	OpCloneRange2
	OpSetAttr
	OpSetAttrs
	OpRmAttr
	OpRmAttrs
	OpSetAllocHint
	OpMkColl
	OpRmColl
	OpCollHint
	OpCollAdd
	OpCollRemove
	OpCollMoveRename
	OpCollSetAttr
	OpCollRmAttr
	OpSplitCollection
	OpSplitCollection2
	OpOmapClear
	OpOmapSetKeys
	OpOmapRmKeys
	OpOmapRmKeyRange
	OpOmapSetHeader
	OpPgmetaWrite
	OpStartSync
	OpWriteAhead
	OpTrimCache   // deprecated, tolerated on decode
	OpCollMove    // deprecated, tolerated on decode
	OpCollRename  // deprecated, tolerated on decode
)

func (o Opcode) String() string {
	names := [...]string{
		"NOP", "TOUCH", "WRITE", "ZERO", "TRUNCATE", "REMOVE", "CLONE",
		"CLONERANGE", "CLONERANGE2", "SETATTR", "SETATTRS", "RMATTR",
		"RMATTRS", "SETALLOCHINT", "MKCOLL", "RMCOLL", "COLL_HINT",
		"COLL_ADD", "COLL_REMOVE", "COLL_MOVE_RENAME", "COLL_SETATTR",
		"COLL_RMATTR", "SPLIT_COLLECTION", "SPLIT_COLLECTION2",
		"OMAP_CLEAR", "OMAP_SETKEYS", "OMAP_RMKEYS", "OMAP_RMKEYRANGE",
		"OMAP_SETHEADER", "PGMETA_WRITE", "STARTSYNC", "WRITE_AHEAD",
		"TRIMCACHE", "COLL_MOVE", "COLL_RENAME",
	}
	if int(o) < 0 || int(o) >= len(names) {
		return "UNKNOWN"
	}
	return names[o]
}

// TxnOp is a single decoded opcode together with its operands, targeted at a
// (cid, oid) pair (oid is the zero value for collection-scoped opcodes).
type TxnOp struct {
	Code     Opcode
	CID      CID
	OID      OID
	DestCID  CID
	DestOID  OID
	Off      int64
	Len      int64
	// DstOff is the destination offset for CLONERANGE2, distinct from Off
	// (the source offset) when src and dst offsets differ.
	DstOff   int64
	Data     []byte
	Attrs    map[string][]byte
	AttrName string
	Keys     map[string][]byte
	KeyNames []string
	First    string
	Last     string
	Bits     uint32
	Rem      uint32
	HintType int
	Payload  []byte

	// Pgmeta marks the target object as a "pgmeta" object (spec §4.C):
	// OMAP_SETKEYS/OMAP_RMKEYS against it route through the pgmeta
	// coalescer instead of writing the KV store directly, except when the
	// decoder is running in replay mode.
	Pgmeta bool
}

// OpState enumerates an Op's position in the sequencer state machine
// (see internal/sequencer).
type OpState int

const (
	OpStateInit OpState = iota
	OpStateWrite
	OpStateJournal
	OpStateCommit
	OpStateAck
	OpStateDone
)

func (s OpState) String() string {
	switch s {
	case OpStateInit:
		return "INIT"
	case OpStateWrite:
		return "WRITE"
	case OpStateJournal:
		return "JOURNAL"
	case OpStateCommit:
		return "COMMIT"
	case OpStateAck:
		return "ACK"
	case OpStateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// IsWalEligible reports whether a transaction's opcode list may run in
// wal=false mode: every opcode must be in the small whitelist (WRITE,
// SETATTRS, a restricted OMAP_SETKEYS pattern) per spec.
func IsWalEligible(ops []TxnOp) bool {
	for _, op := range ops {
		switch op.Code {
		case OpWrite, OpSetAttrs:
		case OpOmapSetKeys:
			// Restricted pattern: the set must carry at least one key.
			// Whether it is pgmeta-bound (op.Pgmeta) and how large its
			// payload is are not checked.
			if len(op.Keys) == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(ops) > 0
}
