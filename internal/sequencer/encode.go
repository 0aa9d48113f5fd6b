package sequencer

import (
	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/encoding"
)

// txnEnvelope is the wire shape a submitted transaction is journaled under:
// the full opcode stream plus its owning collection, regardless of wal
// (spec §9's open-question resolution — the journal always carries the
// complete transaction; wal only steers how internal/apply paces itself
// against it).
type txnEnvelope struct {
	CID objectstore.CID
	Ops []objectstore.TxnOp
}

func encodeTxn(cid objectstore.CID, ops []objectstore.TxnOp) ([]byte, error) {
	return encoding.DefaultMarshaler.Marshal(txnEnvelope{CID: cid, Ops: ops})
}

func decodeTxn(blob []byte) (objectstore.CID, []objectstore.TxnOp, error) {
	var env txnEnvelope
	if err := encoding.DefaultMarshaler.Unmarshal(blob, &env); err != nil {
		return nil, nil, err
	}
	return env.CID, env.Ops, nil
}
