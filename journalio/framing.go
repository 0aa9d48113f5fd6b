package journalio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// frameEntry lays out a journal record as:
//   [4-byte little-endian length][payload][4-byte CRC32 of payload]
// grounded on the teacher's fs/marshaldata.go block+CRC pattern, but sized
// to the payload itself (a whole opcode-stream blob) instead of a fixed
// block, since journal entries here are variable-length transaction blobs
// rather than small fixed-size records.
func frameEntry(payload []byte, sloppyCRC bool) []byte {
	out := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:4+len(payload)], payload)
	var checksum uint32
	if !sloppyCRC {
		checksum = crc32.ChecksumIEEE(payload)
	}
	binary.LittleEndian.PutUint32(out[4+len(payload):], checksum)
	return out
}

// unframeEntry parses one record starting at the head of buf, returning the
// payload and the number of bytes consumed. sloppyCRC skips verification
// (used for ephemeral segments per the sloppy_crc config toggle).
func unframeEntry(buf []byte, sloppyCRC bool) (payload []byte, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("journalio: truncated length header")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	total := 4 + int(n) + 4
	if len(buf) < total {
		return nil, 0, fmt.Errorf("journalio: truncated record, want %d have %d", total, len(buf))
	}
	payload = buf[4 : 4+n]
	if !sloppyCRC {
		want := binary.LittleEndian.Uint32(buf[4+n:])
		got := crc32.ChecksumIEEE(payload)
		if want != got {
			return nil, 0, fmt.Errorf("journalio: checksum mismatch, want %x got %x", want, got)
		}
	}
	return payload, total, nil
}
