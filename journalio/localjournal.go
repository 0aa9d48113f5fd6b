package journalio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	log "log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	objectstore "github.com/localfs/objectstore"
)

const journalFileName = "journal.log"

// entryHeader is the on-disk header preceding each framed record: the spos
// it was written under, so Replay can resume from an arbitrary position
// without decoding the opcode payload itself.
type entryHeader struct {
	OpSeq    uint64
	TransNum uint64
	OpNum    uint32
}

const entryHeaderSize = 8 + 8 + 4

// LocalJournal is a single append-only log file with a background ack
// worker, grounded on the teacher's fs/transactionlog.go (Add/Remove/GetOne
// over a bufio writer) but reframed as binary length+CRC records (the
// teacher's fs/marshaldata.go pattern) rather than JSON lines, since a
// journal entry here is an opaque opcode-stream blob rather than a small
// structured record.
type LocalJournal struct {
	dir       string
	sloppyCRC bool

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	writable atomic.Bool

	ackCh  chan ackRequest
	ackWg  sync.WaitGroup
	closed chan struct{}

	inFlightBytes atomic.Int64
	maxInFlight   int64
}

type ackRequest struct {
	seq   objectstore.Spos
	ack   AckFunc
	err   error
	bytes int
}

// NewLocalJournal opens (creating if absent) a journal file under dir.
func NewLocalJournal(dir string, sloppyCRC bool, maxInFlightBytes int64) (*LocalJournal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, journalFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	lj := &LocalJournal{
		dir:         dir,
		sloppyCRC:   sloppyCRC,
		file:        f,
		writer:      bufio.NewWriter(f),
		ackCh:       make(chan ackRequest, 256),
		closed:      make(chan struct{}),
		maxInFlight: maxInFlightBytes,
	}
	lj.writable.Store(true)
	lj.ackWg.Add(1)
	go lj.ackWorker()
	return lj, nil
}

func (lj *LocalJournal) ackWorker() {
	defer lj.ackWg.Done()
	for {
		select {
		case req, ok := <-lj.ackCh:
			if !ok {
				return
			}
			lj.inFlightBytes.Add(-int64(req.bytes))
			if req.ack != nil {
				req.ack(req.seq, req.err)
			}
		case <-lj.closed:
			return
		}
	}
}

func (lj *LocalJournal) Prepare(blob []byte) ([]byte, int, error) {
	return frameEntry(blob, lj.sloppyCRC), len(blob), nil
}

func (lj *LocalJournal) SubmitEntry(ctx context.Context, seq objectstore.Spos, framed []byte, origLen int, ack AckFunc, token any) error {
	if !lj.writable.Load() {
		return objectstore.Error{Code: objectstore.JournalCorrupt, UserData: seq, Err: errNotWriteable}
	}
	if err := lj.Throttle(ctx); err != nil {
		return err
	}

	lj.mu.Lock()
	var hdr [entryHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], seq.OpSeq)
	binary.LittleEndian.PutUint64(hdr[8:16], seq.TransNum)
	binary.LittleEndian.PutUint32(hdr[16:20], seq.OpNum)
	_, werr := lj.writer.Write(hdr[:])
	if werr == nil {
		_, werr = lj.writer.Write(framed)
	}
	if werr == nil {
		werr = lj.writer.Flush()
	}
	if werr == nil {
		werr = lj.file.Sync()
	}
	lj.mu.Unlock()

	if werr != nil {
		lj.writable.Store(false)
		log.Error("journalio: submit entry failed, journal no longer writeable", "err", werr)
	}

	lj.inFlightBytes.Add(int64(len(framed)))
	select {
	case lj.ackCh <- ackRequest{seq: seq, ack: ack, err: werr, bytes: len(framed)}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return werr
}

var errNotWriteable = errors.New("journalio: journal is not writeable")

func (lj *LocalJournal) IsWriteable() bool {
	return lj.writable.Load()
}

// Throttle blocks while more than maxInFlight bytes are queued for ack,
// bounding memory independent of internal/throttle's dirty-page bound.
func (lj *LocalJournal) Throttle(ctx context.Context) error {
	if lj.maxInFlight <= 0 {
		return nil
	}
	for lj.inFlightBytes.Load() > lj.maxInFlight {
		objectstore.RandomSleep(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (lj *LocalJournal) Flush(ctx context.Context) error {
	lj.mu.Lock()
	defer lj.mu.Unlock()
	if err := lj.writer.Flush(); err != nil {
		return err
	}
	return lj.file.Sync()
}

// Check confirms the journal file is still reachable; the authoritative
// per-record integrity check happens during Replay's CRC pass.
func (lj *LocalJournal) Check(ctx context.Context) error {
	lj.mu.Lock()
	defer lj.mu.Unlock()
	_, err := lj.file.Stat()
	return err
}

func (lj *LocalJournal) Create(ctx context.Context) error {
	return nil // file already created in NewLocalJournal
}

func (lj *LocalJournal) Dump(ctx context.Context) (string, error) {
	return filepath.Join(lj.dir, journalFileName), nil
}

// ShouldCommitNow reports true once enough bytes are queued for ack that a
// commit cycle would meaningfully shrink the journal tail.
func (lj *LocalJournal) ShouldCommitNow(ctx context.Context) bool {
	if lj.maxInFlight <= 0 {
		return false
	}
	return lj.inFlightBytes.Load() > lj.maxInFlight/2
}

// Replay scans the journal from the start, skipping every record whose spos
// is < from, and calls fn for the rest in file order. A truncated final
// record (a torn write from an unclean shutdown) is treated as the end of
// the log rather than an error, per spec's "cold restart replays zero
// opcodes from a durable op" — an incomplete record was by definition never
// acked.
func (lj *LocalJournal) Replay(ctx context.Context, from objectstore.Spos, fn func(seq objectstore.Spos, blob []byte) error) (objectstore.Spos, error) {
	f, err := os.Open(filepath.Join(lj.dir, journalFileName))
	if err != nil {
		return objectstore.Spos{}, err
	}
	defer f.Close()

	var high objectstore.Spos
	r := bufio.NewReader(f)
	for {
		var hdr [entryHeaderSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			break
		}
		seq := objectstore.Spos{
			OpSeq:    binary.LittleEndian.Uint64(hdr[0:8]),
			TransNum: binary.LittleEndian.Uint64(hdr[8:16]),
			OpNum:    binary.LittleEndian.Uint32(hdr[16:20]),
		}

		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			break
		}
		framed := append(append(append([]byte{}, lenBuf[:]...), payload...), crcBuf[:]...)
		blob, _, uerr := unframeEntry(framed, lj.sloppyCRC)
		if uerr != nil {
			// Torn or corrupt tail record: stop, don't fail the whole replay.
			log.Warn("journalio: stopping replay at corrupt record", "seq", seq, "err", uerr)
			break
		}

		if seq.Compare(high) > 0 {
			high = seq
		}
		if seq.Compare(from) < 0 {
			continue
		}
		if err := fn(seq, blob); err != nil {
			return high, err
		}
	}
	return high, nil
}

func (lj *LocalJournal) Close() error {
	close(lj.closed)
	lj.ackWg.Wait()
	lj.mu.Lock()
	defer lj.mu.Unlock()
	if err := lj.writer.Flush(); err != nil {
		return err
	}
	return lj.file.Close()
}
