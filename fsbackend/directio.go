package fsbackend

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"
)

// DirectIO abstracts page-aligned, direct (O_DIRECT where available) file
// access so tests can inject a simulated implementation, grounded on the
// teacher's fs/direct_io.go DirectIO interface.
type DirectIO interface {
	Open(ctx context.Context, filename string, flag int, perm os.FileMode) (*os.File, error)
	WriteAt(ctx context.Context, f *os.File, block []byte, offset int64) (int, error)
	ReadAt(ctx context.Context, f *os.File, block []byte, offset int64) (int, error)
	Close(f *os.File) error
}

type osDirectIO struct{}

// NewDirectIO returns the production DirectIO backed by ncw/directio.
func NewDirectIO() DirectIO {
	return osDirectIO{}
}

func (osDirectIO) Open(ctx context.Context, filename string, flag int, perm os.FileMode) (*os.File, error) {
	return directio.OpenFile(filename, flag, perm)
}

func (osDirectIO) WriteAt(ctx context.Context, f *os.File, block []byte, offset int64) (int, error) {
	return f.WriteAt(block, offset)
}

func (osDirectIO) ReadAt(ctx context.Context, f *os.File, block []byte, offset int64) (int, error) {
	return f.ReadAt(block, offset)
}

func (osDirectIO) Close(f *os.File) error {
	return f.Close()
}

// DirectIOSim can be swapped in by tests that cannot rely on O_DIRECT
// support from the underlying test filesystem (e.g. tmpfs, overlayfs).
var DirectIOSim DirectIO

// fileDirectIO wraps a single opened handle for page-aligned object data
// I/O. Nothing in the module constructs one: FD-cache handles are plain
// *os.File values and Posix's WriteRange/ReadRange use buffered os.File
// access.
type fileDirectIO struct {
	file     *os.File
	filename string
	directIO DirectIO
}

func newFileDirectIO() *fileDirectIO {
	return newFileDirectIOInjected(DirectIOSim)
}

func newFileDirectIOInjected(dio DirectIO) *fileDirectIO {
	directIO := dio
	if directIO == nil {
		directIO = NewDirectIO()
	}
	return &fileDirectIO{directIO: directIO}
}

func (fio *fileDirectIO) open(ctx context.Context, filename string, flag int, perm os.FileMode) error {
	if fio.file != nil {
		return fmt.Errorf("fsbackend: directIO handle for %q already open", fio.filename)
	}
	f, err := fio.directIO.Open(ctx, filename, flag, perm)
	if err != nil {
		return err
	}
	fio.file = f
	fio.filename = filename
	return nil
}

func (fio *fileDirectIO) writeAt(ctx context.Context, block []byte, offset int64) (int, error) {
	if fio.file == nil {
		return 0, fmt.Errorf("fsbackend: can't write, no opened file")
	}
	return fio.directIO.WriteAt(ctx, fio.file, block, offset)
}

func (fio *fileDirectIO) readAt(ctx context.Context, block []byte, offset int64) (int, error) {
	if fio.file == nil {
		return 0, fmt.Errorf("fsbackend: can't read, no opened file")
	}
	return fio.directIO.ReadAt(ctx, fio.file, block, offset)
}

func (fio *fileDirectIO) close() error {
	if fio.file == nil {
		return nil
	}
	err := fio.directIO.Close(fio.file)
	fio.file = nil
	fio.filename = ""
	return err
}

func (fio *fileDirectIO) isEOF(err error) bool {
	return err == io.EOF
}

func (fio *fileDirectIO) createAlignedBlock() []byte {
	return fio.createAlignedBlockOfSize(directio.BlockSize)
}

func (fio *fileDirectIO) createAlignedBlockOfSize(blockSize int) []byte {
	return directio.AlignedBlock(blockSize)
}
