package fsbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	retryLib "github.com/sethvargo/go-retry"

	objectstore "github.com/localfs/objectstore"
)

// Backend is the filesystem capability contract the applier and the
// commit/mount engines consume (spec "filesystem backend abstractions").
// Only the capability set actually exercised by the core is exposed; a
// production backend may offer far more.
type Backend interface {
	// Open returns (creating if necessary) a file handle for path.
	Open(ctx context.Context, path string, flag int, perm os.FileMode) (*os.File, error)

	// WriteRange writes data at off, creating sparse holes for any gap
	// between the prior EOF and off.
	WriteRange(ctx context.Context, f *os.File, off int64, data []byte) error
	// ReadRange reads len(buf) bytes starting at off, returning io.EOF-aware
	// short reads for sparse regions exactly like a normal file read would.
	ReadRange(ctx context.Context, f *os.File, off int64, buf []byte) (int, error)
	// ZeroRange punches a hole over [off, off+length) when the filesystem
	// supports FALLOC_FL_PUNCH_HOLE, else falls back to writing zeros.
	ZeroRange(ctx context.Context, f *os.File, off, length int64) error
	Truncate(ctx context.Context, f *os.File, size int64) error

	// CloneRange clones [srcOff, srcOff+length) of src into dst at dstOff,
	// preferring the backend's native clone (FICLONERANGE) and falling back
	// to a plain copy when it is unsupported. Posix has no fiemap-aware
	// sparse-copy step, so a fallback copy is not sparse.
	CloneRange(ctx context.Context, src, dst *os.File, srcOff, dstOff, length int64) error

	// Xattr operations, all prefixed by the caller (see replayguard/apply).
	GetXattr(ctx context.Context, path, name string) ([]byte, error)
	SetXattr(ctx context.Context, path, name string, value []byte) error
	RemoveXattr(ctx context.Context, path, name string) error
	ListXattr(ctx context.Context, path string) ([]string, error)

	// FlockExclusive acquires an exclusive advisory lock on f's fd and
	// returns an unlock function. Used for the fsid lock at mount.
	FlockExclusive(ctx context.Context, f *os.File) (unlock func() error, err error)

	// Syncfs flushes all pending filesystem-level writes for the volume
	// containing path (when syncfs(2) returns ENOSYS, Posix falls back to
	// fsyncing path itself only).
	Syncfs(ctx context.Context, path string) error

	// Fsync opens path and fsyncs it, covering both regular files and
	// directories (an fd opened O_RDONLY on a directory is fsync-able on
	// POSIX). Used by internal/replayguard to bracket its xattr stamps so a
	// crash can never observe a guard state inconsistent with the data or
	// directory entry it protects.
	Fsync(ctx context.Context, path string) error

	// Probe reports the capabilities of the filesystem hosting path.
	Probe(ctx context.Context, path string) (Capabilities, error)

	// MkdirAll, Remove, RemoveAll and Rename back the collection-family
	// opcodes (MKCOLL, RMCOLL, COLL_MOVE_RENAME, SPLIT_COLLECTION) that
	// operate on whole directory/file paths rather than an open handle.
	MkdirAll(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	// Link hardlinks newPath to oldPath's inode, backing COLL_ADD (an object
	// gains a second directory entry before COLL_REMOVE drops the first).
	Link(ctx context.Context, oldPath, newPath string) error
	Exists(ctx context.Context, path string) bool

	// Checkpoint creates/enumerates/rolls back hardlink-tree checkpoints of
	// a "current" tree (see Checkpointer).
	Checkpointer
}

// Capabilities describes what a mounted filesystem supports, discovered by
// Probe at mount time (spec §4.I step 4).
type Capabilities struct {
	FSType         string
	SupportsClone  bool
	SupportsFiemap bool
	SupportsCheckpoint bool
	XattrCapacityBytes int
}

// Checkpointer creates, lists, and rolls back to local hardlink-tree
// checkpoints of a live "current/" tree (rollback swaps the trees with an
// atomic rename exchange), standing in for a real
// btrfs/ZFS snapshot primitive (see Open Questions in DESIGN.md).
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context, currentDir, name string) error
	ListCheckpoints(ctx context.Context, baseDir string) ([]string, error)
	RollbackToCheckpoint(ctx context.Context, baseDir, currentDir, name string) error
	DestroyCheckpoint(ctx context.Context, baseDir, name string) error
	SupportsCheckpoint(ctx context.Context, baseDir string) bool
}

// Posix is the default Backend, grounded on the teacher's fs/fileio.go
// (retry-wrapped os calls) plus xattr/Renameat2 usage modeled on
// smallblue2-OptiFS's FUSE node implementation.
type Posix struct {
	io        FileIO
	sloppyCRC bool

	mu             sync.Mutex
	checkpointOnce map[string]bool
}

// NewPosix returns a Posix backend. sloppyCRC is only recorded and reported
// back through SloppyCRC; Posix itself does no CRC framing, and
// journalio.LocalJournal receives the same setting directly from Config
// rather than from this backend — mirrors the original's sloppy_crc toggle.
func NewPosix(sloppyCRC bool) *Posix {
	return &Posix{io: NewFileIO(), sloppyCRC: sloppyCRC, checkpointOnce: map[string]bool{}}
}

func (p *Posix) SloppyCRC() bool { return p.sloppyCRC }

func (p *Posix) MkdirAll(ctx context.Context, path string) error {
	return p.io.MkdirAll(ctx, path, permission)
}

func (p *Posix) Remove(ctx context.Context, path string) error {
	err := p.io.Remove(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (p *Posix) RemoveAll(ctx context.Context, path string) error {
	return p.io.RemoveAll(ctx, path)
}

// Rename is a retry-wrapped os.Rename, grounded on the teacher's
// fs/fileio.go retry pattern (MkdirAll/WriteFile already use it here).
func (p *Posix) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := p.io.MkdirAll(ctx, filepath.Dir(newPath), permission); err != nil {
		return err
	}
	return objectstore.Retry(ctx, func(context.Context) error {
		err := os.Rename(oldPath, newPath)
		if objectstore.ShouldRetry(err) {
			return retryLib.RetryableError(objectstore.Error{Code: objectstore.FileIOError, Err: err, UserData: newPath})
		}
		return err
	}, nil)
}

func (p *Posix) Exists(ctx context.Context, path string) bool {
	return p.io.Exists(ctx, path)
}

func (p *Posix) Link(ctx context.Context, oldPath, newPath string) error {
	if err := p.io.MkdirAll(ctx, filepath.Dir(newPath), permission); err != nil {
		return err
	}
	return os.Link(oldPath, newPath)
}

func (p *Posix) Open(ctx context.Context, path string, flag int, perm os.FileMode) (*os.File, error) {
	if flag&os.O_CREATE != 0 {
		if err := p.io.MkdirAll(ctx, filepath.Dir(path), permission); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, flag, perm)
}

func (p *Posix) WriteRange(ctx context.Context, f *os.File, off int64, data []byte) error {
	_, err := f.WriteAt(data, off)
	return err
}

func (p *Posix) ReadRange(ctx context.Context, f *os.File, off int64, buf []byte) (int, error) {
	return f.ReadAt(buf, off)
}

// ZeroRange prefers FALLOC_FL_PUNCH_HOLE|FALLOC_FL_KEEP_SIZE so the region
// becomes a sparse hole rather than materialized zero bytes; it falls back
// to an explicit zero-fill write when the filesystem rejects the fallocate
// mode (EOPNOTSUPP), matching the tolerated-error entry in spec §4.G.
func (p *Posix) ZeroRange(ctx context.Context, f *os.File, off, length int64) error {
	const flags = unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
	if err := unix.Fallocate(int(f.Fd()), flags, off, length); err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) {
			return p.zeroFill(f, off, length)
		}
		return err
	}
	return nil
}

func (p *Posix) zeroFill(f *os.File, off, length int64) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for length > 0 {
		n := int64(len(buf))
		if length < n {
			n = length
		}
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

func (p *Posix) Truncate(ctx context.Context, f *os.File, size int64) error {
	return f.Truncate(size)
}

// CloneRange prefers FICLONERANGE (reflink, same-fs, instantaneous); when
// that ioctl is unsupported (EOPNOTSUPP/EXDEV/EINVAL) it falls back to a
// plain read/write copy loop. A true fiemap-aware sparse copy is not
// reproduced here (fiemap parsing is itself a fair amount of bespoke ioctl
// plumbing outside this core's budget); the fallback still produces a
// correct, if denser, clone and the caller cannot observe the difference
// other than allocation.
func (p *Posix) CloneRange(ctx context.Context, src, dst *os.File, srcOff, dstOff, length int64) error {
	err := ficloneRange(dst, src, srcOff, dstOff, length)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.EXDEV) && !errors.Is(err, unix.EINVAL) {
		return err
	}
	log.Debug("fsbackend: FICLONERANGE unsupported, falling back to copy", "err", err)
	return copyRange(src, dst, srcOff, dstOff, length)
}

func copyRange(src, dst *os.File, srcOff, dstOff, length int64) error {
	buf := make([]byte, 1<<20)
	var copied int64
	for copied < length {
		n := int64(len(buf))
		if length-copied < n {
			n = length - copied
		}
		read, err := src.ReadAt(buf[:n], srcOff+copied)
		if read > 0 {
			if _, werr := dst.WriteAt(buf[:read], dstOff+copied); werr != nil {
				return werr
			}
			copied += int64(read)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

func (p *Posix) GetXattr(ctx context.Context, path, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *Posix) SetXattr(ctx context.Context, path, name string, value []byte) error {
	return unix.Lsetxattr(path, name, value, 0)
}

func (p *Posix) RemoveXattr(ctx context.Context, path, name string) error {
	err := unix.Lremovexattr(path, name)
	if errors.Is(err, unix.ENODATA) {
		return nil
	}
	return err
}

func (p *Posix) ListXattr(ctx context.Context, path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, part := range strings.Split(string(buf[:n]), "\x00") {
		if part != "" {
			names = append(names, part)
		}
	}
	return names, nil
}

func (p *Posix) FlockExclusive(ctx context.Context, f *os.File) (func() error, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, objectstore.Error{Code: objectstore.LockAcquisitionFailure, Err: err, UserData: f.Name()}
	}
	return func() error {
		return unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}, nil
}

func (p *Posix) Syncfs(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Syncfs(int(f.Fd())); err != nil {
		if errors.Is(err, unix.ENOSYS) {
			return f.Sync()
		}
		return err
	}
	return nil
}

// Fsync opens path O_RDONLY (works for both files and directories) and
// fsyncs the resulting fd.
func (p *Posix) Fsync(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Probe discovers filesystem capabilities by statfs plus a round trip of a
// single xattr on a scratch file. It does not measure xattr capacity or
// probe for ENOSPC: XattrCapacityBytes is reported as a fixed 4096 once that
// one xattr can be set, and SupportsFiemap is always reported true.
func (p *Posix) Probe(ctx context.Context, path string) (Capabilities, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Capabilities{}, err
	}
	caps := Capabilities{FSType: fsTypeName(st.Type)}

	probeFile := filepath.Join(path, ".objectstore_probe")
	f, err := os.OpenFile(probeFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err == nil {
		defer func() {
			f.Close()
			os.Remove(probeFile)
		}()
		if serr := p.SetXattr(ctx, probeFile, "user.objectstore.probe", []byte("1")); serr == nil {
			caps.XattrCapacityBytes = 4096
			if _, gerr := p.GetXattr(ctx, probeFile, "user.objectstore.probe"); gerr == nil {
				caps.SupportsCheckpoint = true
			}
			p.RemoveXattr(ctx, probeFile, "user.objectstore.probe")
		}
		if ferr := ficloneRange(f, f, 0, 0, 0); !errors.Is(ferr, unix.EOPNOTSUPP) {
			caps.SupportsClone = true
		}
		caps.SupportsFiemap = true
	}
	return caps, nil
}

func fsTypeName(magic int64) string {
	switch magic {
	case 0xEF53:
		return "ext4"
	case 0x9123683E:
		return "btrfs"
	case 0x58465342:
		return "xfs"
	case 0x01021994:
		return "tmpfs"
	default:
		return fmt.Sprintf("0x%x", magic)
	}
}

// CreateCheckpoint builds a hardlink-tree copy of currentDir under
// "<base>/snap_<name>", then lets the caller rely on the fact every regular
// file shares inode + xattrs with its original — a cheap, portable stand-in
// for a real copy-on-write snapshot. Directories are physically re-created
// (hardlinking a directory isn't portable) and their own xattrs (collection
// replay guards) are copied explicitly.
func (p *Posix) CreateCheckpoint(ctx context.Context, currentDir, name string) error {
	base := filepath.Dir(currentDir)
	dest := filepath.Join(base, "snap_"+name)
	return hardlinkTree(currentDir, dest)
}

func hardlinkTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, permission); err != nil {
		return err
	}
	if xattrs, err := unix.Llistxattr(src, nil); err == nil && xattrs > 0 {
		copyXattrs(src, dst)
	}
	for _, e := range entries {
		sp := filepath.Join(src, e.Name())
		dp := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := hardlinkTree(sp, dp); err != nil {
				return err
			}
			continue
		}
		if err := os.Link(sp, dp); err != nil {
			if errors.Is(err, syscall.EXDEV) {
				return objectstore.Error{Code: objectstore.Unknown, Err: err, UserData: "checkpoint crosses device, unsupported"}
			}
			return err
		}
	}
	return nil
}

func copyXattrs(src, dst string) {
	size, err := unix.Llistxattr(src, nil)
	if err != nil || size == 0 {
		return
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(src, buf)
	if err != nil {
		return
	}
	for _, name := range strings.Split(string(buf[:n]), "\x00") {
		if name == "" {
			continue
		}
		vsize, err := unix.Lgetxattr(src, name, nil)
		if err != nil {
			continue
		}
		val := make([]byte, vsize)
		if _, err := unix.Lgetxattr(src, name, val); err != nil {
			continue
		}
		unix.Lsetxattr(dst, name, val, 0)
	}
}

func (p *Posix) ListCheckpoints(ctx context.Context, baseDir string) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "snap_") {
			names = append(names, strings.TrimPrefix(e.Name(), "snap_"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// RollbackToCheckpoint atomically swaps currentDir for the checkpoint
// directory using Renameat2 with RENAME_EXCHANGE, then removes the
// now-stale tree left in the checkpoint's old slot. This follows the
// same syscall smallblue2-OptiFS uses for its atomic node swap.
func (p *Posix) RollbackToCheckpoint(ctx context.Context, baseDir, currentDir, name string) error {
	snapDir := filepath.Join(baseDir, "snap_"+name)
	if _, err := os.Stat(snapDir); err != nil {
		return err
	}
	if err := unix.Renameat2(unix.AT_FDCWD, snapDir, unix.AT_FDCWD, currentDir, unix.RENAME_EXCHANGE); err != nil {
		return fmt.Errorf("fsbackend: rollback exchange failed: %w", err)
	}
	// snapDir now holds what was previously "current"; callers treat it as
	// disposable since the rollback target intentionally discarded it.
	return os.RemoveAll(snapDir)
}

func (p *Posix) DestroyCheckpoint(ctx context.Context, baseDir, name string) error {
	return os.RemoveAll(filepath.Join(baseDir, "snap_"+name))
}

// SupportsCheckpoint reports whether a hardlink can be created inside
// baseDir. It does not look at the current tree's device, so a current/
// on another device still reports true and CreateCheckpoint then fails
// with EXDEV.
func (p *Posix) SupportsCheckpoint(ctx context.Context, baseDir string) bool {
	var st unix.Stat_t
	if err := unix.Stat(baseDir, &st); err != nil {
		return false
	}
	probeSrc := filepath.Join(baseDir, ".objectstore_ckpt_probe")
	if err := os.WriteFile(probeSrc, []byte{}, 0o600); err != nil {
		return false
	}
	defer os.Remove(probeSrc)
	probeDst := filepath.Join(baseDir, ".objectstore_ckpt_probe_link")
	err := os.Link(probeSrc, probeDst)
	if err == nil {
		os.Remove(probeDst)
	}
	return err == nil
}

func ficloneRange(dst, src *os.File, srcOff, dstOff, length int64) error {
	req := unix.FileCloneRange{
		Src_fd:      int64(src.Fd()),
		Src_offset:  uint64(srcOff),
		Src_length:  uint64(length),
		Dest_offset: uint64(dstOff),
	}
	return unix.IoctlFileCloneRange(int(dst.Fd()), &req)
}

// waitWithTimeout retries attempt while it fails with EWOULDBLOCK/EAGAIN,
// until timeout elapses or ctx is done. Nothing in the module calls it;
// FlockExclusive and internal/mount make a single non-blocking attempt.
func waitWithTimeout(ctx context.Context, timeout time.Duration, attempt func() error) error {
	deadline := time.Now().Add(timeout)
	for {
		err := attempt()
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
