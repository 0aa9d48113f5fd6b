// Package fsbackend defines the filesystem capability contract the core
// consumes (spec "filesystem backend abstractions", an external
// collaborator) and provides Posix, a default implementation targeting a
// generic POSIX filesystem.
package fsbackend

import (
	"context"
	"os"
	"path/filepath"

	retry "github.com/sethvargo/go-retry"

	objectstore "github.com/localfs/objectstore"
)

// permission is the directory/file mode used for every path this package
// creates.
const permission os.FileMode = 0o750

// FileIO is the minimal retry-wrapped os-package surface the rest of this
// package is built on, grounded on the teacher's fs/fileio.go.
type FileIO interface {
	WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	Remove(ctx context.Context, name string) error
	Exists(ctx context.Context, path string) bool

	RemoveAll(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
	ReadDir(ctx context.Context, sourceDir string) ([]os.DirEntry, error)
}

type defaultFileIO struct{}

// NewFileIO returns a FileIO that performs I/O via the os package with
// retry handling for transient errors.
func NewFileIO() FileIO {
	return &defaultFileIO{}
}

func (dio defaultFileIO) WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(name, data, perm); err != nil {
		dirPath := filepath.Dir(name)
		if derr := dio.MkdirAll(ctx, dirPath, permission); derr != nil {
			return err
		}
		return objectstore.Retry(ctx, func(context.Context) error {
			err := os.WriteFile(name, data, perm)
			if objectstore.ShouldRetry(err) {
				return retry.RetryableError(objectstore.Error{Code: objectstore.FileIOError, Err: err, UserData: name})
			}
			return err
		}, nil)
	}
	return nil
}

func (dio defaultFileIO) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var ba []byte
	err := objectstore.Retry(ctx, func(context.Context) error {
		var err error
		ba, err = os.ReadFile(name)
		if objectstore.ShouldRetry(err) {
			return retry.RetryableError(objectstore.Error{Code: objectstore.FileIOError, Err: err, UserData: name})
		}
		return err
	}, nil)
	return ba, err
}

func (dio defaultFileIO) Remove(ctx context.Context, name string) error {
	return objectstore.Retry(ctx, func(context.Context) error {
		err := os.Remove(name)
		if objectstore.ShouldRetry(err) {
			return retry.RetryableError(objectstore.Error{Code: objectstore.FileIOError, Err: err, UserData: name})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return objectstore.Retry(ctx, func(context.Context) error {
		err := os.MkdirAll(path, perm)
		if objectstore.ShouldRetry(err) {
			return retry.RetryableError(objectstore.Error{Code: objectstore.FileIOError, Err: err, UserData: path})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) RemoveAll(ctx context.Context, path string) error {
	return objectstore.Retry(ctx, func(context.Context) error {
		err := os.RemoveAll(path)
		if objectstore.ShouldRetry(err) {
			return retry.RetryableError(objectstore.Error{Code: objectstore.FileIOError, Err: err, UserData: path})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) Exists(ctx context.Context, path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

func (dio defaultFileIO) ReadDir(ctx context.Context, sourceDir string) ([]os.DirEntry, error) {
	var r []os.DirEntry
	err := objectstore.Retry(ctx, func(context.Context) error {
		var err error
		r, err = os.ReadDir(sourceDir)
		if objectstore.ShouldRetry(err) {
			return retry.RetryableError(objectstore.Error{Code: objectstore.FileIOError, Err: err, UserData: sourceDir})
		}
		return err
	}, nil)
	return r, err
}
