package filesystem

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type LocalFileSystem struct{}

var _ FileSystem = &LocalFileSystem{}

func NewLocalFileSystem() *LocalFileSystem {
	return &LocalFileSystem{}
}

func (l *LocalFileSystem) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Clean(name))
}

func (l *LocalFileSystem) Stat(_ context.Context, name string) (fs.FileInfo, error) {
	return os.Stat(filepath.Clean(name))
}

func (l *LocalFileSystem) Lstat(_ context.Context, name string) (fs.FileInfo, error) {
	return os.Lstat(filepath.Clean(name))
}

func (l *LocalFileSystem) WalkDir(ctx context.Context, root string, fn fs.WalkDirFunc) error {
	// WalkDir seems to not handle correctly path without ending /
	root = filepath.Clean(root) + string(filepath.Separator)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fn(path, d, err)
	})
}

func (l *LocalFileSystem) IsLocal() bool {
	return true
}
