// Package filesystem gives the scanner read access to local folders and S3
// buckets through one interface.
package filesystem

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// S3Scheme prefixes every S3 location, e.g. "s3://bucket/some/key".
const S3Scheme = "s3://"

type FileSystem interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Stat(ctx context.Context, name string) (fs.FileInfo, error)
	Lstat(ctx context.Context, name string) (fs.FileInfo, error)
	// WalkDir calls fn for root and every entry below it. Paths given to fn
	// can be passed back to Open and Stat.
	WalkDir(ctx context.Context, root string, fn fs.WalkDirFunc) error
	IsLocal() bool
}

// IsS3Path reports whether location designates an S3 object or prefix.
func IsS3Path(location string) bool {
	return strings.HasPrefix(location, S3Scheme)
}
