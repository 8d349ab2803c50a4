package filesystem

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"
)

// S3Client is the part of the S3 API the scanner uses.
type S3Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const S3MaxKeys = 1000

// S3Config holds the configuration for S3 compatible storages.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Insecure        bool
	UsePathStyle    bool
}

type S3FileSystem struct {
	client S3Client
}

var _ FileSystem = &S3FileSystem{}

// slogAdapter sends SDK logs to the package logger at debug level.
type slogAdapter struct{}

func (slogAdapter) Logf(classification logging.Classification, format string, v ...any) {
	logger.Debug(fmt.Sprintf(format, v...), slog.String("classification", string(classification)))
}

func NewS3FileSystem(ctx context.Context, cfg S3Config) (fsys *S3FileSystem, err error) {
	opts := []func(*config.LoadOptions) error{
		config.WithLogger(slogAdapter{}),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Insecure {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Configuration choose by user
		opts = append(opts, config.WithHTTPClient(&http.Client{Transport: transport}))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		err = fmt.Errorf("could not load s3 configuration: %w", err)
		return
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	fsys = NewS3FileSystemFromClient(client)
	return
}

func NewS3FileSystemFromClient(client S3Client) *S3FileSystem {
	return &S3FileSystem{client: client}
}

// parsePath splits "s3://bucket/key" into bucket and key.
func parsePath(location string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(location, S3Scheme), "/")
	bucket, key, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		err = fmt.Errorf("invalid s3 location %q: bucket name required", location)
	}
	return
}

func s3Location(bucket, key string) string {
	return S3Scheme + bucket + "/" + key
}

type s3FileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

func (fi *s3FileInfo) Name() string       { return fi.name }
func (fi *s3FileInfo) Size() int64        { return fi.size }
func (fi *s3FileInfo) ModTime() time.Time { return fi.modTime }
func (fi *s3FileInfo) IsDir() bool        { return fi.isDir }
func (fi *s3FileInfo) Sys() any           { return nil }

func (fi *s3FileInfo) Mode() fs.FileMode {
	if fi.isDir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

// Open streams the object body, the caller must close it.
func (s *S3FileSystem) Open(ctx context.Context, name string) (reader io.ReadCloser, err error) {
	bucket, key, err := parsePath(name)
	if err != nil {
		return
	}
	if key == "" {
		err = errors.New("cannot open bucket as file")
		return
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return
	}
	reader = result.Body
	return
}

func (s *S3FileSystem) Stat(ctx context.Context, name string) (info fs.FileInfo, err error) {
	bucket, key, err := parsePath(name)
	if err != nil {
		return
	}

	if key == "" {
		_, err = s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		respErr := new(awshttp.ResponseError)
		switch {
		case err == nil:
			info = &s3FileInfo{name: bucket, isDir: true}
		case errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound:
			err = errors.Join(fs.ErrNotExist, err)
		}
		return
	}

	if !strings.HasSuffix(key, "/") {
		result, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if headErr == nil {
			info = &s3FileInfo{
				name:    path.Base(key),
				size:    aws.ToInt64(result.ContentLength),
				modTime: aws.ToTime(result.LastModified),
			}
			return
		}
	}

	// a prefix holding objects is a directory
	listResult, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(strings.TrimSuffix(key, "/") + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return
	}
	if len(listResult.Contents) > 0 || len(listResult.CommonPrefixes) > 0 {
		info = &s3FileInfo{name: path.Base(key), isDir: true}
		return
	}
	err = fs.ErrNotExist
	return
}

// Lstat is Stat, S3 has no symbolic links.
func (s *S3FileSystem) Lstat(ctx context.Context, name string) (fs.FileInfo, error) {
	return s.Stat(ctx, name)
}

// WalkDir lists every object below root. Only objects are reported, S3 has
// no real directories.
func (s *S3FileSystem) WalkDir(ctx context.Context, root string, fn fs.WalkDirFunc) (err error) {
	bucket, prefix, err := parsePath(root)
	if err != nil {
		return
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(S3MaxKeys),
	})
	for paginator.HasMorePages() {
		page, pageErr := paginator.NextPage(ctx)
		if pageErr != nil {
			return fn(root, nil, pageErr)
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			// directory markers
			if strings.HasSuffix(objKey, "/") {
				continue
			}
			entry := &s3DirEntry{info: s3FileInfo{
				name:    path.Base(objKey),
				size:    aws.ToInt64(obj.Size),
				modTime: aws.ToTime(obj.LastModified),
			}}
			err = fn(s3Location(bucket, objKey), entry, nil)
			switch {
			case errors.Is(err, fs.SkipDir):
				continue
			case errors.Is(err, fs.SkipAll):
				return nil
			case err != nil:
				return
			}
		}
	}
	return nil
}

func (s *S3FileSystem) IsLocal() bool {
	return false
}

type s3DirEntry struct {
	info s3FileInfo
}

func (e *s3DirEntry) Name() string               { return e.info.name }
func (e *s3DirEntry) IsDir() bool                { return e.info.isDir }
func (e *s3DirEntry) Type() fs.FileMode          { return e.info.Mode().Type() }
func (e *s3DirEntry) Info() (fs.FileInfo, error) { return &e.info, nil }
