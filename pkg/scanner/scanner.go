// Package scanner walks files and directories, submits every file through a
// Submitter with a pool of workers and hands each outcome to an Action.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/glimps-re/scan-proxy/pkg/cache"
	"github.com/glimps-re/scan-proxy/pkg/datamodel"
	"github.com/glimps-re/scan-proxy/pkg/filesystem"
)

var (
	LogLevel = &slog.LevelVar{}
	logger   = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: LogLevel}))
)

const (
	logReasonKey = "reason"
	logErrorKey  = "error"

	actionTimeout = 30 * time.Second
)

// Submitter sends one file for analysis and returns its normalized result.
type Submitter interface {
	Scan(ctx context.Context, filename string, content io.Reader) (datamodel.ScanResult, error)
}

type Config struct {
	Workers int
	// MaxFileSize skips bigger files, 0 means no limit.
	MaxFileSize    int64
	ScanValidity   time.Duration
	Timeout        time.Duration
	FollowSymlinks bool
	// S3 serves "s3://" locations, they are rejected when nil.
	S3 filesystem.FileSystem
}

type fileToAnalyze struct {
	fsys     filesystem.FileSystem
	sha256   string
	location string
	size     int64
}

type Connector struct {
	local     filesystem.FileSystem
	submitter Submitter
	cache     cache.Cacher
	action    Action
	config    Config

	mu       sync.Mutex
	started  bool
	workerWg sync.WaitGroup
	fileChan chan fileToAnalyze

	reportMutex sync.Mutex
	reports     []datamodel.Report
	ongoing     *sync.Map
}

const defaultWorkers = 4

// NewConnector builds a connector. c may be nil, files are then always submitted.
func NewConnector(config Config, submitter Submitter, c cache.Cacher, action Action) *Connector {
	if config.Workers < 1 {
		config.Workers = defaultWorkers
	}
	if action == nil {
		action = &NoAction{}
	}
	return &Connector{
		local:     filesystem.NewLocalFileSystem(),
		submitter: submitter,
		cache:     c,
		action:    action,
		config:    config,
		ongoing:   new(sync.Map),
	}
}

func (c *Connector) Start() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("connector already started")
	}
	c.started = true
	c.fileChan = make(chan fileToAnalyze)
	for i := 0; i < c.config.Workers; i++ {
		c.workerWg.Add(1)
		go func() {
			defer c.workerWg.Done()
			c.worker()
		}()
	}
	return
}

// Close waits for queued files to be analyzed and stops the workers. It must
// not be called while ScanFile is running.
func (c *Connector) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.fileChan)
	c.mu.Unlock()
	c.workerWg.Wait()
}

// Reports returns the reports produced so far.
func (c *Connector) Reports() []datamodel.Report {
	c.reportMutex.Lock()
	defer c.reportMutex.Unlock()
	reports := make([]datamodel.Report, len(c.reports))
	copy(reports, c.reports)
	return reports
}

// ScanFile queues input for analysis. Directories are walked recursively.
func (c *Connector) ScanFile(ctx context.Context, input string) (err error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		err = errors.New("connector is stopped")
		return
	}

	fsys, input, err := c.resolve(input)
	if err != nil {
		return
	}
	inputLogger := logger.With(slog.String("file", input))

	// object storages have no links
	if fsys.IsLocal() && !c.config.FollowSymlinks {
		var linfo fs.FileInfo
		if linfo, err = fsys.Lstat(ctx, input); err != nil {
			return
		}
		if linfo.Mode()&os.ModeSymlink != 0 {
			inputLogger.Debug("skip file", slog.String(logReasonKey, "symbolic link"))
			return
		}
	}
	info, err := fsys.Stat(ctx, input)
	if err != nil {
		return
	}
	if info.IsDir() {
		return c.scanDir(ctx, fsys, input)
	}
	if !info.Mode().IsRegular() {
		inputLogger.Debug("skip file", slog.String(logReasonKey, "not a regular file"))
		return
	}
	if info.Size() == 0 {
		inputLogger.Warn("skip file", slog.String(logReasonKey, "size 0"))
		return
	}
	if c.config.MaxFileSize > 0 && info.Size() > c.config.MaxFileSize {
		inputLogger.Warn("skip file", slog.String(logReasonKey, "too large"), slog.Int64("size", info.Size()))
		c.handleReport(ctx, input, datamodel.Report{
			Filename: info.Name(),
			Location: input,
			FileSize: info.Size(),
			Error:    fmt.Sprintf("file exceeds max size of %d bytes", c.config.MaxFileSize),
		})
		return
	}

	if _, loaded := c.ongoing.LoadOrStore(input, struct{}{}); loaded {
		inputLogger.Debug("skip file", slog.String(logReasonKey, "ongoing analysis"))
		return
	}
	defer func() {
		if err != nil {
			c.ongoing.Delete(input)
		}
	}()

	fileSHA256, err := getFileSHA256(ctx, fsys, input)
	if err != nil {
		return
	}

	select {
	case <-ctx.Done():
		return context.Canceled
	case c.fileChan <- fileToAnalyze{fsys: fsys, location: input, sha256: fileSHA256, size: info.Size()}:
		return
	}
}

// resolve picks the file system serving input and normalizes it.
func (c *Connector) resolve(input string) (fsys filesystem.FileSystem, location string, err error) {
	if filesystem.IsS3Path(input) {
		if c.config.S3 == nil {
			err = fmt.Errorf("could not scan %s: s3 is not configured", input)
			return
		}
		return c.config.S3, input, nil
	}
	return c.local, filepath.Clean(input), nil
}

func (c *Connector) scanDir(ctx context.Context, fsys filesystem.FileSystem, input string) (err error) {
	err = fsys.WalkDir(ctx, input, func(path string, d fs.DirEntry, walkErr error) (err error) {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return
		}
		if err = c.ScanFile(ctx, path); err != nil {
			logger.Error("could not scan file", slog.String("file", path), slog.String(logErrorKey, err.Error()))
			return
		}
		return
	})
	return
}

func (c *Connector) worker() {
	for input := range c.fileChan {
		report := c.handleFile(input)
		c.ongoing.Delete(input.location)
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		c.handleReport(ctx, input.location, report)
		cancel()
	}
}

func (c *Connector) handleReport(ctx context.Context, location string, report datamodel.Report) {
	if err := c.action.Handle(ctx, &report); err != nil {
		logger.Error("could not handle file action", slog.String("file", location), slog.String(logErrorKey, err.Error()))
	}
	c.reportMutex.Lock()
	c.reports = append(c.reports, report)
	c.reportMutex.Unlock()
}

func (c *Connector) handleFile(input fileToAnalyze) (report datamodel.Report) {
	inputLogger := logger.With(slog.String("file", input.location), slog.String("sha256", input.sha256))
	ctx := context.Background()

	if c.cache != nil {
		entry, err := c.cache.Get(ctx, input.sha256)
		switch {
		case err == nil && entry.Valid(c.config.ScanValidity):
			inputLogger.Debug("result found in cache")
			report = datamodel.NewReport(input.location, input.sha256, input.size, entry.Result)
			report.Cached = true
			return
		case err != nil && !errors.Is(err, cache.ErrEntryNotFound):
			inputLogger.Warn("could not read cache", slog.String(logErrorKey, err.Error()))
		}
	}

	result, err := c.submit(ctx, input)
	if err != nil {
		inputLogger.Error("could not scan file", slog.String(logErrorKey, err.Error()))
		return datamodel.Report{
			Filename: baseName(input.location),
			Location: input.location,
			SHA256:   input.sha256,
			FileSize: input.size,
			Error:    err.Error(),
		}
	}
	report = datamodel.NewReport(input.location, input.sha256, input.size, result)

	if c.cache != nil {
		entry := &cache.Entry{Sha256: input.sha256, Filename: report.Filename, Result: result}
		if err := c.cache.Set(ctx, entry); err != nil {
			inputLogger.Warn("could not store result in cache", slog.String(logErrorKey, err.Error()))
		}
	}
	return
}

func (c *Connector) submit(ctx context.Context, input fileToAnalyze) (result datamodel.ScanResult, err error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	f, err := input.fsys.Open(ctx, input.location)
	if err != nil {
		return
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Warn("could not close file correctly", slog.String("file", input.location), slog.String(logErrorKey, e.Error()))
		}
	}()
	return c.submitter.Scan(ctx, baseName(input.location), f)
}

var sha256BufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

func baseName(location string) string {
	if filesystem.IsS3Path(location) {
		return path.Base(location)
	}
	return filepath.Base(location)
}

func getFileSHA256(ctx context.Context, fsys filesystem.FileSystem, location string) (fileSHA256 string, err error) {
	hash := sha256.New()
	f, err := fsys.Open(ctx, location)
	if err != nil {
		return
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Warn("could not close file correctly", slog.String("file", location), slog.String(logErrorKey, e.Error()))
		}
	}()

	sha256Buf, ok := sha256BufferPool.Get().(*[]byte)
	if !ok {
		err = errors.New("error with sha256 computing, could not get correct buffer type from pool")
		return
	}
	defer sha256BufferPool.Put(sha256Buf)

	if _, err = io.CopyBuffer(hash, f, *sha256Buf); err != nil {
		return
	}
	fileSHA256 = hex.EncodeToString(hash.Sum(nil))
	return
}
