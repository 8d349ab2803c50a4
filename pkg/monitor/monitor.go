// Package monitor watches folders and reports files once they stop changing.
package monitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

type Monitorer interface {
	Start()
	Close()
	Add(path string) error
	Remove(path string) error
}

// MonitorFunc is called with each settled file, or with a watched root on
// pre-scan and periodic rescans.
type MonitorFunc func(ctx context.Context, path string) error

type Config struct {
	// PreScan submits watched roots as soon as they are added.
	PreScan bool
	// Period rescans every watched root, 0 disables it.
	Period time.Duration
	// ModificationDelay is how long a file must stay untouched before it is reported.
	ModificationDelay time.Duration
}

type Monitor struct {
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cb      MonitorFunc
	config  Config
	stop    context.Context
	cancel  context.CancelFunc

	pathsLock sync.Mutex
	paths     map[string]struct{}

	pendingLock sync.Mutex
	pending     map[string]struct{}
}

var _ Monitorer = &Monitor{}

func NewMonitor(onNewFile MonitorFunc, config Config) (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	stop, cancel := context.WithCancel(context.Background())
	return &Monitor{
		watcher: watcher,
		cb:      onNewFile,
		config:  config,
		paths:   map[string]struct{}{},
		pending: map[string]struct{}{},
		stop:    stop,
		cancel:  cancel,
	}, nil
}

// Close stops watching and waits for running callbacks.
func (m *Monitor) Close() {
	m.cancel()
	if err := m.watcher.Close(); err != nil {
		logger.Warn("could not close watcher", slog.String("error", err.Error()))
	}
	m.wg.Wait()
}

func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.work()
	go m.settle()
	if m.config.Period > 0 {
		m.wg.Add(1)
		go m.rescan()
	}
}

func (m *Monitor) call(path string) {
	if err := m.cb(m.stop, path); err != nil {
		logger.Error("could not handle file", slog.String("file", path), slog.String("error", err.Error()))
	}
}

func (m *Monitor) rescan() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.Period)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop.Done():
			return
		case <-ticker.C:
			for _, path := range m.watched() {
				m.call(path)
			}
		}
	}
}

func (m *Monitor) work() {
	defer m.wg.Done()
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			logger.Debug("new event", slog.String("event", event.String()))
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := m.addTree(event.Name, true); err != nil {
						logger.Warn("could not watch new folder", slog.String("folder", event.Name), slog.String("error", err.Error()))
					}
					continue
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				m.pendingLock.Lock()
				m.pending[event.Name] = struct{}{}
				m.pendingLock.Unlock()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("watcher error", slog.String("error", err.Error()))
		}
	}
}

var (
	SettleLoopPause = time.Millisecond * 100
	Since           = time.Since
)

// settle reports pending files once their modification time is older than
// ModificationDelay. Directories and removed files are dropped, folders are
// watched as soon as their create event arrives.
func (m *Monitor) settle() {
	defer m.wg.Done()
	ticker := time.NewTicker(SettleLoopPause)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop.Done():
			return
		case <-ticker.C:
			for _, path := range m.settled() {
				m.call(path)
			}
		}
	}
}

func (m *Monitor) settled() (ready []string) {
	m.pendingLock.Lock()
	defer m.pendingLock.Unlock()
	for path := range m.pending {
		info, err := os.Stat(path)
		switch {
		case err != nil || info.IsDir():
			delete(m.pending, path)
		case Since(info.ModTime()) > m.config.ModificationDelay:
			ready = append(ready, path)
			delete(m.pending, path)
		}
	}
	return
}

func (m *Monitor) watched() (paths []string) {
	m.pathsLock.Lock()
	defer m.pathsLock.Unlock()
	for path := range m.paths {
		paths = append(paths, path)
	}
	return
}

// addTree watches root and every folder below it. With queue set, files
// already present are made pending, they may have been written before the
// folder was watched.
func (m *Monitor) addTree(root string, queue bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn("could not walk folder", slog.String("folder", path), slog.String("error", err.Error()))
			return nil
		}
		if d.IsDir() || path == root {
			return m.watcher.Add(path)
		}
		if queue && d.Type().IsRegular() {
			m.pendingLock.Lock()
			m.pending[path] = struct{}{}
			m.pendingLock.Unlock()
		}
		return nil
	})
}

// Add watches path and all its sub folders, folders created later are
// watched too.
func (m *Monitor) Add(path string) error {
	if err := m.addTree(path, false); err != nil {
		return err
	}
	m.pathsLock.Lock()
	m.paths[path] = struct{}{}
	m.pathsLock.Unlock()
	if m.config.PreScan {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.call(path)
		}()
	}
	return nil
}

// Remove stops watching path and its sub folders.
func (m *Monitor) Remove(path string) (err error) {
	m.pathsLock.Lock()
	delete(m.paths, path)
	m.pathsLock.Unlock()
	prefix := path + string(filepath.Separator)
	for _, watched := range m.watcher.WatchList() {
		if watched != path && !strings.HasPrefix(watched, prefix) {
			continue
		}
		if e := m.watcher.Remove(watched); e != nil && !errors.Is(e, fsnotify.ErrNonExistentWatch) {
			err = errors.Join(err, e)
		}
	}
	return
}
