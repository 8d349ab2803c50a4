// Package cache keeps normalized scan results on disk, keyed by file SHA256,
// so the scan command does not upload a file twice within the validity window.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glimps-re/scan-proxy/pkg/datamodel"
	"modernc.org/sqlite"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// sqlite extended code for a primary key violation
const sqliteConstraintPrimaryKey = 1555

type Entry struct {
	Sha256    string
	Filename  string
	Result    datamodel.ScanResult
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Valid reports whether the entry was refreshed less than validity ago.
// A zero validity never expires.
func (e *Entry) Valid(validity time.Duration) bool {
	if validity <= 0 {
		return true
	}
	return Now().Sub(e.UpdatedAt) < validity
}

type Cacher interface {
	// Set adds or updates a cache entry
	Set(ctx context.Context, entry *Entry) error

	// Get fetch a cache entry
	Get(ctx context.Context, sha256 string) (entry *Entry, err error)

	Close() error
}

var ErrEntryNotFound = errors.New("entry not found")

type Cache struct {
	db *sql.DB
	sync.Mutex
}

var _ Cacher = &Cache{}

const createTable = `CREATE TABLE IF NOT EXISTS results (
	sha256 TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at int NOT NULL,
	updated_at int NOT NULL );`

// NewCache opens the database at location, an empty location keeps it in memory.
func NewCache(ctx context.Context, location string) (c *Cache, err error) {
	if location == "" {
		location = "file::memory:"
	} else {
		_, err = os.Stat(location)
		if errors.Is(err, os.ErrNotExist) {
			dir, _ := filepath.Split(location)
			if dir != "" {
				if err = os.MkdirAll(dir, 0o755); err != nil {
					return
				}
			}
			f, e := os.Create(location) //nolint:gosec // location comes from configuration
			if e != nil {
				err = e
				return
			}
			f.Close()
		}
	}
	db, err := sql.Open("sqlite", location)
	if err != nil {
		return
	}
	// the in memory database only lives as long as its connection
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		err = fmt.Errorf("could not create results table: %w", err)
		return
	}
	logger.Debug("cache opened", slog.String("location", location))

	c = &Cache{db: db}
	return
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Get(ctx context.Context, sha256 string) (entry *Entry, err error) {
	c.Lock()
	defer c.Unlock()
	entry = &Entry{}
	var createdAt, updatedAt int64
	var result string
	err = c.db.QueryRowContext(ctx, "SELECT sha256, filename, result, created_at, updated_at FROM results WHERE sha256 = ?", sha256).Scan(
		&entry.Sha256,
		&entry.Filename,
		&result,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return
	}
	if err = json.Unmarshal([]byte(result), &entry.Result); err != nil {
		err = fmt.Errorf("corrupted cache entry %s: %w", sha256, err)
		return nil, err
	}
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.UpdatedAt = time.UnixMilli(updatedAt)
	return
}

var Now = time.Now

func (c *Cache) Set(ctx context.Context, entry *Entry) (err error) {
	c.Lock()
	defer c.Unlock()
	result, err := json.Marshal(entry.Result)
	if err != nil {
		return
	}
	if entry.CreatedAt.UnixMilli() <= 0 {
		entry.CreatedAt = Now()
	}
	entry.UpdatedAt = Now()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	_, err = tx.ExecContext(ctx, `
INSERT INTO results (sha256, filename, result, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)`,
		entry.Sha256,
		entry.Filename,
		string(result),
		entry.CreatedAt.UnixMilli(),
		entry.UpdatedAt.UnixMilli(),
	)
	if err == nil {
		return
	}
	// already known, refresh it
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqliteConstraintPrimaryKey {
		_, err = tx.ExecContext(ctx, `
UPDATE results SET filename=$2, result=$3, updated_at=$4
WHERE sha256 = $1`,
			entry.Sha256,
			entry.Filename,
			string(result),
			entry.UpdatedAt.UnixMilli(),
		)
	}
	return
}
