package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteCacheConfig configures the SQLite result cache.
type SQLiteCacheConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes entries older than this duration (0 = keep all).
	RetentionAge time.Duration

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteCache persists node results to a SQLite database. It uses WAL mode
// for concurrent read access and an optional background pruner goroutine.
type SQLiteCache struct {
	db   *sql.DB
	cfg  SQLiteCacheConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteCache opens (or creates) a SQLite result cache.
func NewSQLiteCache(cfg SQLiteCacheConfig) (*SQLiteCache, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitecache: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitecache: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitecache: create schema: %w", err)
	}

	c := &SQLiteCache{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 {
		go c.pruneLoop()
	} else {
		close(c.done)
	}

	return c, nil
}

// Get returns the cached value for (nodeName, key).
func (c *SQLiteCache) Get(ctx context.Context, nodeName, key string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM results WHERE node_name = ? AND key = ?`,
		nodeName, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlitecache: get: %w", err)
	}
	return value, true, nil
}

// Set stores a value for (nodeName, key), overwriting any previous one.
func (c *SQLiteCache) Set(ctx context.Context, nodeName, key, value string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO results (node_name, key, value, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (node_name, key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at`,
		nodeName, key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitecache: set: %w", err)
	}
	return nil
}

// Clear removes entries for nodeName, or every entry when nodeName is empty.
func (c *SQLiteCache) Clear(ctx context.Context, nodeName string) error {
	var err error
	if nodeName == "" {
		_, err = c.db.ExecContext(ctx, `DELETE FROM results`)
	} else {
		_, err = c.db.ExecContext(ctx, `DELETE FROM results WHERE node_name = ?`, nodeName)
	}
	if err != nil {
		return fmt.Errorf("sqlitecache: clear: %w", err)
	}
	return nil
}

// Close stops the background pruner and closes the database connection.
func (c *SQLiteCache) Close() error {
	select {
	case <-c.stop:
		// Already closed.
	default:
		close(c.stop)
	}
	<-c.done
	return c.db.Close()
}

// pruneLoop periodically deletes entries older than the retention age.
func (c *SQLiteCache) pruneLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *SQLiteCache) prune() {
	cutoff := time.Now().UTC().Add(-c.cfg.RetentionAge).Format(time.RFC3339Nano)
	_, _ = c.db.Exec(`DELETE FROM results WHERE created_at < ?`, cutoff)
}

// Compile-time interface check.
var _ ResultCache = (*SQLiteCache)(nil)
