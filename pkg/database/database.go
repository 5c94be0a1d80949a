package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/superbot/pkg/config"
	_ "modernc.org/sqlite"
)

// DefaultFlushInterval is how often buffered overrides are written out
const DefaultFlushInterval = 60 * time.Second

var pragmas = []string{
	// WAL lets readers continue while the write buffer commits
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// DB stores runtime configuration overrides in SQLite
type DB struct {
	conn        *sql.DB // Read connections
	writeConn   *sql.DB // Single write connection
	path        string
	WriteBuffer *WriteBuffer
}

// Open opens (creating if needed) the database at path and migrates it
func Open(path string) (*DB, error) {
	return OpenWithInterval(path, DefaultFlushInterval)
}

// OpenWithInterval is Open with a custom write buffer flush interval
func OpenWithInterval(path string, flushInterval time.Duration) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := openConn(path, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	writeConn, err := openConn(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		path:      path,
	}
	db.WriteBuffer = NewWriteBuffer(db, flushInterval)
	return db, nil
}

func openConn(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// Close flushes pending writes and closes the database
func (db *DB) Close() error {
	db.WriteBuffer.Close()
	db.writeConn.Close()
	return db.conn.Close()
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// LoadOverrides returns every stored override ordered by key
func (db *DB) LoadOverrides() ([]config.Override, error) {
	rows, err := db.conn.Query(`SELECT key, value, removed FROM config_overrides ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []config.Override
	for rows.Next() {
		var o config.Override
		if err := rows.Scan(&o.Key, &o.Value, &o.Removed); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// SaveOverride queues o for the next flush
func (db *DB) SaveOverride(o config.Override) {
	db.WriteBuffer.QueueOverride(o)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
