package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	driver string
	schema string
	get    string
	put    string
}

var (
	sqliteDialect = dialect{
		driver: "sqlite3",
		schema: `CREATE TABLE IF NOT EXISTS kv (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		get: `SELECT v FROM kv WHERE k = ?`,
		put: `INSERT INTO kv (k, v, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
	}

	mysqlDialect = dialect{
		driver: "mysql",
		schema: `CREATE TABLE IF NOT EXISTS kv (
			k VARBINARY(3072) NOT NULL PRIMARY KEY,
			v LONGBLOB NOT NULL,
			updated_at BIGINT NOT NULL
		) ROW_FORMAT=DYNAMIC`,
		get: `SELECT v FROM kv WHERE k = ?`,
		put: `INSERT INTO kv (k, v, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`,
	}
)

// SQLStore implements Store on a single kv table in a SQL database.
type SQLStore struct {
	db      *sql.DB
	getStmt *sql.Stmt
	putStmt *sql.Stmt
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("kv: failed to create data directory: %w", err)
	}
	db, err := sql.Open(sqliteDialect.driver, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open sqlite database: %w", err)
	}
	// Single writer; readers share the connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStore(db, sqliteDialect)
}

// NewMySQLStore connects to MySQL using dsn, e.g.
// "user:pass@tcp(127.0.0.1:3306)/aidetector".
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open(mysqlDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open mysql database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: failed to reach mysql: %w", err)
	}
	return newSQLStore(db, mysqlDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	if _, err := db.Exec(d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: failed to create schema: %w", err)
	}

	getStmt, err := db.Prepare(d.get)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: failed to prepare get: %w", err)
	}
	putStmt, err := db.Prepare(d.put)
	if err != nil {
		getStmt.Close()
		db.Close()
		return nil, fmt.Errorf("kv: failed to prepare put: %w", err)
	}

	return &SQLStore{db: db, getStmt: getStmt, putStmt: putStmt}, nil
}

// Get returns the value stored under key.
func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v []byte
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return string(v), true, nil
}

// Put upserts value under key.
func (s *SQLStore) Put(ctx context.Context, key, value string) error {
	if _, err := s.putStmt.ExecContext(ctx, key, []byte(value), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Close closes the prepared statements and the database.
func (s *SQLStore) Close() error {
	s.getStmt.Close()
	s.putStmt.Close()
	return s.db.Close()
}
