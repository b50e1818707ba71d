package kv

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendS3     = "s3"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend string
	// Path is the directory for local and the data directory for sqlite.
	Path string
	// DSN is the MySQL data source name.
	DSN      string
	Bucket   string
	S3       S3Config
	Compress bool
}

// Open builds the store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)

	switch opts.Backend {
	case BackendMemory, "":
		store = NewMemoryStore()
	case BackendLocal:
		store, err = NewLocalStore(opts.Path)
	case BackendSQLite:
		store, err = NewSQLiteStore(filepath.Join(opts.Path, "aidetector.db"))
	case BackendMySQL:
		store, err = NewMySQLStore(opts.DSN)
	case BackendS3:
		store, err = NewS3Store(ctx, opts.Bucket, opts.S3)
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if opts.Compress {
		store = NewCompressed(store, 0)
	}
	return store, nil
}
