package kv

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spaolacci/murmur3"
)

// LocalStore implements Store on the local filesystem, one file per key.
// This is primarily used for development and single-node deployments.
//
// Keys contain characters that are not safe in file names, so each key is
// base64url-encoded and placed under a two-level murmur3 shard directory.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Get reads the file for key.
func (l *LocalStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	b, err := os.ReadFile(l.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return string(b), true, nil
}

// Put writes the file for key. The value is written to a temporary file
// and renamed into place so readers never observe a partial value.
func (l *LocalStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".put-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Close is a no-op.
func (l *LocalStore) Close() error { return nil }

// fullPath returns the filesystem path for a key.
func (l *LocalStore) fullPath(key string) string {
	h := murmur3.Sum32([]byte(key))
	name := base64.RawURLEncoding.EncodeToString([]byte(key))

	parts := []string{l.basePath, fmt.Sprintf("%02x", h>>24), fmt.Sprintf("%02x", (h>>16)&0xff)}
	// Long keys (deep request paths) are split into nested directories to
	// stay under the file name length limit.
	for len(name) > maxNameLen {
		parts = append(parts, name[:maxNameLen]+"~")
		name = name[maxNameLen:]
	}
	parts = append(parts, name)
	return filepath.Join(parts...)
}

const maxNameLen = 200
