package kv

import (
	"context"
	"fmt"

	"github.com/golang/snappy"
)

// compressedPrefix marks values written by Compressed. Values without it
// are returned as-is so compression can be enabled on an existing store.
const compressedPrefix = "\x00sz:"

// Compressed wraps a Store and snappy-compresses values larger than
// MinSize. Small counters are stored verbatim.
type Compressed struct {
	inner   Store
	minSize int
}

// DefaultCompressMinSize is the smallest value that gets compressed.
const DefaultCompressMinSize = 256

// NewCompressed wraps inner. A non-positive minSize uses DefaultCompressMinSize.
func NewCompressed(inner Store, minSize int) *Compressed {
	if minSize <= 0 {
		minSize = DefaultCompressMinSize
	}
	return &Compressed{inner: inner, minSize: minSize}
}

// Get reads and, when needed, decompresses the value under key.
func (c *Compressed) Get(ctx context.Context, key string) (string, bool, error) {
	v, found, err := c.inner.Get(ctx, key)
	if err != nil || !found {
		return v, found, err
	}
	if len(v) < len(compressedPrefix) || v[:len(compressedPrefix)] != compressedPrefix {
		return v, true, nil
	}

	raw, err := snappy.Decode(nil, []byte(v[len(compressedPrefix):]))
	if err != nil {
		return "", false, fmt.Errorf("%w: snappy decompress %q: %v", ErrReadFailed, key, err)
	}
	return string(raw), true, nil
}

// Put compresses value when it is at least minSize bytes and stores it.
func (c *Compressed) Put(ctx context.Context, key, value string) error {
	if len(value) < c.minSize {
		return c.inner.Put(ctx, key, value)
	}
	enc := snappy.Encode(nil, []byte(value))
	return c.inner.Put(ctx, key, compressedPrefix+string(enc))
}

// Close closes the wrapped store.
func (c *Compressed) Close() error {
	return c.inner.Close()
}
