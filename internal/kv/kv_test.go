package kv

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// storeFactories builds one of each backend that runs without external
// services.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"local": func() Store {
			s, err := NewLocalStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sqlite": func() Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
			require.NoError(t, err)
			return s
		},
		"compressed": func() Store { return NewCompressed(NewMemoryStore(), 16) },
	}
}

func TestStore_GetPut(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			defer s.Close()

			_, found, err := s.Get(ctx, "stats:shop.example:anthropic:total")
			require.NoError(t, err)
			require.False(t, found)

			require.NoError(t, s.Put(ctx, "stats:shop.example:anthropic:total", "1"))
			v, found, err := s.Get(ctx, "stats:shop.example:anthropic:total")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "1", v)

			require.NoError(t, s.Put(ctx, "stats:shop.example:anthropic:total", "2"))
			v, _, err = s.Get(ctx, "stats:shop.example:anthropic:total")
			require.NoError(t, err)
			require.Equal(t, "2", v)
		})
	}
}

func TestStore_EmptyValueIsFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			defer s.Close()

			require.NoError(t, s.Put(ctx, "k", ""))
			v, found, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, found)
			require.Empty(t, v)
		})
	}
}

func TestStore_AwkwardKeys(t *testing.T) {
	keys := []string{
		"stats:a.example:openai:path:/",
		"stats:a.example:openai:path:/../../etc/passwd",
		"stats:a.example:openai:path:/search?q=a b&x=%2F",
		"stats:a.example:openai:path:/" + strings.Repeat("deep/", 120),
	}

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			defer s.Close()

			for i, k := range keys {
				require.NoError(t, s.Put(ctx, k, strings.Repeat("x", i+1)))
			}
			for i, k := range keys {
				v, found, err := s.Get(ctx, k)
				require.NoError(t, err)
				require.True(t, found, k)
				require.Equal(t, strings.Repeat("x", i+1), v)
			}
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, s := range []Store{NewMemoryStore(), mustLocal(t)} {
		_, _, err := s.Get(ctx, "k")
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, s.Put(ctx, "k", "v"), context.Canceled)
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := "events:recent:" + string(rune('a'+i))
				_ = s.Put(ctx, key, "v")
				_, _, _ = s.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 16, s.Len())
}

func TestCompressed_LargeValuesRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s := NewCompressed(inner, 64)

	large := strings.Repeat(`{"path":"/docs","count":12},`, 50)
	require.NoError(t, s.Put(ctx, "stats:a:openai:top_paths_raw", large))

	raw, _, err := inner.Get(ctx, "stats:a:openai:top_paths_raw")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, compressedPrefix))
	require.Less(t, len(raw), len(large))

	v, found, err := s.Get(ctx, "stats:a:openai:top_paths_raw")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, large, v)
}

func TestCompressed_ReadsUncompressedValues(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Put(ctx, "k", "42"))

	v, found, err := NewCompressed(inner, 1).Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "42", v)
}

func TestCompressed_CorruptValue(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Put(ctx, "k", compressedPrefix+"\xff\xff\xff"))

	_, _, err := NewCompressed(inner, 1).Get(ctx, "k")
	require.True(t, errors.Is(err, ErrReadFailed))
}

func TestLocalStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewLocalStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, "cfg:shop.example", `{"customer":"Shop"}`))

	s2, err := NewLocalStore(dir)
	require.NoError(t, err)
	v, found, err := s2.Get(ctx, "cfg:shop.example")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"customer":"Shop"}`, v)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: BackendMemory, Compress: true})
	require.NoError(t, err)
	require.IsType(t, &Compressed{}, s)

	s, err = Open(ctx, Options{Backend: BackendSQLite, Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Backend: "etcd"})
	require.Error(t, err)
}

func mustLocal(t *testing.T) *LocalStore {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return s
}
