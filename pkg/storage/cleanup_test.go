package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backdate(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestClose(t *testing.T) {
	t.Parallel()

	t.Run("removes_root_and_namespace", func(t *testing.T) {
		base := t.TempDir()
		s, err := New(base, WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		_, err = s.BeginRecord(&Request{Method: "GET", Path: "/"}, []byte("body"))
		require.NoError(t, err)

		require.NoError(t, s.Close())
		assert.NoDirExists(t, s.Dir())
		assert.NoDirExists(t, filepath.Join(base, DefaultNamespace))
	})

	t.Run("idempotent", func(t *testing.T) {
		s, err := New(t.TempDir(), WithLogger(zerolog.Nop()))
		require.NoError(t, err)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.NoDirExists(t, s.Dir())
	})

	t.Run("concurrent", func(t *testing.T) {
		s, err := New(t.TempDir(), WithLogger(zerolog.Nop()))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Close())
			}()
		}
		wg.Wait()
		assert.NoDirExists(t, s.Dir())
	})

	t.Run("keeps_shared_namespace", func(t *testing.T) {
		base := t.TempDir()
		s1, err := New(base, WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		s2, err := New(base, WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s2.Close() })

		require.NoError(t, s1.Close())
		assert.NoDirExists(t, s1.Dir())
		assert.DirExists(t, s2.Dir())
		assert.DirExists(t, filepath.Join(base, DefaultNamespace))
	})

	t.Run("root_already_gone", func(t *testing.T) {
		s, err := New(t.TempDir(), WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(s.Dir()))

		assert.NoError(t, s.Close())
	})
}

func TestSweep(t *testing.T) {
	t.Parallel()

	t.Run("removes_stale_keeps_fresh", func(t *testing.T) {
		base := t.TempDir()
		ns := filepath.Join(base, DefaultNamespace)
		stale := filepath.Join(ns, "storage-stale")
		fresh := filepath.Join(ns, "storage-fresh")
		require.NoError(t, os.MkdirAll(filepath.Join(stale, "request-x"), 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(stale, "request-x", "request"), []byte("x"), 0o600))
		require.NoError(t, os.MkdirAll(fresh, 0o700))
		backdate(t, stale, 48*time.Hour)

		s := newTestStore(t, base)

		assert.NoDirExists(t, stale)
		assert.DirExists(t, fresh)
		assert.DirExists(t, s.Dir())
	})

	t.Run("stray_files", func(t *testing.T) {
		base := t.TempDir()
		ns := filepath.Join(base, DefaultNamespace)
		require.NoError(t, os.MkdirAll(ns, 0o755))
		stray := filepath.Join(ns, "leftover.tmp")
		require.NoError(t, os.WriteFile(stray, []byte("x"), 0o600))
		backdate(t, stray, 48*time.Hour)

		newTestStore(t, base)

		assert.NoFileExists(t, stray)
	})

	t.Run("custom_retention", func(t *testing.T) {
		base := t.TempDir()
		ns := filepath.Join(base, DefaultNamespace)
		hourOld := filepath.Join(ns, "storage-hour")
		require.NoError(t, os.MkdirAll(hourOld, 0o700))
		backdate(t, hourOld, 2*time.Hour)

		newTestStore(t, base)
		assert.DirExists(t, hourOld)

		newTestStore(t, base, WithRetention(time.Hour))
		assert.NoDirExists(t, hourOld)
	})

	t.Run("clock", func(t *testing.T) {
		base := t.TempDir()
		first := newTestStore(t, base)

		future := func() time.Time { return time.Now().Add(72 * time.Hour) }
		second := newTestStore(t, base, WithClock(future))

		assert.NoDirExists(t, first.Dir())
		assert.DirExists(t, second.Dir())
	})

	t.Run("other_namespace_untouched", func(t *testing.T) {
		base := t.TempDir()
		other := filepath.Join(base, "other", "storage-old")
		require.NoError(t, os.MkdirAll(other, 0o700))
		backdate(t, other, 48*time.Hour)

		newTestStore(t, base)

		assert.DirExists(t, other)
	})
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()

	t.Run("refreshes_mtime", func(t *testing.T) {
		s := newTestStore(t, t.TempDir())
		backdate(t, s.Dir(), 48*time.Hour)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.KeepAlive(ctx, 10*time.Millisecond)
		}()

		assert.Eventually(t, func() bool {
			fi, err := os.Stat(s.Dir())
			return err == nil && time.Since(fi.ModTime()) < time.Hour
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("KeepAlive did not return after cancel")
		}
	})

	t.Run("stops_on_close", func(t *testing.T) {
		s, err := New(t.TempDir(), WithLogger(zerolog.Nop()))
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.KeepAlive(context.Background(), 5*time.Millisecond)
		}()
		require.NoError(t, s.Close())

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("KeepAlive did not return after Close")
		}
		assert.NoDirExists(t, s.Dir())
	})
}
