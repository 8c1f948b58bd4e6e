package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Close removes the storage root and, when no other process still uses it,
// the namespace folder. Safe to call more than once and from several
// goroutines; only the first call does any work.
//
// Close never fails: removal errors are logged and then dropped since it
// usually runs during shutdown. Writes racing a Close may fail with ErrWrite
// or leave files behind; the startup sweep of a later process reclaims those.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.logger.Debug().Str("dir", s.dir).Msg("cleaning up storage root")

		if err := os.RemoveAll(s.dir); err != nil {
			s.logger.Warn().Err(err).Str("dir", s.dir).Msg("failed to remove storage root")
		}
		// other processes may still own roots in the namespace folder
		if err := os.Remove(s.namespaceDir); err != nil && !isNotEmptyOrGone(err) {
			s.logger.Debug().Err(err).Str("dir", s.namespaceDir).Msg("namespace folder not removed")
		}
	})
	return nil
}

// KeepAlive refreshes the storage root's modification time every interval
// until ctx is done or the store is closed, so that sweeps run by other
// processes never treat a long-lived idle root as orphaned. An interval <= 0
// defaults to a quarter of the retention threshold.
func (s *Store) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.retention / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			s.touch()
		}
	}
}

func (s *Store) touch() {
	now := time.Now()
	if err := os.Chtimes(s.dir, now, now); err != nil {
		s.logger.Debug().Err(err).Str("dir", s.dir).Msg("failed to refresh storage root mtime")
	}
}

// sweep removes every entry in the namespace folder, other than this store's
// own root, whose modification time is older than the retention threshold.
func (s *Store) sweep() {
	entries, err := os.ReadDir(s.namespaceDir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.namespaceDir).Msg("stale sweep could not list namespace")
		return
	}

	threshold := s.now().Add(-s.retention)
	for _, entry := range entries {
		path := filepath.Join(s.namespaceDir, entry.Name())
		if path == s.dir {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed by a concurrent sweep
			continue
		} else if !info.ModTime().Before(threshold) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn().Err(err).Str("dir", path).Msg("failed to remove stale storage")
			continue
		}
		s.logger.Info().Str("dir", path).Time("mtime", info.ModTime()).Msg("removed stale storage")
	}
}

func isNotEmptyOrGone(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOTEMPTY) ||
		errors.Is(err, syscall.EEXIST)
}
