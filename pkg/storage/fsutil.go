package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const filePerm = 0o600

// writeTemp writes data to a synced temp file next to dst and returns its path.
func writeTemp(dst string, data []byte) (string, error) {
	dir := filepath.Dir(dst)
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create tmp in %s: %w", dir, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write tmp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sync tmp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close tmp %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, filePerm); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("chmod tmp %s: %w", tmp, err)
	}
	return tmp, nil
}

// writeFileAtomic writes data into dst so readers see either nothing or the full contents.
func writeFileAtomic(dst string, data []byte) error {
	tmp, err := writeTemp(dst, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tmp %s -> %s: %w", tmp, dst, err)
	}
	return nil
}

// publishExclusive is writeFileAtomic that refuses to replace an existing dst.
// A hard link from the finished temp file is both atomic and exclusive, so of
// several concurrent publishers exactly one succeeds. Returns fs.ErrExist for the losers.
func publishExclusive(dst string, data []byte) error {
	tmp, err := writeTemp(dst, data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("link tmp %s -> %s: %w", tmp, dst, err)
	}
	return nil
}
