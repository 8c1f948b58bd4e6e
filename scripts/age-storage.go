// age-storage.go shifts the modification time of capture storage roots so the
// stale sweep of the next capture-proxy run can be exercised by hand.
//
//	go run scripts/age-storage.go -path /tmp/capture-server -offset -2d
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	offset   string
	nsPath   string
	matchDir string
)

func init() {
	flag.StringVar(&offset, "offset", "", "Offset to add to each root's mtime (e.g. -2d, -25h, +30m)")
	flag.StringVar(&nsPath, "path", filepath.Join(os.TempDir(), "capture-server"), "Namespace directory holding storage-* roots")
	flag.StringVar(&matchDir, "match", "storage-*", "Glob for the roots to age")
}

func main() {
	flag.Parse()
	if offset == "" {
		log.Fatal("Usage: go run age-storage.go -offset <offset> [-path <dir>] [-match <glob>]")
	}

	d, err := parseOffset(offset)
	if err != nil {
		log.Fatalf("Invalid offset %q: %v", offset, err)
	}

	roots, err := filepath.Glob(filepath.Join(nsPath, matchDir))
	if err != nil {
		log.Fatalf("Bad pattern %q: %v", matchDir, err)
	}
	for _, root := range roots {
		if err := age(root, d); err != nil {
			log.Printf("skip %s: %v", root, err)
		}
	}
}

// parseOffset parses strings like "+7d", "-3h", "+30m", "+45s".
func parseOffset(s string) (time.Duration, error) {
	if len(s) < 3 {
		return 0, fmt.Errorf("too short")
	}

	var sign time.Duration
	switch s[0] {
	case '+':
		sign = 1
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("must start with + or -")
	}

	unit := s[len(s)-1]
	n, err := strconv.ParseFloat(s[1:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %v", s[1:len(s)-1], err)
	}

	var base time.Duration
	switch unit {
	case 'd':
		base = 24 * time.Hour
	case 'h':
		base = time.Hour
	case 'm':
		base = time.Minute
	case 's':
		base = time.Second
	default:
		return 0, fmt.Errorf("unknown unit %q, use d (days), h, m, or s", unit)
	}
	return sign * time.Duration(n*float64(base)), nil
}

func age(root string, d time.Duration) error {
	fi, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !fi.IsDir() || !strings.HasPrefix(fi.Name(), "storage-") {
		return fmt.Errorf("not a storage root")
	}
	mtime := fi.ModTime().Add(d)
	if err := os.Chtimes(root, mtime, mtime); err != nil {
		return err
	}
	fmt.Printf("Updated %s: mtime → %s\n", root, mtime.Format(time.RFC3339))
	return nil
}
