package storage

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Store.
type Option func(*Store)

// WithNamespace sets the shared folder, under the base directory, that holds
// every process's storage root. Stale sweeps only look inside this folder.
func WithNamespace(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.namespace = name
		}
	}
}

// WithRetention sets how old a sibling storage root must be before the startup sweep removes it.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger replaces the store's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used for snapshot timestamps and the stale sweep.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}
