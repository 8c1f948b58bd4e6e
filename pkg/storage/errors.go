package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInit is returned when the storage root cannot be created.
	ErrInit = errors.New("storage init failed")
	// ErrWrite is returned when a record directory, snapshot or body cannot be written.
	ErrWrite = errors.New("storage write failed")
	// ErrNotFound is returned for record ids this store never produced.
	ErrNotFound = errors.New("storage record not found")
	// ErrRead marks a record whose files are missing, truncated or undecodable.
	ErrRead = errors.New("storage read failed")

	// ErrClosed is returned by writes after Close. It matches ErrWrite.
	ErrClosed = fmt.Errorf("%w: store closed", ErrWrite)
	// ErrAlreadyCompleted is returned when a record's response phase was already written.
	// It matches ErrWrite.
	ErrAlreadyCompleted = fmt.Errorf("%w: response already recorded", ErrWrite)
)

// SkippedRecord describes one record LoadAll could not read.
type SkippedRecord struct {
	ID   uuid.UUID
	Path string
	Err  error
}

// LoadError aggregates the records skipped by LoadAll. Records that were read
// successfully are still returned alongside it.
type LoadError struct {
	Skipped []SkippedRecord
}

func (e *LoadError) Error() string {
	parts := make([]string, 0, len(e.Skipped))
	for _, s := range e.Skipped {
		parts = append(parts, s.ID.String()+": "+s.Err.Error())
	}
	return fmt.Sprintf("%d record(s) skipped: %s", len(e.Skipped), strings.Join(parts, "; "))
}

// Unwrap exposes the per-record errors so errors.Is(err, ErrRead) works.
func (e *LoadError) Unwrap() []error {
	errs := make([]error, len(e.Skipped))
	for i, s := range e.Skipped {
		errs[i] = s.Err
	}
	return errs
}

// IDs returns the ids of the skipped records in index order.
func (e *LoadError) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(e.Skipped))
	for i, s := range e.Skipped {
		ids[i] = s.ID
	}
	return ids
}
