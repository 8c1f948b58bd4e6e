// Package storage persists intercepted request/response pairs under a
// directory owned by the current process, and reclaims that directory (and
// any left behind by crashed runs) when it is no longer needed.
//
// Layout:
//
//	<base>/<namespace>/storage-<uuid>/
//	    request-<uuid>/
//	        request        request snapshot
//	        requestbody    raw request body (optional)
//	        response       response snapshot (once completed)
//	        responsebody   raw response body (once completed, may be empty)
//
// The in-memory index is the only shared mutable state. Each record's files
// are written by a single goroutine per phase: the one calling BeginRecord,
// then the one calling CompleteRecord. Paths derive from the record id, so
// file access needs no locking as long as ids are unique and callers do not
// complete a record before BeginRecord has returned its id.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultNamespace is the folder under the base directory shared by all storage roots.
	DefaultNamespace = "capture-server"
	// DefaultRetention is the age past which a sibling storage root is considered orphaned.
	DefaultRetention = 24 * time.Hour

	rootPrefix       = "storage-"
	recordPrefix     = "request-"
	requestFile      = "request"
	requestBodyFile  = "requestbody"
	responseFile     = "response"
	responseBodyFile = "responsebody"

	dirPerm = 0o700
)

type indexEntry struct {
	path string
	id   uuid.UUID
}

// Store is a disk-backed, append-only store of captured records. Safe for concurrent use.
type Store struct {
	namespace    string
	namespaceDir string
	dir          string
	retention    time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	mu    sync.Mutex
	index []indexEntry

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a storage root under baseDir (the system temp directory when
// empty) and removes sibling roots older than the retention threshold.
//
// New does not install signal handlers. Callers own the process lifecycle and
// must arrange for Close to run on exit and on termination signals.
func New(baseDir string, opts ...Option) (*Store, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	s := &Store{
		namespace: DefaultNamespace,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    log.Logger.With().Str("component", "storage").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.namespaceDir = filepath.Join(baseDir, s.namespace)
	s.dir = filepath.Join(s.namespaceDir, rootPrefix+uuid.NewString())

	if err := os.MkdirAll(s.namespaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrInit, s.namespaceDir, err)
	}
	if err := os.Mkdir(s.dir, dirPerm); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: create %s: %w", ErrInit, s.dir, err)
	}

	s.sweep()

	s.logger.Debug().Str("dir", s.dir).Dur("retention", s.retention).Msg("storage root created")
	return s, nil
}

// Dir returns the storage root owned by this store.
func (s *Store) Dir() string {
	return s.dir
}

// Len returns the number of indexed records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// BeginRecord assigns req a new id, appends it to the index and persists the
// request snapshot plus body (when body is non-nil).
//
// The record is indexed before anything touches disk, so a failed write
// still leaves an index entry; LoadAll reports such records as skipped.
func (s *Store) BeginRecord(req *Request, body []byte) (uuid.UUID, error) {
	if req == nil {
		return uuid.Nil, fmt.Errorf("%w: nil request", ErrWrite)
	} else if s.closed.Load() {
		return uuid.Nil, ErrClosed
	}

	id := uuid.New()
	req.ID = id

	s.mu.Lock()
	s.index = append(s.index, indexEntry{path: req.Path, id: id})
	s.mu.Unlock()

	dir := s.recordDir(id)
	if err := os.Mkdir(dir, dirPerm); err != nil {
		return uuid.Nil, fmt.Errorf("%w: create record dir %s: %w", ErrWrite, id, err)
	}

	data, err := encodeRequest(id, req, s.now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %w", ErrWrite, id, err)
	} else if err := writeFileAtomic(filepath.Join(dir, requestFile), data); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %w", ErrWrite, id, err)
	}
	if body != nil {
		if err := writeFileAtomic(filepath.Join(dir, requestBodyFile), body); err != nil {
			return uuid.Nil, fmt.Errorf("%w: %s body: %w", ErrWrite, id, err)
		}
	}

	s.logger.Trace().Str("record_id", id.String()).Str("method", req.Method).Str("path", req.Path).
		Int("body_len", len(body)).Msg("request recorded")
	return id, nil
}

// CompleteRecord persists the response phase of a record. The response body
// file is always written (empty when body is nil) to mark the phase as done.
// A completion that fails part way leaves no response behind and may be retried.
//
// Returns ErrNotFound if id was not produced by this store, and
// ErrAlreadyCompleted if a response was already recorded for id.
func (s *Store) CompleteRecord(id uuid.UUID, resp *Response, body []byte) error {
	if resp == nil {
		return fmt.Errorf("%w: nil response", ErrWrite)
	} else if s.closed.Load() {
		return ErrClosed
	}

	dir := s.recordDir(id)
	if err := s.checkRecordDir(dir, id); errors.Is(err, ErrNotFound) {
		return err
	} else if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	at := resp.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}
	data, err := encodeResponse(resp, at.UTC())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, id, err)
	}
	if body == nil {
		body = []byte{}
	}
	bodyPath := filepath.Join(dir, responseBodyFile)
	bodyTmp, err := writeTemp(bodyPath, body)
	if err != nil {
		return fmt.Errorf("%w: %s body: %w", ErrWrite, id, err)
	}
	defer func() { _ = os.Remove(bodyTmp) }()

	respPath := filepath.Join(dir, responseFile)
	if err := publishExclusive(respPath, data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
		}
		return fmt.Errorf("%w: %s: %w", ErrWrite, id, err)
	}
	if err := os.Rename(bodyTmp, bodyPath); err != nil {
		// unpublish so the completion can be retried
		if rmErr := os.Remove(respPath); rmErr != nil {
			s.logger.Error().Err(rmErr).Str("record_id", id.String()).Msg("failed to roll back response")
		}
		return fmt.Errorf("%w: %s body: rename %s: %w", ErrWrite, id, bodyPath, err)
	}

	s.logger.Trace().Str("record_id", id.String()).Int("status", resp.StatusCode).
		Int("body_len", len(body)).Msg("response recorded")
	return nil
}

// LoadAll returns every indexed record in index order, with responses
// attached where recorded. The index is copied up front; records begun
// after the call starts are not included.
//
// Records that cannot be read are left out and reported through a *LoadError
// (matching ErrRead); the remaining records are still returned. A record whose
// BeginRecord is still writing when LoadAll reaches it is reported the same way.
func (s *Store) LoadAll() ([]*RequestRecord, error) {
	s.mu.Lock()
	index := slices.Clone(s.index)
	s.mu.Unlock()

	records := make([]*RequestRecord, 0, len(index))
	var skipped []SkippedRecord
	for _, entry := range index {
		rec, err := s.load(entry.id)
		if err != nil {
			s.logger.Warn().Err(err).Str("record_id", entry.id.String()).Str("path", entry.path).
				Msg("skipping unreadable record")
			skipped = append(skipped, SkippedRecord{ID: entry.id, Path: entry.path, Err: err})
			continue
		}
		records = append(records, rec)
	}

	if len(skipped) > 0 {
		return records, &LoadError{Skipped: skipped}
	}
	return records, nil
}

// RequestBody returns the captured request body, or nil when none was captured.
func (s *Store) RequestBody(id uuid.UUID) ([]byte, error) {
	return s.readBody(id, requestBodyFile)
}

// ResponseBody returns the captured response body. It is nil while the record
// has no response and empty when the response had no body.
func (s *Store) ResponseBody(id uuid.UUID) ([]byte, error) {
	return s.readBody(id, responseBodyFile)
}

// Response returns the recorded response of a single record, or nil while the
// record has none.
func (s *Store) Response(id uuid.UUID) (*Response, error) {
	dir := s.recordDir(id)
	if err := s.checkRecordDir(dir, id); errors.Is(err, ErrNotFound) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return s.loadResponse(dir, id)
}

func (s *Store) load(id uuid.UUID) (*RequestRecord, error) {
	dir := s.recordDir(id)

	data, err := os.ReadFile(filepath.Join(dir, requestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, id, err)
	}
	rec, err := decodeRequest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, id, err)
	} else if rec.ID != id {
		return nil, fmt.Errorf("%w: %s: snapshot holds id %s", ErrRead, id, rec.ID)
	}

	if rec.Response, err = s.loadResponse(dir, id); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadResponse(dir string, id uuid.UUID) (*Response, error) {
	data, err := os.ReadFile(filepath.Join(dir, responseFile))
	if errors.Is(err, fs.ErrNotExist) {
		// not completed (yet)
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %s response: %w", ErrRead, id, err)
	}
	resp, err := decodeResponse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, id, err)
	}
	return resp, nil
}

func (s *Store) readBody(id uuid.UUID, name string) ([]byte, error) {
	dir := s.recordDir(id)
	if err := s.checkRecordDir(dir, id); errors.Is(err, ErrNotFound) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRead, id, name, err)
	}
	return data, nil
}

// checkRecordDir returns ErrNotFound unless dir is an existing record directory.
func (s *Store) checkRecordDir(dir string, id uuid.UUID) error {
	fi, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !fi.IsDir()) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", id, err)
	}
	return nil
}

func (s *Store) recordDir(id uuid.UUID) string {
	return filepath.Join(s.dir, recordPrefix+id.String())
}
