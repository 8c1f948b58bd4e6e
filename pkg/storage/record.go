package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// snapshotVersion is written into every persisted snapshot. Bump it when the
// tagged layout below changes incompatibly.
const snapshotVersion uint8 = 1

// Header is one name/value pair. Order and duplicates are preserved.
type Header struct {
	Name  string `json:"name" msgpack:"n"`
	Value string `json:"value" msgpack:"v"`
}

// Headers is an ordered multimap of header pairs.
type Headers []Header

// Get returns the first value for name (case-insensitive), or "".
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Values returns every value for name (case-insensitive) in order.
func (h Headers) Values(name string) []string {
	matched := bulk.SliceFilter(func(hdr Header) bool {
		return strings.EqualFold(hdr.Name, name)
	}, h)
	if len(matched) == 0 {
		return nil
	}
	out := make([]string, len(matched))
	for i, hdr := range matched {
		out[i] = hdr.Value
	}
	return out
}

// Request is the intercepted request handed to BeginRecord. BeginRecord
// assigns ID so the caller can correlate the later CompleteRecord.
type Request struct {
	ID      uuid.UUID
	Method  string
	Path    string
	Headers Headers
}

// Response is the upstream response handed to CompleteRecord.
type Response struct {
	StatusCode int       `json:"status_code"`
	Reason     string    `json:"reason"`
	Headers    Headers   `json:"headers"`
	ReceivedAt time.Time `json:"received_at"`
}

// RequestRecord is a request joined with its response, as returned by LoadAll.
// Response is nil when no response was recorded.
type RequestRecord struct {
	ID         uuid.UUID `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Headers    Headers   `json:"headers"`
	CapturedAt time.Time `json:"captured_at"`
	Response   *Response `json:"response"`
}

type requestSnapshot struct {
	Version    uint8     `msgpack:"ver"`
	ID         string    `msgpack:"id"`
	Method     string    `msgpack:"m"`
	Path       string    `msgpack:"p"`
	Headers    Headers   `msgpack:"h"`
	CapturedAt time.Time `msgpack:"ts"`
}

type responseSnapshot struct {
	Version    uint8     `msgpack:"ver"`
	StatusCode int       `msgpack:"s"`
	Reason     string    `msgpack:"r"`
	Headers    Headers   `msgpack:"h"`
	ReceivedAt time.Time `msgpack:"ts"`
}

func encodeRequest(id uuid.UUID, req *Request, at time.Time) ([]byte, error) {
	return msgpack.Marshal(&requestSnapshot{
		Version:    snapshotVersion,
		ID:         id.String(),
		Method:     req.Method,
		Path:       req.Path,
		Headers:    req.Headers,
		CapturedAt: at,
	})
}

func decodeRequest(data []byte) (*RequestRecord, error) {
	var snap requestSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	} else if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("decode request: unsupported snapshot version %d", snap.Version)
	}
	id, err := uuid.Parse(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("decode request id: %w", err)
	}
	return &RequestRecord{
		ID:      id,
		Method:  snap.Method,
		Path:    snap.Path,
		Headers: snap.Headers,
		// msgpack timestamps lose timezone info; normalize to UTC
		CapturedAt: snap.CapturedAt.UTC(),
	}, nil
}

func encodeResponse(resp *Response, at time.Time) ([]byte, error) {
	return msgpack.Marshal(&responseSnapshot{
		Version:    snapshotVersion,
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Headers:    resp.Headers,
		ReceivedAt: at,
	})
}

func decodeResponse(data []byte) (*Response, error) {
	var snap responseSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	} else if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("decode response: unsupported snapshot version %d", snap.Version)
	}
	return &Response{
		StatusCode: snap.StatusCode,
		Reason:     snap.Reason,
		Headers:    snap.Headers,
		ReceivedAt: snap.ReceivedAt.UTC(),
	}, nil
}
