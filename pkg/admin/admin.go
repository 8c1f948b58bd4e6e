// Package admin implements the admin HTTP endpoints of the capture proxy:
// health, metrics, config, the root certificate and read access to captured records.
package admin

import (
	"encoding/json"
	"errors"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-server/pkg/capture"
	"github.com/jnovack/capture-server/pkg/storage"
)

// Store is the read side of the capture store. *storage.Store implements it.
type Store interface {
	Dir() string
	Len() int
	LoadAll() ([]*storage.RequestRecord, error)
	Response(id uuid.UUID) (*storage.Response, error)
	RequestBody(id uuid.UUID) ([]byte, error)
	ResponseBody(id uuid.UUID) ([]byte, error)
}

// RecordList is the /requests response body.
type RecordList struct {
	Count   int                      `json:"count"`
	Records []*storage.RequestRecord `json:"records"`
	Skipped []uuid.UUID              `json:"skipped,omitempty"`
}

// Server holds what the admin endpoints read from.
type Server struct {
	Metrics *Metrics
	Store   Store
	CertPEM []byte
	Varz    any
	Started time.Time
}

// Handler returns the admin routes:
//
//	GET /healthz
//	GET /metrics
//	GET /statusz
//	GET /varz
//	GET /cert
//	GET /requests
//	GET /requests/{id}/request-body
//	GET /requests/{id}/response-body[?decode=1]
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", HandleHealth)
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		HandleMetrics(w, s.Metrics, s.Store)
	})
	mux.HandleFunc("GET /statusz", func(w http.ResponseWriter, _ *http.Request) {
		HandleStatusz(w, s.Store, s.Started)
	})
	mux.HandleFunc("GET /varz", func(w http.ResponseWriter, _ *http.Request) {
		HandleVarz(w, s.Varz)
	})
	mux.HandleFunc("GET /cert", func(w http.ResponseWriter, _ *http.Request) {
		HandleCert(w, s.CertPEM)
	})
	mux.HandleFunc("GET /requests", func(w http.ResponseWriter, _ *http.Request) {
		HandleRequests(w, s.Store)
	})
	mux.HandleFunc("GET /requests/{id}/request-body", func(w http.ResponseWriter, r *http.Request) {
		HandleRequestBody(w, r, s.Store)
	})
	mux.HandleFunc("GET /requests/{id}/response-body", func(w http.ResponseWriter, r *http.Request) {
		HandleResponseBody(w, r, s.Store)
	})
	return mux
}

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg any) {
	writeJSON(w, http.StatusOK, cfg)
}

// HandleMetrics writes Prometheus-compatible output for m plus the store's record count.
func HandleMetrics(w http.ResponseWriter, m *Metrics, store Store) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.WritePrometheus(w, store.Len())
}

// HandleStatusz renders a small HTML page describing the storage root.
func HandleStatusz(w http.ResponseWriter, store Store, started time.Time) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1><table border='1'>"))
	row := func(k, v string) {
		_, _ = w.Write([]byte("<tr><th>" + k + "</th><td>" + html.EscapeString(v) + "</td></tr>"))
	}
	row("Storage root", store.Dir())
	row("Records", strconv.Itoa(store.Len()))
	row("Uptime (s)", strconv.FormatFloat(time.Since(started).Seconds(), 'f', 0, 64))
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleCert serves the interception root certificate for clients to trust.
func HandleCert(w http.ResponseWriter, certPEM []byte) {
	if len(certPEM) == 0 {
		http.Error(w, "no cert available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="capture-root.pem"`)
	_, _ = w.Write(certPEM)
}

// HandleRequests lists every captured record in capture order. Unreadable
// records are left out and their ids reported under "skipped".
func HandleRequests(w http.ResponseWriter, store Store) {
	records, err := store.LoadAll()
	list := RecordList{Records: records}
	var loadErr *storage.LoadError
	if errors.As(err, &loadErr) {
		list.Skipped = loadErr.IDs()
	} else if err != nil {
		log.Error().Err(err).Msg("failed to load records")
		http.Error(w, "failed to load records", http.StatusInternalServerError)
		return
	}
	if list.Records == nil {
		list.Records = []*storage.RequestRecord{}
	}
	list.Count = len(list.Records)
	writeJSON(w, http.StatusOK, list)
}

// HandleRequestBody serves the raw captured request body of the record named by the {id} path value.
func HandleRequestBody(w http.ResponseWriter, r *http.Request, store Store) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	body, err := store.RequestBody(id)
	if !bodyFound(w, id, body, err) {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

// HandleResponseBody serves the captured response body of the record named by
// the {id} path value. With ?decode=1 the recorded Content-Encoding is undone
// and the recorded Content-Type is used.
func HandleResponseBody(w http.ResponseWriter, r *http.Request, store Store) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	body, err := store.ResponseBody(id)
	if !bodyFound(w, id, body, err) {
		return
	}

	if decode, _ := strconv.ParseBool(r.URL.Query().Get("decode")); !decode {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
		return
	}

	resp, err := store.Response(id)
	if err != nil {
		log.Error().Err(err).Str("record_id", id.String()).Msg("failed to read response")
		http.Error(w, "failed to read response", http.StatusInternalServerError)
		return
	}
	var headers storage.Headers
	if resp != nil {
		headers = resp.Headers
	}
	decoded, err := capture.DecodeBody(body, headers.Get("Content-Encoding"))
	if errors.Is(err, capture.ErrUnsupportedEncoding) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	} else if err != nil {
		log.Warn().Err(err).Str("record_id", id.String()).Msg("failed to decode response body")
		http.Error(w, "failed to decode body", http.StatusUnprocessableEntity)
		return
	}
	ct := headers.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	_, _ = w.Write(decoded)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// bodyFound writes the error response for a failed or absent body read and
// reports whether the caller should go on to serve body.
func bodyFound(w http.ResponseWriter, id uuid.UUID, body []byte, err error) bool {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "record not found", http.StatusNotFound)
		return false
	case err != nil:
		log.Error().Err(err).Str("record_id", id.String()).Msg("failed to read body")
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return false
	case body == nil:
		http.Error(w, "no body captured", http.StatusNotFound)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
