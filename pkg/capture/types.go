package capture

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jnovack/capture-server/pkg/storage"
)

type ConnectionIDKey struct{}
type RequestIDKey struct{}

// Outcomes passed to Metrics.ObserveDuration.
const (
	OutcomeCaptured      = "captured"
	OutcomeUncaptured    = "uncaptured"
	OutcomeUpstreamError = "upstream_error"
	OutcomeTunnel        = "tunnel"
)

// Recorder persists intercepted exchanges in two phases. *storage.Store implements it.
type Recorder interface {
	BeginRecord(req *storage.Request, body []byte) (uuid.UUID, error)
	CompleteRecord(id uuid.UUID, resp *storage.Response, body []byte) error
}

// LeafIssuer hands out certificates for intercepted hosts. *ca.RootCA implements it.
type LeafIssuer interface {
	Leaf(host string) (*tls.Certificate, error)
}

// Metrics is the set of counters and histograms the proxy reports to.
type Metrics interface {
	IncRequests()
	IncCaptured()
	IncCompleted()
	IncUpstreamErrors()
	IncStorageErrors()
	ObserveDuration(outcome string, secs float64)
}

// Config holds the proxy's collaborators and limits.
type Config struct {
	Recorder Recorder
	// RootCA enables HTTPS interception. Without it CONNECT is a blind tunnel.
	RootCA     LeafIssuer
	Metrics    Metrics
	HTTPClient *http.Client

	MaxBodyBytes int64         // per request and response body; DefaultMaxBodyBytes when 0
	DialTimeout  time.Duration // CONNECT tunnels; DefaultDialTimeout when 0
	IdleTimeout  time.Duration // intercepted keep-alive connections; DefaultIdleTimeout when 0
}

type nopMetrics struct{}

func (nopMetrics) IncRequests()                    {}
func (nopMetrics) IncCaptured()                    {}
func (nopMetrics) IncCompleted()                   {}
func (nopMetrics) IncUpstreamErrors()              {}
func (nopMetrics) IncStorageErrors()               {}
func (nopMetrics) ObserveDuration(string, float64) {}
