// Package helpers holds shared fixtures for package and integration tests.
package helpers

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/capture-server/pkg/ca"
	"github.com/jnovack/capture-server/pkg/storage"
)

// CountingMetrics satisfies capture.Metrics and records every call.
type CountingMetrics struct {
	Requests       atomic.Int64
	Captured       atomic.Int64
	Completed      atomic.Int64
	UpstreamErrors atomic.Int64
	StorageErrors  atomic.Int64

	mu       sync.Mutex
	Outcomes []string
}

func (m *CountingMetrics) IncRequests()       { m.Requests.Add(1) }
func (m *CountingMetrics) IncCaptured()       { m.Captured.Add(1) }
func (m *CountingMetrics) IncCompleted()      { m.Completed.Add(1) }
func (m *CountingMetrics) IncUpstreamErrors() { m.UpstreamErrors.Add(1) }
func (m *CountingMetrics) IncStorageErrors()  { m.StorageErrors.Add(1) }

func (m *CountingMetrics) ObserveDuration(outcome string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outcomes = append(m.Outcomes, outcome)
}

// ObservedOutcomes returns a copy of the outcomes seen so far.
func (m *CountingMetrics) ObservedOutcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Outcomes...)
}

// NewStore opens a store under a test temp dir and closes it on cleanup.
func NewStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(t.TempDir(), storage.WithLogger(zerolog.Nop()))
	require.NoError(t, err, "open store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewRootCA generates a throwaway root CA.
func NewRootCA(t *testing.T) *ca.RootCA {
	t.Helper()
	root, err := ca.GenerateRoot(pkix.Name{CommonName: "Test Root CA"})
	require.NoError(t, err, "generate root CA")
	return root
}

// ProxyClient returns a client that sends everything through proxyURL,
// trusts roots for HTTPS (system roots when nil) and never follows redirects.
func ProxyClient(t *testing.T, proxyURL string, roots *x509.CertPool) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	require.NoError(t, err, "parse proxy url")
	tr := &http.Transport{
		Proxy:              http.ProxyURL(u),
		TLSClientConfig:    &tls.Config{RootCAs: roots},
		DisableCompression: true,
	}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{
		Transport:     tr,
		Timeout:       10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

// ClosedAddr returns a loopback address nothing is listening on.
func ClosedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
