package capture

import (
	"bufio"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/capture-server/internal/helpers"
)

func bufioReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func newTLSOrigin(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestProxyMITM(t *testing.T) {
	t.Parallel()

	origin := newTLSOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		_, _ = io.WriteString(w, "secret:"+r.URL.Path)
	})
	root := helpers.NewRootCA(t)
	store := helpers.NewStore(t)
	metrics := &helpers.CountingMetrics{}
	proxy := newProxy(t, Config{
		Recorder:   store,
		RootCA:     root,
		Metrics:    metrics,
		HTTPClient: origin.Client(),
	})
	// trusts only the interception root, not the origin's own certificate
	client := helpers.ProxyClient(t, proxy.URL, root.Pool())

	for _, p := range []string{"/one", "/two"} {
		resp, err := client.Get(origin.URL + p)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "secret:"+p, string(body))
		require.NotNil(t, resp.TLS)
		require.NotEmpty(t, resp.TLS.PeerCertificates)
		assert.NoError(t, resp.TLS.PeerCertificates[0].CheckSignatureFrom(root.Cert))
	}

	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	for i, p := range []string{"/one", "/two"} {
		assert.Equal(t, origin.URL+p, records[i].Path)
		require.NotNil(t, records[i].Response)
		assert.Equal(t, p, records[i].Response.Headers.Get("X-Path"))
		body, err := store.ResponseBody(records[i].ID)
		require.NoError(t, err)
		assert.Equal(t, "secret:"+p, string(body))
	}
	assert.Equal(t, int64(2), metrics.Completed.Load())
}

func TestProxyMITMUpstreamError(t *testing.T) {
	t.Parallel()

	root := helpers.NewRootCA(t)
	store := helpers.NewStore(t)
	proxy := newProxy(t, Config{Recorder: store, RootCA: root})
	client := helpers.ProxyClient(t, proxy.URL, root.Pool())

	resp, err := client.Get("https://" + helpers.ClosedAddr(t) + "/gone")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Response)
}

func TestProxyTunnel(t *testing.T) {
	t.Parallel()

	origin := newTLSOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tunneled")
	})
	store := helpers.NewStore(t)
	metrics := &helpers.CountingMetrics{}
	proxy := newProxy(t, Config{Recorder: store, Metrics: metrics})

	pool := x509.NewCertPool()
	pool.AddCert(origin.Certificate())
	client := helpers.ProxyClient(t, proxy.URL, pool)

	resp, err := client.Get(origin.URL + "/blind")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "tunneled", string(body))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int64(0), metrics.Requests.Load())

	client.CloseIdleConnections()
	assert.Eventually(t, func() bool {
		for _, o := range metrics.ObservedOutcomes() {
			if o == OutcomeTunnel {
				return true
			}
		}
		return false
	}, testTimeout, pollInterval)
}

func TestProxyTunnelDialFailure(t *testing.T) {
	t.Parallel()

	metrics := &helpers.CountingMetrics{}
	proxy := newProxy(t, Config{Metrics: metrics})
	client := helpers.ProxyClient(t, proxy.URL, nil)

	_, err := client.Get("https://" + helpers.ClosedAddr(t) + "/")
	require.Error(t, err)
	assert.Equal(t, int64(1), metrics.UpstreamErrors.Load())
}

func TestSniff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want streamKind
	}{
		{"GET / HTTP/1.1\r\n", streamHTTP},
		{"PROPFIND /dav HTTP/1.1\r\n", streamHTTP},
		{"\x16\x03\x01\x02\x00", streamTLS},
		{"get / HTTP/1.1\r\n", streamOther},
		{"SSH-2.0-OpenSSH_9.6\r\n", streamOther},
		{"GE", streamOther},
	}
	for _, tc := range cases {
		br := bufioReader(tc.in)
		kind, err := sniff(br)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, kind, tc.in)
		assert.Equal(t, len(tc.in), br.Buffered(), "sniff must not consume input")
	}

	_, err := sniff(bufioReader(""))
	require.ErrorIs(t, err, io.EOF)
}
