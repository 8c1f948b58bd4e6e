package capture

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/capture-server/pkg/storage"
)

const (
	testTimeout  = 2 * time.Second
	pollInterval = 10 * time.Millisecond
)

func TestRemoveHopByHop(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Internal")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("X-Internal", "secret")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Proxy-Connection", "keep-alive")
	h.Set("Content-Type", "text/plain")
	h["te"] = []string{"trailers"}

	removeHopByHop(h)
	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}

func TestIsUpgrade(t *testing.T) {
	t.Parallel()

	r, err := http.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	require.NoError(t, err)
	assert.False(t, isUpgrade(r))
	r.Header.Set("Connection", "keep-alive, Upgrade")
	assert.True(t, isUpgrade(r))
}

func TestHeadersFromHTTP(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Add("X-B", "1")
	h.Add("Accept", "text/html")
	h.Add("X-B", "2")

	assert.Equal(t, storage.Headers{
		{Name: "Accept", Value: "text/html"},
		{Name: "X-B", Value: "1"},
		{Name: "X-B", Value: "2"},
	}, HeadersFromHTTP(h))
	assert.Empty(t, HeadersFromHTTP(nil))

	r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	r.Header = h
	hdrs := headersFromRequest(r)
	require.Len(t, hdrs, 4)
	assert.Equal(t, storage.Header{Name: "Host", Value: "example.com"}, hdrs[0])
}

func TestDecodeBody(t *testing.T) {
	t.Parallel()

	plain := bytes.Repeat([]byte("captured body "), 64)

	gz := func(b []byte) []byte {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, _ = w.Write(b)
		require.NoError(t, w.Close())
		return buf.Bytes()
	}
	zl := func(b []byte) []byte {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, _ = w.Write(b)
		require.NoError(t, w.Close())
		return buf.Bytes()
	}
	raw := func(b []byte) []byte {
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		_, _ = w.Write(b)
		require.NoError(t, w.Close())
		return buf.Bytes()
	}
	zs := func(b []byte) []byte {
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		defer func() { _ = enc.Close() }()
		return enc.EncodeAll(b, nil)
	}

	cases := []struct {
		name     string
		body     []byte
		encoding string
	}{
		{"identity", plain, ""},
		{"identity_explicit", plain, "identity"},
		{"gzip", gz(plain), "gzip"},
		{"deflate_zlib", zl(plain), "deflate"},
		{"deflate_raw", raw(plain), "Deflate"},
		{"zstd", zs(plain), "zstd"},
		{"stacked", zs(gz(plain)), "gzip, zstd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := DecodeBody(tc.body, tc.encoding)
			require.NoError(t, err)
			assert.Equal(t, plain, out)
		})
	}

	_, err := DecodeBody(plain, "br")
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
	_, err = DecodeBody([]byte("not gzip"), "gzip")
	require.Error(t, err)
}
