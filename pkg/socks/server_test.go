package socks

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/capture-server/internal/helpers"
	"github.com/jnovack/capture-server/pkg/capture"
)

func startServer(t *testing.T, cfg capture.Config) *Server {
	t.Helper()
	s := &Server{Addr: "127.0.0.1:0", Proxy: capture.New(cfg)}
	require.NoError(t, s.Start(), "start socks")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// socks5Connect performs the no-auth handshake and a CONNECT, returning the
// connection and the reply code.
func socks5Connect(t *testing.T, proxyAddr string, cmd byte, host string, port uint16) (net.Conn, byte) {
	t.Helper()

	c, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err, "dial proxy")
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	// greeting
	_, err = c.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	var sel [2]byte
	_, err = io.ReadFull(c, sel[:])
	require.NoError(t, err)
	require.Equal(t, [2]byte{0x05, 0x00}, sel)

	// request
	req := []byte{0x05, cmd, 0x00}
	if ip := net.ParseIP(host).To4(); ip != nil {
		req = append(req, atypIPv4)
		req = append(req, ip...)
	} else {
		req = append(req, atypDomain, byte(len(host)))
		req = append(req, host...)
	}
	req = binary.BigEndian.AppendUint16(req, port)
	_, err = c.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err, "read reply")
	_ = c.SetDeadline(time.Time{})
	return c, reply[1]
}

func splitHostPort(t *testing.T, rawURL string) (string, uint16) {
	t.Helper()
	hostPort := rawURL[strings.Index(rawURL, "://")+3:]
	host, portStr, err := net.SplitHostPort(hostPort)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, uint16(port)
}

func TestSOCKSHTTPCaptured(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello")
	}))
	t.Cleanup(origin.Close)
	_, port := splitHostPort(t, origin.URL)

	for _, tc := range []struct{ name, host string }{
		{"domain_atyp", "localhost"},
		{"ipv4_atyp", "127.0.0.1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := helpers.NewStore(t)
			s := startServer(t, capture.Config{Recorder: store})

			conn, rep := socks5Connect(t, s.ListenAddr().String(), cmdConnect, tc.host, port)
			require.Equal(t, byte(repSuccess), rep)

			hostPort := strings.TrimPrefix(origin.URL, "http://")
			_, err := io.WriteString(conn, "GET /g HTTP/1.1\r\nHost: "+hostPort+"\r\nConnection: close\r\n\r\n")
			require.NoError(t, err)
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			assert.Equal(t, "hello", string(body))

			records, err := store.LoadAll()
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, origin.URL+"/g", records[0].Path)
			require.NotNil(t, records[0].Response)
			assert.Equal(t, http.StatusOK, records[0].Response.StatusCode)
		})
	}
}

func TestSOCKSMITM(t *testing.T) {
	t.Parallel()

	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure:"+r.URL.Path)
	}))
	t.Cleanup(origin.Close)
	host, port := splitHostPort(t, origin.URL)

	root := helpers.NewRootCA(t)
	store := helpers.NewStore(t)
	s := startServer(t, capture.Config{Recorder: store, RootCA: root, HTTPClient: origin.Client()})

	conn, rep := socks5Connect(t, s.ListenAddr().String(), cmdConnect, host, port)
	require.Equal(t, byte(repSuccess), rep)

	tlsConn := tls.Client(conn, &tls.Config{RootCAs: root.Pool(), ServerName: host})
	require.NoError(t, tlsConn.Handshake(), "client should trust the interception root")

	_, err := io.WriteString(tlsConn, "GET /s HTTP/1.1\r\nHost: "+net.JoinHostPort(host, strconv.Itoa(int(port)))+"\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "secure:/s", string(body))

	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, origin.URL+"/s", records[0].Path)
}

func TestSOCKSTunnelServerFirst(t *testing.T) {
	t.Parallel()

	// a server that speaks first is never parsed as HTTP
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.WriteString(c, "220 ready\r\n")
		_ = c.Close()
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	store := helpers.NewStore(t)
	metrics := &helpers.CountingMetrics{}
	s := startServer(t, capture.Config{Recorder: store, Metrics: metrics, DialTimeout: 100 * time.Millisecond})

	conn, rep := socks5Connect(t, s.ListenAddr().String(), cmdConnect, host, uint16(port))
	require.Equal(t, byte(repSuccess), rep)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "220 ready\r\n", line)
	assert.Equal(t, 0, store.Len())

	assert.Eventually(t, func() bool {
		return len(metrics.ObservedOutcomes()) == 1 && metrics.ObservedOutcomes()[0] == capture.OutcomeTunnel
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSOCKSUnsupportedCommand(t *testing.T) {
	t.Parallel()

	s := startServer(t, capture.Config{})
	_, rep := socks5Connect(t, s.ListenAddr().String(), 0x02, "127.0.0.1", 80) // BIND
	assert.Equal(t, byte(repCommandNotSupported), rep)
}

func TestHandshakeNoAcceptableMethod(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	_, err := handshake(bufio.NewReader(strings.NewReader("\x05\x01\x02")), &out)
	require.ErrorIs(t, err, errUnsupported)
	assert.Equal(t, "\x05\xff", out.String())

	_, err = handshake(bufio.NewReader(strings.NewReader("\x04\x01\x00")), &out)
	require.ErrorIs(t, err, errUnsupported)
}
