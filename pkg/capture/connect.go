package capture

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpguts"
)

// bufferedConn is a net.Conn whose reads drain a bufio.Reader first.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) { return c.r.Read(b) }

func (p *Proxy) handleConnect(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	logger := log.Ctx(ctx).With().Str("host", host).Logger()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	var upstream net.Conn
	if p.cfg.RootCA == nil {
		var err error
		upstream, err = (&net.Dialer{Timeout: p.cfg.DialTimeout}).DialContext(ctx, "tcp", host)
		if err != nil {
			p.metrics.IncUpstreamErrors()
			logger.Error().Err(err).Msg("failed to dial CONNECT target")
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		logger.Error().Err(err).Msg("hijack failed")
		if upstream != nil {
			_ = upstream.Close()
		}
		return
	}
	client := &bufferedConn{Conn: conn, r: rw.Reader}
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = conn.Close()
		if upstream != nil {
			_ = upstream.Close()
		}
		return
	}

	if upstream != nil {
		p.tunnel(logger.WithContext(ctx), client, upstream)
		return
	}

	p.serveMITM(logger.WithContext(ctx), client, host)
}

// ServeConn relays a client stream that has already been routed to target
// (host:port) by a front-end such as a SOCKS server. TLS is intercepted when
// a root CA is configured, plain HTTP/1.1 is captured, and anything else is
// tunneled to target uncaptured. ServeConn closes conn.
func (p *Proxy) ServeConn(ctx context.Context, conn net.Conn, target string) {
	connID := uuid.Must(uuid.NewV7())
	ctx = context.WithValue(ctx, ConnectionIDKey{}, connID)
	logger := log.Logger.With().Str("connection_id", connID.String()).Str("host", target).Logger()
	ctx = logger.WithContext(ctx)

	br := bufio.NewReader(conn)
	client := &bufferedConn{Conn: conn, r: br}

	// server-first protocols send nothing; give up waiting and tunnel
	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.DialTimeout))
	kind, err := sniff(br)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		logger.Debug().Err(err).Msg("client closed before sending data")
		_ = conn.Close()
		return
	}

	switch {
	case kind == streamTLS && p.cfg.RootCA != nil:
		p.serveMITM(ctx, client, target)
	case kind == streamHTTP:
		defer func() { _ = conn.Close() }()
		p.serveLoop(ctx, client, br, "http", "", target)
	default:
		upstream, err := (&net.Dialer{Timeout: p.cfg.DialTimeout}).DialContext(ctx, "tcp", target)
		if err != nil {
			p.metrics.IncUpstreamErrors()
			logger.Error().Err(err).Msg("failed to dial tunnel target")
			_ = conn.Close()
			return
		}
		p.tunnel(ctx, client, upstream)
	}
}

type streamKind int

const (
	streamOther streamKind = iota
	streamTLS
	streamHTTP
)

const (
	// recordTypeHandshake is the first byte of a TLS ClientHello record.
	recordTypeHandshake = 0x16
	maxMethodLen        = 16
)

// sniff classifies a client stream by its first bytes without consuming
// them. A read deadline on the underlying conn bounds the wait; running into
// it classifies the stream as streamOther.
func sniff(br *bufio.Reader) (streamKind, error) {
	first, err := br.Peek(1)
	if isTimeout(err) {
		return streamOther, nil
	} else if err != nil {
		return streamOther, err
	} else if first[0] == recordTypeHandshake {
		return streamTLS, nil
	}

	for n := 2; n <= maxMethodLen+1; n++ {
		buf, err := br.Peek(n)
		if err != nil {
			return streamOther, nil
		} else if buf[n-1] != ' ' {
			continue
		}
		method := buf[:n-1]
		if httpguts.ValidHeaderFieldName(string(method)) && bytes.Equal(method, bytes.ToUpper(method)) {
			return streamHTTP, nil
		}
		return streamOther, nil
	}
	return streamOther, nil
}

func (p *Proxy) tunnel(ctx context.Context, client, upstream net.Conn) {
	start := time.Now()
	logger := log.Ctx(ctx)
	logger.Debug().Msg("tunneling without interception")
	if err := proxyCopy(client, upstream); err != nil {
		logger.Debug().Err(err).Msg("tunnel closed with error")
	}
	p.metrics.ObserveDuration(OutcomeTunnel, time.Since(start).Seconds())
}

// serveMITM terminates TLS on conn and relays every HTTP/1.1 request read
// from it until the client closes, asks to close, or goes idle.
func (p *Proxy) serveMITM(ctx context.Context, conn net.Conn, host string) {
	defer func() { _ = conn.Close() }()
	logger := log.Ctx(ctx)

	// prefer the ClientHello SNI; clients omit it when dialing an IP
	tlsConn := tls.Server(conn, &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := chi.ServerName
			if name == "" {
				name = host
			}
			cert, err := p.cfg.RootCA.Leaf(name)
			if err != nil {
				logger.Error().Err(err).Str("server_name", name).Msg("failed to issue leaf certificate")
			}
			return cert, err
		},
		NextProtos: []string{"http/1.1"},
	})
	_ = tlsConn.SetDeadline(time.Now().Add(p.cfg.DialTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		logger.Debug().Err(err).Msg("TLS handshake with client failed")
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	p.serveLoop(ctx, tlsConn, bufio.NewReader(tlsConn), "https", tlsConn.ConnectionState().ServerName, host)
}

// serveLoop relays HTTP/1.1 requests read from br, answering on conn, until
// the client closes, asks to close, or goes idle. The caller closes conn.
func (p *Proxy) serveLoop(ctx context.Context, conn net.Conn, br *bufio.Reader, scheme, serverName, host string) {
	logger := log.Ctx(ctx)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.IdleTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isTimeout(err) {
				logger.Debug().Err(err).Msg("failed to read intercepted request")
				writeStatus(conn, http.StatusBadRequest, "Bad Request")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if isUpgrade(req) {
			writeStatus(conn, http.StatusNotImplemented, "protocol upgrades are not supported")
			return
		}

		ex, err := p.exchange(ctx, req, interceptedURL(req, scheme, serverName, host))
		if err != nil {
			var pe *proxyError
			if errors.As(err, &pe) {
				writeStatus(conn, pe.status, pe.msg)
			}
			return
		}

		resp := ex.resp
		resp.Body = io.NopCloser(bytes.NewReader(ex.body))
		resp.TransferEncoding = nil
		resp.Close = req.Close
		resp.Request = req
		resp.ProtoMajor, resp.ProtoMinor = 1, 1
		if req.Method != http.MethodHead {
			resp.ContentLength = int64(len(ex.body))
			resp.Header.Del("Content-Length")
		}
		if err := resp.Write(conn); err != nil {
			logger.Debug().Err(err).Msg("failed to write intercepted response")
			return
		} else if req.Close {
			return
		}
	}
}

// interceptedURL rebuilds the absolute URL for a request read off an
// intercepted connection. The scheme's default port is dropped.
func interceptedURL(req *http.Request, scheme, serverName, connectHost string) *url.URL {
	target := *req.URL
	target.Scheme = scheme
	switch {
	case req.Host != "":
		target.Host = req.Host
	case serverName != "":
		target.Host = serverName
	default:
		target.Host = connectHost
	}
	if h, port, err := net.SplitHostPort(target.Host); err == nil &&
		(scheme == "https" && port == "443" || scheme == "http" && port == "80") {
		target.Host = h
	}
	return &target
}

// proxyCopy copies bidirectionally until either side finishes, then closes both.
func proxyCopy(a, b net.Conn) error {
	errc := make(chan error, 2)
	go func() { _, e := io.Copy(a, b); errc <- e }()
	go func() { _, e := io.Copy(b, a); errc <- e }()
	e1 := <-errc
	_ = a.Close()
	_ = b.Close()
	e2 := <-errc
	if e1 != nil && !errors.Is(e1, io.EOF) {
		return e1
	}
	if e2 != nil && !errors.Is(e2, io.EOF) && !errors.Is(e2, net.ErrClosed) {
		return e2
	}
	return nil
}

func writeStatus(w io.Writer, status int, msg string) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(msg), msg)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
