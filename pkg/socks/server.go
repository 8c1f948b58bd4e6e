// Package socks is a SOCKS5 front-end (no auth, CONNECT only) for the capture
// proxy. After the handshake every client stream is handed to
// capture.Proxy.ServeConn, so traffic from SOCKS-only clients is captured the
// same way as traffic sent to the HTTP proxy.
package socks

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	socksVersion = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xff

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess             = 0x00
	repCommandNotSupported = 0x07
	repAddrNotSupported    = 0x08

	handshakeTimeout = 30 * time.Second
)

var errUnsupported = errors.New("unsupported socks request")

// ConnServer serves a client stream already routed to target. *capture.Proxy implements it.
type ConnServer interface {
	ServeConn(ctx context.Context, conn net.Conn, target string)
}

// Server is a SOCKS5 listener feeding a ConnServer.
type Server struct {
	Addr  string
	Proxy ConnServer

	ln           net.Listener
	done         chan struct{}
	shutdownOnce sync.Once
}

// Start begins listening and serving until Close is called or the listener fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})

	go s.acceptLoop()
	log.Info().Str("addr", ln.Addr().String()).Msg("socks server started")
	return nil
}

// ListenAddr returns the bound address, or nil before Start.
func (s *Server) ListenAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener. Connections already handed off run to completion.
func (s *Server) Close() error {
	s.shutdownOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			}
			log.Warn().Err(err).Msg("accept error, retrying")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	br := bufio.NewReader(conn)

	target, err := handshake(br, conn)
	if err != nil {
		log.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("socks handshake failed")
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug().Str("client", conn.RemoteAddr().String()).Str("target", target).Msg("socks connect")
	s.Proxy.ServeConn(context.Background(), &readerConn{Conn: conn, r: br}, target)
}

// handshake runs method negotiation and reads a CONNECT request, replying on
// w. It returns the requested host:port.
func handshake(br *bufio.Reader, w io.Writer) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return "", err
	} else if hdr[0] != socksVersion {
		return "", fmt.Errorf("%w: version %d", errUnsupported, hdr[0])
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(br, methods); err != nil {
		return "", err
	}
	if !slices.Contains(methods, methodNoAuth) {
		_, _ = w.Write([]byte{socksVersion, methodNoAcceptable})
		return "", fmt.Errorf("%w: no acceptable auth method", errUnsupported)
	}
	if _, err := w.Write([]byte{socksVersion, methodNoAuth}); err != nil {
		return "", err
	}

	var req [4]byte // VER CMD RSV ATYP
	if _, err := io.ReadFull(br, req[:]); err != nil {
		return "", err
	} else if req[0] != socksVersion {
		return "", fmt.Errorf("%w: version %d", errUnsupported, req[0])
	}

	var host string
	switch req[3] {
	case atypIPv4, atypIPv6:
		size := net.IPv4len
		if req[3] == atypIPv6 {
			size = net.IPv6len
		}
		addr := make([]byte, size)
		if _, err := io.ReadFull(br, addr); err != nil {
			return "", err
		}
		host = net.IP(addr).String()
	case atypDomain:
		l, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		name := make([]byte, int(l))
		if _, err := io.ReadFull(br, name); err != nil {
			return "", err
		}
		host = string(name)
	default:
		_ = writeReply(w, repAddrNotSupported)
		return "", fmt.Errorf("%w: address type %d", errUnsupported, req[3])
	}

	var port uint16
	if err := binary.Read(br, binary.BigEndian, &port); err != nil {
		return "", err
	}

	if req[1] != cmdConnect {
		_ = writeReply(w, repCommandNotSupported)
		return "", fmt.Errorf("%w: command %d", errUnsupported, req[1])
	}
	if err := writeReply(w, repSuccess); err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func writeReply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{socksVersion, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// readerConn is a net.Conn whose reads drain the handshake reader first.
type readerConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *readerConn) Read(b []byte) (int, error) { return c.r.Read(b) }
