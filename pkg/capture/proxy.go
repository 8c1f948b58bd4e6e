// Package capture is an intercepting HTTP/HTTPS forward proxy that records
// every exchange it relays through a Recorder.
//
// Plain HTTP requests arrive in absolute form and are forwarded with an
// http.Client. CONNECT requests are TLS-terminated with a leaf certificate
// when a root CA is configured, and tunneled blind otherwise. ServeConn
// applies the same treatment to raw streams handed over by other front-ends.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-server/pkg/storage"
)

const (
	DefaultMaxBodyBytes = 32 << 20
	DefaultDialTimeout  = 15 * time.Second
	DefaultIdleTimeout  = 2 * time.Minute
)

var errBodyTooLarge = errors.New("body too large")

// Proxy is an http.Handler serving forward-proxy traffic.
type Proxy struct {
	cfg     Config
	client  *http.Client
	metrics Metrics
}

// New returns a Proxy. A nil cfg.HTTPClient gets a client that neither
// follows redirects nor transparently decompresses, so the recorded exchange
// is exactly what the origin sent.
func New(cfg Config) *Proxy {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	var client http.Client
	if cfg.HTTPClient != nil {
		client = *cfg.HTTPClient
	} else {
		client = http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
			},
		}
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	p := &Proxy{cfg: cfg, client: &client, metrics: cfg.Metrics}
	if p.metrics == nil {
		p.metrics = nopMetrics{}
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.Must(uuid.NewV7())
	ctx := context.WithValue(r.Context(), ConnectionIDKey{}, connID)
	ctx = log.Logger.With().Str("connection_id", connID.String()).Logger().WithContext(ctx)

	if r.Method == http.MethodConnect {
		p.handleConnect(ctx, w, r)
		return
	} else if !r.URL.IsAbs() {
		http.Error(w, "proxy requests must use an absolute URL", http.StatusBadRequest)
		return
	} else if isUpgrade(r) {
		http.Error(w, "protocol upgrades are not supported", http.StatusNotImplemented)
		return
	}

	ex, err := p.exchange(ctx, r, r.URL)
	if err != nil {
		var pe *proxyError
		if errors.As(err, &pe) {
			http.Error(w, pe.msg, pe.status)
		}
		return
	}

	for k, vv := range ex.resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if r.Method != http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(ex.body)))
	}
	w.WriteHeader(ex.resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(ex.body)
	}
}

// proxyError is an exchange failure to report to the client with status.
type proxyError struct {
	status int
	msg    string
	err    error
}

func (e *proxyError) Error() string { return fmt.Sprintf("%d %s: %v", e.status, e.msg, e.err) }
func (e *proxyError) Unwrap() error { return e.err }

type result struct {
	id       uuid.UUID
	captured bool
	resp     *http.Response // hop-by-hop headers removed, Body consumed
	body     []byte
}

// exchange forwards r to target and records both phases. The request is
// begun in the store before it is forwarded; an upstream failure leaves the
// record without a response. Storage failures are counted and logged but never
// fail the exchange.
func (p *Proxy) exchange(ctx context.Context, r *http.Request, target *url.URL) (*result, error) {
	start := time.Now()
	reqID := uuid.Must(uuid.NewV7())
	ctx = context.WithValue(ctx, RequestIDKey{}, reqID)
	logger := log.Ctx(ctx).With().Str("request_id", reqID.String()).Str("url", target.String()).Logger()
	ctx = logger.WithContext(ctx)

	p.metrics.IncRequests()

	reqBody, err := readBody(r.Body, p.cfg.MaxBodyBytes)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to read request body from client")
		if errors.Is(err, errBodyTooLarge) {
			return nil, &proxyError{status: http.StatusRequestEntityTooLarge, msg: "request body too large", err: err}
		}
		return nil, &proxyError{status: http.StatusBadRequest, msg: "bad request body", err: err}
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, &proxyError{status: http.StatusBadRequest, msg: "bad request target", err: err}
	}
	outReq.Header = r.Header.Clone()
	removeHopByHop(outReq.Header)
	outReq.Host = target.Host
	outReq.ContentLength = int64(len(reqBody))
	if len(reqBody) == 0 {
		outReq.Body = http.NoBody
	}

	ex := &result{}
	ex.id, ex.captured = p.begin(ctx, r, target, reqBody)

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.metrics.IncUpstreamErrors()
		p.metrics.ObserveDuration(OutcomeUpstreamError, time.Since(start).Seconds())
		logger.Error().Err(err).Msg("upstream request failed")
		return nil, &proxyError{status: http.StatusBadGateway, msg: http.StatusText(http.StatusBadGateway), err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	ex.body, err = readBody(resp.Body, p.cfg.MaxBodyBytes)
	if err != nil {
		p.metrics.IncUpstreamErrors()
		p.metrics.ObserveDuration(OutcomeUpstreamError, time.Since(start).Seconds())
		logger.Error().Err(err).Int("status", resp.StatusCode).Msg("failed to read upstream response body")
		return nil, &proxyError{status: http.StatusBadGateway, msg: http.StatusText(http.StatusBadGateway), err: err}
	}
	removeHopByHop(resp.Header)
	ex.resp = resp

	outcome := OutcomeUncaptured
	if ex.captured && p.complete(ctx, ex) {
		outcome = OutcomeCaptured
	}
	p.metrics.ObserveDuration(outcome, time.Since(start).Seconds())

	logger.Info().
		Str("method", r.Method).
		Int("status", resp.StatusCode).
		Int("size", len(ex.body)).
		Str("outcome", outcome).
		Dur("latency", time.Since(start)).
		Msg("proxied")
	return ex, nil
}

func (p *Proxy) begin(ctx context.Context, r *http.Request, target *url.URL, body []byte) (uuid.UUID, bool) {
	if p.cfg.Recorder == nil {
		return uuid.Nil, false
	}
	if len(body) == 0 {
		body = nil
	}
	rec := &storage.Request{
		Method:  r.Method,
		Path:    target.String(),
		Headers: headersFromRequest(r),
	}
	id, err := p.cfg.Recorder.BeginRecord(rec, body)
	if err != nil {
		p.metrics.IncStorageErrors()
		log.Ctx(ctx).Warn().Err(err).Msg("failed to record request")
		return uuid.Nil, false
	}
	p.metrics.IncCaptured()
	log.Ctx(ctx).Debug().Str("record_id", id.String()).Msg("request recorded")
	return id, true
}

func (p *Proxy) complete(ctx context.Context, ex *result) bool {
	resp := &storage.Response{
		StatusCode: ex.resp.StatusCode,
		Reason:     reasonPhrase(ex.resp),
		Headers:    HeadersFromHTTP(ex.resp.Header),
		ReceivedAt: time.Now(),
	}
	if err := p.cfg.Recorder.CompleteRecord(ex.id, resp, ex.body); err != nil {
		p.metrics.IncStorageErrors()
		log.Ctx(ctx).Warn().Err(err).Str("record_id", ex.id.String()).Msg("failed to record response")
		return false
	}
	p.metrics.IncCompleted()
	return true
}

// reasonPhrase returns the origin's reason phrase, falling back to the standard text.
func reasonPhrase(resp *http.Response) string {
	if reason, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok && reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	if r == nil || r == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	} else if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errBodyTooLarge, limit)
	}
	return data, nil
}
