package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// ProxyConfig tunes the upstream forwarder.
type ProxyConfig struct {
	// DefaultTimeout bounds an attempt on routes without their own.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// BaseBackoff and MaxBackoff shape the delay between attempts.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	// MaxResponseBytes caps how much of an upstream body is buffered.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// DefaultProxyConfig returns the production forwarding settings.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		DefaultTimeout:   10 * time.Second,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		MaxResponseBytes: 8 << 20,
	}
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// identityHeaders are stamped by the gateway and stripped from
// whatever the client sent.
var identityHeaders = []string{"X-User-Id", "X-Active-Role"}

// Proxy forwards buffered requests to backend instances with a capped
// exponential retry budget. Clients never observe an internal retry,
// only the final outcome.
type Proxy struct {
	cfg      ProxyConfig
	balancer *Balancer
	client   *http.Client
	logger   *slog.Logger
}

// NewProxy creates the forwarder.
func NewProxy(cfg ProxyConfig, balancer *Balancer) *Proxy {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 8 << 20
	}
	return &Proxy{
		cfg:      cfg,
		balancer: balancer,
		client:   &http.Client{},
		logger:   slog.Default().With("component", "gateway.proxy"),
	}
}

// Do forwards the request, retrying network failures and 5xx answers
// within the route's attempt budget. A 5xx on the final attempt is
// returned as a response, not an error; 4xx is never retried.
func (p *Proxy) Do(ctx context.Context, rt *Route, r *http.Request, body []byte, identity http.Header) (*upstreamResponse, error) {
	attempts := rt.Attempts()
	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay(attempt)):
			}
		}

		back, err := p.balancer.Pick(rt.Service)
		if err != nil {
			return nil, err
		}
		resp, err := p.attempt(ctx, timeout, rt, back, r, body, identity)
		back.Release()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			p.logger.Debug("Proxy attempt failed",
				"service", rt.Service, "backend", back.URL(), "attempt", attempt+1, "error", err)
			continue
		}
		if resp.Status >= 500 && attempt < attempts-1 {
			p.logger.Debug("Upstream returned 5xx, retrying",
				"service", rt.Service, "backend", back.URL(), "status", resp.Status, "attempt", attempt+1)
			lastErr = nil
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (p *Proxy) attempt(ctx context.Context, timeout time.Duration, rt *Route, back *Backend, r *http.Request, body []byte, identity http.Header) (*upstreamResponse, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := back.URL() + rt.ForwardPath(r.URL.Path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, r.Method, target, reader)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	for _, h := range identityHeaders {
		req.Header.Del(h)
	}
	for k, vs := range identity {
		req.Header[k] = vs
	}
	appendForwardedFor(req.Header, r)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxResponseBytes))
	if err != nil {
		return nil, err
	}
	out := &upstreamResponse{Status: resp.StatusCode, Header: make(http.Header), Body: data}
	copyHeaders(out.Header, resp.Header)
	return out, nil
}

// retryDelay doubles the base per retry, capped, plus up to half the
// delay in jitter so synchronized retries spread out.
func (p *Proxy) retryDelay(attempt int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			d = p.cfg.MaxBackoff
			break
		}
	}
	return d + rand.N(d/2+1)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func appendForwardedFor(h http.Header, r *http.Request) {
	ip := clientIP(r)
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+ip)
	} else {
		h.Set("X-Forwarded-For", ip)
	}
}

// clientIP is the direct peer address; forwarding headers are not
// trusted for identity.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
