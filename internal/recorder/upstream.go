package recorder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/reqreplay/internal/logger"
)

// ErrUpstreamClosed indicates the upstream has been shut down.
var ErrUpstreamClosed = errors.New("upstream is closed")

// UpstreamOptions transport settings for the backend connection
type UpstreamOptions struct {
	Timeout               time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	TLSInsecureSkipVerify bool
	// HeaderBlacklist lists request headers that are never passed on
	HeaderBlacklist []string
}

// Upstream sends proxied requests to the backend under recording
type Upstream struct {
	client    *http.Client
	logger    logger.Logger
	base      *url.URL
	blacklist map[string]bool

	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	activeCalls int
}

// NewUpstream creates an upstream for baseURL
func NewUpstream(log logger.Logger, baseURL string, opts UpstreamOptions) (*Upstream, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme %q", base.Scheme)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, 20),
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(opts.ResponseHeaderTimeout, 120*time.Second),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}

	blacklist := make(map[string]bool, len(opts.HeaderBlacklist))
	for _, h := range opts.HeaderBlacklist {
		if h = strings.TrimSpace(h); h != "" {
			blacklist[strings.ToLower(h)] = true
		}
	}
	if log == nil {
		log = logger.Nop()
	}

	u := &Upstream{
		client:    &http.Client{Transport: transport, Timeout: opts.Timeout},
		logger:    log,
		base:      base,
		blacklist: blacklist,
	}
	u.cond = sync.NewCond(&u.mu)
	return u, nil
}

// URL resolves a proxied path and raw query against the backend base
func (u *Upstream) URL(path, rawQuery string) string {
	target := *u.base
	target.Path = u.base.Path + strings.TrimLeft(path, "/")
	target.RawPath = ""
	target.RawQuery = rawQuery
	return target.String()
}

// Do forwards r with body to the backend. The caller closes the response body.
func (u *Upstream) Do(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, ErrUpstreamClosed
	}
	u.activeCalls++
	u.mu.Unlock()
	defer u.done()

	target := u.URL(r.URL.Path, r.URL.RawQuery)
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	for key, values := range r.Header {
		if !u.shouldForwardHeader(key) {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("X-Forwarded-For", clientIP(r))
	req.Header.Set("X-Forwarded-Proto", "http")
	req.Header.Set("X-Forwarded-Host", r.Host)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (u *Upstream) done() {
	u.mu.Lock()
	u.activeCalls--
	if u.activeCalls == 0 {
		u.cond.Broadcast()
	}
	u.mu.Unlock()
}

// shouldForwardHeader determines if specified header should be forwarded
func (u *Upstream) shouldForwardHeader(key string) bool {
	lowerKey := strings.ToLower(key)
	if u.blacklist[lowerKey] {
		return false
	}
	switch lowerKey {
	case "authorization", "apikey", "cookie":
		u.logger.Debug("Forwarding sensitive header", "header", key)
	}
	return true
}

// Close waits for in-flight calls and drops idle connections
func (u *Upstream) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	for u.activeCalls > 0 {
		u.cond.Wait()
	}
	u.mu.Unlock()

	if transport, ok := u.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
