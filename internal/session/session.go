// Package session builds the HTTP session shared read-only by every crawl stage.
package session

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_11_3) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/48.0.2564.116 Safari/537.36"

// Config controls headers and connection reuse for the session.
type Config struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxIdleConns int
	// MaxBodyBytes caps response bodies read by Get; 0 means unlimited.
	MaxBodyBytes int64
}

// Session holds the headers and HTTP client used by all stages. It is never
// mutated after New returns; accessors hand out copies.
type Session struct {
	userAgent string
	headers   http.Header
	client    *http.Client
	maxBody   int64
}

// Response is a fully read HTTP response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the media type of the response without parameters.
func (r Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// New builds a Session.
func New(cfg Config) *Session {
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	headers := make(http.Header, len(cfg.Headers)+2)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	headers.Set("User-Agent", ua)
	if headers.Get("Accept-Encoding") == "" {
		headers.Set("Accept-Encoding", "gzip, br")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Session{
		userAgent: ua,
		headers:   headers,
		client: &http.Client{
			Timeout:   timeout,
			Transport: newHTTPTransport(cfg.MaxIdleConns),
		},
		maxBody: cfg.MaxBodyBytes,
	}
}

// UserAgent returns the configured user agent.
func (s *Session) UserAgent() string { return s.userAgent }

// Header returns a copy of the default request headers.
func (s *Session) Header() http.Header { return s.headers.Clone() }

// Client returns the shared HTTP client. Callers must not modify it.
func (s *Session) Client() *http.Client { return s.client }

// Transport returns the shared round tripper so other HTTP stacks can reuse connections.
func (s *Session) Transport() http.RoundTripper { return s.client.Transport }

// Timeout returns the per-request timeout.
func (s *Session) Timeout() time.Duration { return s.client.Timeout }

// NewRequest builds a request carrying the session headers plus extra.
func (s *Session) NewRequest(ctx context.Context, method, rawURL string, extra http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = s.Header()
	for key, values := range extra {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

// Get fetches rawURL and returns the decoded body.
func (s *Session) Get(ctx context.Context, rawURL string, extra http.Header) (Response, error) {
	req, err := s.NewRequest(ctx, http.MethodGet, rawURL, extra)
	if err != nil {
		return Response{}, err
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	raw, err := readLimited(resp.Body, s.maxBody)
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw, s.maxBody)
	if err != nil {
		return Response{}, err
	}
	return Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

// errBodyTooLarge is wrapped by reads that pass the configured cap.
var errBodyTooLarge = errors.New("body too large")

// readLimited reads r fully; limit > 0 fails once more than limit bytes arrive.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errBodyTooLarge, limit)
	}
	return out, nil
}

// decodeBody inflates compressed bodies; limit caps the decoded size too.
func decodeBody(encoding string, body []byte, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "br":
		out, err := readLimited(brotli.NewReader(bytes.NewReader(body)), limit)
		if err != nil {
			return nil, fmt.Errorf("decode brotli body: %w", err)
		}
		return out, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer zr.Close() //nolint:errcheck // in-memory reader
		out, err := readLimited(zr, limit)
		if err != nil {
			return nil, fmt.Errorf("decode gzip body: %w", err)
		}
		return out, nil
	default:
		return body, nil
	}
}

func newHTTPTransport(maxIdle int) *http.Transport {
	if maxIdle <= 0 {
		maxIdle = 100
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       90 * time.Second,
	}
}
