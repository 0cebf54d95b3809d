// Package tustransport provides a net/http-based reference implementation
// of the resumux Transport capability, and an OAuth2-authenticating
// wrapper around it.
package tustransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aleksikoho/resumux"
)

const defaultUserAgent = "resumux/0.1"

// HTTPTransport is the reference resumux.Transport built on net/http.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger

	// authorize, when set, is applied to each request inside Send, just
	// before it is dispatched — the seam NewOAuth2 installs into.
	authorize func(ctx context.Context, req *http.Request) error
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient overrides the underlying *http.Client. Defaults to
// http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// WithUserAgent overrides the User-Agent header value.
func WithUserAgent(ua string) Option {
	return func(t *HTTPTransport) { t.userAgent = ua }
}

// WithLogger overrides the logger. A nil logger falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) { t.logger = logger }
}

// New builds an HTTPTransport.
func New(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		client:    http.DefaultClient,
		userAgent: defaultUserAgent,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = slog.Default()
	}

	return t
}

// NewRequest implements resumux.Transport.
func (t *HTTPTransport) NewRequest(method, url string) (resumux.Request, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("tustransport: building request: %w", err)
	}

	req.Header.Set("User-Agent", t.userAgent)

	return &httpRequest{
		transport: t,
		req:       req,
	}, nil
}

// httpRequest adapts *http.Request/*http.Response to resumux.Request/
// resumux.Response.
type httpRequest struct {
	transport *HTTPTransport
	req       *http.Request

	mu       sync.Mutex
	progress func(sent int64)
	cancel   context.CancelFunc
	aborted  bool
}

func (r *httpRequest) Method() string { return r.req.Method }
func (r *httpRequest) URL() string    { return r.req.URL.String() }

func (r *httpRequest) SetHeader(key, value string) { r.req.Header.Set(key, value) }
func (r *httpRequest) Header(key string) string    { return r.req.Header.Get(key) }

func (r *httpRequest) SetProgressHandler(fn func(sent int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.progress = fn
}

func (r *httpRequest) Underlying() any { return r.req }

func (r *httpRequest) Send(ctx context.Context, body io.Reader) (resumux.Response, error) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	progress := r.progress
	aborted := r.aborted
	r.mu.Unlock()

	defer cancel()

	// An Abort that arrived before Send installed cancel still takes effect.
	if aborted {
		cancel()
	}

	req := r.req.WithContext(ctx)

	if body != nil {
		req.Body = io.NopCloser(newCountingReader(body, progress))
	}

	if r.transport.authorize != nil {
		if err := r.transport.authorize(ctx, req); err != nil {
			return nil, fmt.Errorf("tustransport: authorizing request: %w", err)
		}
	}

	resp, err := r.transport.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tustransport: reading response body: %w", err)
	}

	return &httpResponse{resp: resp, body: string(data)}, nil
}

func (r *httpRequest) Abort() {
	r.mu.Lock()
	r.aborted = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// httpResponse adapts *http.Response to resumux.Response.
type httpResponse struct {
	resp *http.Response
	body string
}

func (r *httpResponse) StatusCode() int          { return r.resp.StatusCode }
func (r *httpResponse) Header(key string) string { return r.resp.Header.Get(key) }
func (r *httpResponse) Body() string             { return r.body }
func (r *httpResponse) Underlying() any          { return r.resp }

// countingReader reports cumulative bytes read through progress, mirroring
// the driver's expectation of SetProgressHandler semantics (cumulative,
// not delta).
type countingReader struct {
	io.Reader
	read     int64
	progress func(sent int64)
}

func newCountingReader(r io.Reader, progress func(sent int64)) *countingReader {
	return &countingReader{Reader: r, progress: progress}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	if n > 0 {
		c.read += int64(n)
		if c.progress != nil {
			c.progress(c.read)
		}
	}

	return n, err
}
