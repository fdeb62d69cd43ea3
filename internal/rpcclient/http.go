package rpcclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPClient implements Client over net/http. It is the production
// implementation of the RPC-client capability; internal/faketask
// exercises the same Client interface from a fake worker for tests.
type HTTPClient struct {
	mu      sync.RWMutex
	closed  bool
	inner   *http.Client
}

// NewHTTPClient builds an HTTPClient whose transport closes idle
// keep-alive connections after idleConnTimeout. It sets no per-request
// timeout; callers bound each request through the ctx they pass to Do,
// since on long-poll requests the server-side hold is the real timeout.
func NewHTTPClient(idleConnTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		inner: &http.Client{
			Transport: &http.Transport{
				IdleConnTimeout: idleConnTimeout,
			},
		},
	}
}

func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClientClosed
	}
	client := c.inner
	c.mu.RUnlock()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		// A Do error after Close raced with an in-flight request is
		// still reported as ErrClientClosed so callers classify it
		// identically to a pre-flight refusal.
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return nil, ErrClientClosed
		}
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}, nil
}

func (c *HTTPClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	client := c.inner
	c.mu.Unlock()

	if transport, ok := client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
