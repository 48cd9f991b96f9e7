package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	fedingest "github.com/umipu/fedingest"
)

const (
	// DefaultTimeout bounds a single outbound fetch.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent identifies this instance to remote origins.
	DefaultUserAgent = "fedingest/1.0"

	// maxDocumentSize caps the bytes read from a remote document.
	maxDocumentSize = 1 << 20

	acceptActivityJSON = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// RequestHook mutates an outbound request before it is sent. The HTTP
// signature layer plugs in here.
type RequestHook func(req *http.Request) error

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	hook      RequestHook
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.client.Timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(c *HTTPClient) {
		c.userAgent = ua
	}
}

// WithRequestHook sets a hook run on every outbound request, e.g. to attach
// HTTP signatures.
func WithRequestHook(hook RequestHook) HTTPOption {
	return func(c *HTTPClient) {
		c.hook = hook
	}
}

// NewHTTPClient creates an HTTP fetch client.
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchObject retrieves and decodes the document at uri.
func (c *HTTPClient) FetchObject(ctx context.Context, uri string) (*fedingest.Document, []byte, error) {
	raw, err := c.get(ctx, uri)
	if err != nil {
		return nil, nil, err
	}

	var doc fedingest.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, &fedingest.MalformedReferenceError{Value: uri, Err: err}
	}
	return &doc, raw, nil
}

func (c *HTTPClient) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &fedingest.MalformedReferenceError{Value: uri, Err: err}
	}

	req.Header.Set("Accept", acceptActivityJSON)
	req.Header.Set("User-Agent", c.userAgent)
	if c.hook != nil {
		if err := c.hook(req); err != nil {
			return nil, fmt.Errorf("preparing request: %w", err)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URI: uri, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return raw, nil
}
