// Package upstream forwards intercepted calls to the real model providers. It
// owns the provider table, auth header shaping and retry behavior; it never
// inspects payloads.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/agentguard/agentguard/internal/pkg/safehttp"
)

// Request is the provider-agnostic outbound call.
type Request struct {
	Provider string
	Method   string
	// Path is the provider-relative endpoint path, e.g. "/v1/chat/completions".
	Path   string
	Header http.Header
	Body   []byte
}

// Response is the upstream's reply. Body is the live upstream stream; the
// caller owns closing it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// TransportError marks failures where no upstream response exists at all, as
// opposed to an upstream that answered with a non-2xx status.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s unreachable: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrUnknownProvider is returned for providers absent from the table.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Provider)
}

// Forwarder sends a prepared request to its provider.
type Forwarder interface {
	Forward(ctx context.Context, req *Request) (*Response, error)
}

type providerSpec struct {
	baseURL string
	auth    func(h http.Header, key string)
}

const anthropicVersion = "2023-06-01"

var providers = map[string]providerSpec{
	"openai": {
		baseURL: "https://api.openai.com",
		auth: func(h http.Header, key string) {
			h.Set("Authorization", "Bearer "+key)
		},
	},
	"anthropic": {
		baseURL: "https://api.anthropic.com",
		auth: func(h http.Header, key string) {
			h.Set("x-api-key", key)
			h.Set("anthropic-version", anthropicVersion)
		},
	},
	// Groq speaks the OpenAI wire format under /openai.
	"groq": {
		baseURL: "https://api.groq.com/openai",
		auth: func(h http.Header, key string) {
			h.Set("Authorization", "Bearer "+key)
		},
	},
}

// Providers returns the known provider names, sorted.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// hop-by-hop headers per RFC 9110 §7.6.1, never forwarded.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// dropOnForward extends the hop-by-hop set with headers the proxy owns:
// caller credentials and identity never reach the provider.
var dropOnForward = append([]string{
	"Authorization",
	"X-Api-Key",
	"X-Agent-Id",
	"Host",
	"Content-Length",
	"Accept-Encoding",
}, hopByHop...)

// Option configures the forwarder.
type Option func(*HTTPForwarder)

// WithHTTPClient overrides the outbound client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *HTTPForwarder) { f.client = client }
}

// WithBaseURL overrides one provider's base URL, for self-hosted gateways and
// tests.
func WithBaseURL(provider, baseURL string) Option {
	return func(f *HTTPForwarder) {
		f.baseURLs[provider] = strings.TrimSuffix(baseURL, "/")
	}
}

// WithSafeTransport routes outbound dials through the private-range guard.
func WithSafeTransport() Option {
	return func(f *HTTPForwarder) {
		f.client = &http.Client{Transport: safehttp.SafeTransport, Timeout: f.client.Timeout}
	}
}

// WithMaxRetries bounds retry attempts on transport errors and 5xx replies.
func WithMaxRetries(n int) Option {
	return func(f *HTTPForwarder) { f.maxRetries = n }
}

// WithRetryBackoff sets the initial backoff, doubled per attempt.
func WithRetryBackoff(d time.Duration) Option {
	return func(f *HTTPForwarder) { f.backoff = d }
}

// HTTPForwarder implements Forwarder over net/http.
type HTTPForwarder struct {
	keys       map[string]string
	baseURLs   map[string]string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
}

var _ Forwarder = (*HTTPForwarder)(nil)

// New builds a forwarder. keys maps provider name to API key; a provider
// without a key is still forwardable when the deployment handles auth at the
// network edge.
func New(keys map[string]string, opts ...Option) *HTTPForwarder {
	f := &HTTPForwarder{
		keys:       keys,
		baseURLs:   make(map[string]string),
		client:     &http.Client{},
		maxRetries: 2,
		backoff:    200 * time.Millisecond,
	}
	for name, spec := range providers {
		f.baseURLs[name] = spec.baseURL
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward sends the request, retrying transport errors and 5xx replies with
// exponential backoff. Once a response body has been handed back no retry
// ever happens; the retry loop only sees responses it fully discards.
func (f *HTTPForwarder) Forward(ctx context.Context, req *Request) (*Response, error) {
	spec, ok := providers[req.Provider]
	if !ok {
		return nil, &UnknownProviderError{Provider: req.Provider}
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &TransportError{Provider: req.Provider, Err: ctx.Err()}
			}
		}

		resp, err := f.send(ctx, req, spec)
		if err != nil {
			// Deadline and cancellation are final; backing off past a
			// deadline only delays the timeout record.
			if ctx.Err() != nil {
				return nil, &TransportError{Provider: req.Provider, Err: ctx.Err()}
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 && attempt < f.maxRetries {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			continue
		}

		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
	}

	return nil, &TransportError{Provider: req.Provider, Err: lastErr}
}

func (f *HTTPForwarder) send(ctx context.Context, req *Request, spec providerSpec) (*http.Response, error) {
	url := f.baseURLs[req.Provider] + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	copyForwardableHeaders(httpReq.Header, req.Header)
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if key := f.keys[req.Provider]; key != "" {
		spec.auth(httpReq.Header, key)
	}

	return f.client.Do(httpReq)
}

func copyForwardableHeaders(dst, src http.Header) {
	for name, values := range src {
		if dropHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	// Headers named in the Connection header are hop-by-hop too.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dst.Del(strings.TrimSpace(name))
		}
	}
}

func dropHeader(name string) bool {
	for _, h := range dropOnForward {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
