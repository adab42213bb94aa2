package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"
)

// RequestOption customizes a single logical request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	header  http.Header
	body    []byte
	rangeKB int
	noHedge bool
	err     error
}

func newRequestOptions(opts []RequestOption) (*requestOptions, error) {
	ro := &requestOptions{header: make(http.Header)}
	for _, opt := range opts {
		opt(ro)
	}
	if ro.err != nil {
		return nil, ro.err
	}
	return ro, nil
}

func (ro *requestOptions) clone() *requestOptions {
	cp := *ro
	cp.header = ro.header.Clone()
	return &cp
}

// WithHeader sets a request header, replacing any previous value.
func WithHeader(key, value string) RequestOption {
	return func(ro *requestOptions) {
		ro.header.Set(key, value)
	}
}

// WithHeaders adds every value in h to the request headers.
func WithHeaders(h http.Header) RequestOption {
	return func(ro *requestOptions) {
		for k, vs := range h {
			for _, v := range vs {
				ro.header.Add(k, v)
			}
		}
	}
}

// WithBody sets the request payload. The bytes are replayed on every
// physical attempt.
func WithBody(body []byte, contentType string) RequestOption {
	return func(ro *requestOptions) {
		ro.body = body
		if contentType != "" {
			ro.header.Set("Content-Type", contentType)
		}
	}
}

// WithJSONBody marshals v as the request payload.
func WithJSONBody(v any) RequestOption {
	return func(ro *requestOptions) {
		body, err := json.Marshal(v)
		if err != nil {
			ro.err = fmt.Errorf("httpclient: encode json body: %w", err)
			return
		}
		ro.body = body
		ro.header.Set("Content-Type", "application/json")
	}
}

// WithRangeKB asks for only the first kb kilobytes of a GET. A server that
// ignores the range (200) or rejects it (416) gets one more, full GET.
func WithRangeKB(kb int) RequestOption {
	return func(ro *requestOptions) {
		ro.rangeKB = kb
	}
}

// WithoutHedge disables hedging for this request.
func WithoutHedge() RequestOption {
	return func(ro *requestOptions) {
		ro.noHedge = true
	}
}

// requestTemplate is the immutable description of a logical request from
// which each physical attempt is built.
type requestTemplate struct {
	method string
	url    *url.URL
	header http.Header
	body   []byte
}

func newRequestTemplate(method, rawURL string, ro *requestOptions) (*requestTemplate, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("httpclient: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpclient: unsupported scheme %q in %s", u.Scheme, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("httpclient: missing host in %s", rawURL)
	}
	return &requestTemplate{
		method: method,
		url:    u,
		header: ro.header.Clone(),
		body:   ro.body,
	}, nil
}

// host is the key of the per-host state: host[:port] as written in the URL.
func (t *requestTemplate) host() string {
	return t.url.Host
}

// build creates the http.Request for one attempt.
func (t *requestTemplate) build(
	ctx context.Context,
	userAgent string,
	interceptors []RequestInterceptor,
) (*http.Request, error) {
	var body io.Reader
	if len(t.body) > 0 {
		body = bytes.NewReader(t.body)
	}

	req, err := http.NewRequestWithContext(ctx, t.method, t.url.String(), body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}

	req.Header = t.header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Header.Get("User-Agent") == "" && userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	for _, interceptor := range interceptors {
		if err := interceptor(req); err != nil {
			return nil, fmt.Errorf("httpclient: request interceptor: %w", err)
		}
	}

	return req, nil
}
