package httpclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// GenerateCoalesceKey creates a unique key for request deduplication.
// Key = SHA256(method + URL + sorted query params + sorted headers + body hash)
//
// Headers are part of the key because probes often differ only in an
// injected header.
func GenerateCoalesceKey(method, rawURL string, header http.Header, body []byte) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return hashString(method + rawURL + canonicalHeader(header) + string(body))
	}

	// Sort query parameters for consistent key generation
	queryParams := parsedURL.Query()
	var sortedParams []string
	for key := range queryParams {
		values := queryParams[key]
		sort.Strings(values)
		for _, v := range values {
			sortedParams = append(sortedParams, key+"="+v)
		}
	}
	sort.Strings(sortedParams)

	normalizedURL := fmt.Sprintf("%s://%s%s", parsedURL.Scheme, parsedURL.Host, parsedURL.Path)

	keyParts := []string{
		method,
		normalizedURL,
		strings.Join(sortedParams, "&"),
		canonicalHeader(header),
	}

	if len(body) > 0 {
		bodyHash := sha256.Sum256(body)
		keyParts = append(keyParts, hex.EncodeToString(bodyHash[:]))
	}

	return hashString(strings.Join(keyParts, "|"))
}

// canonicalHeader renders header with sorted keys and values.
func canonicalHeader(header http.Header) string {
	if len(header) == 0 {
		return ""
	}
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, http.CanonicalHeaderKey(k))
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		values := append([]string(nil), header.Values(k)...)
		sort.Strings(values)
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(strings.Join(values, ","))
		sb.WriteByte(';')
	}
	return sb.String()
}

// hashString creates a SHA256 hash of the input string.
func hashString(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}

// execute runs the logical request, collapsing identical concurrent GETs
// into one when coalescing is enabled.
//
// The shared request runs detached from any single caller's cancellation;
// each caller still stops waiting when its own ctx ends.
func (c *Client) execute(
	ctx context.Context,
	method, rawURL string,
	ro *requestOptions,
) (*Response, error) {
	if c.coalesce == nil || method != http.MethodGet || len(ro.body) > 0 {
		return c.do(ctx, method, rawURL, ro)
	}

	key := GenerateCoalesceKey(method, rawURL, ro.header, nil)
	shared := context.WithoutCancel(ctx)
	ch := c.coalesce.DoChan(key, func() (any, error) {
		return c.do(shared, method, rawURL, ro)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		resp := *r.Val.(*Response)
		resp.Shared = r.Shared
		return &resp, nil
	}
}
