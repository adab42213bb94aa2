package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// rangeHeader returns the Range value asking for the first kb kilobytes.
func rangeHeader(kb int) string {
	return fmt.Sprintf("bytes=0-%d", kb*1024-1)
}

// fetchRange issues a ranged GET and falls back to one full GET when the
// server ignores (200) or rejects (416) the range. The fallback is a second
// logical request, not a retry: it has its own budget accounting.
func (c *Client) fetchRange(ctx context.Context, rawURL string, ro *requestOptions) (*Response, error) {
	ranged := ro.clone()
	ranged.header.Set("Range", rangeHeader(ro.rangeKB))

	resp, err := c.execute(ctx, http.MethodGet, rawURL, ranged)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		return resp, nil
	}

	c.cfg.Logger.Debug().
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Msg("range not honored, fetching full body")

	full := ro.clone()
	full.header.Del("Range")
	return c.execute(ctx, http.MethodGet, rawURL, full)
}

// ProbeRange fetches up to kb kilobytes of rawURL, asking first.
//
// A HEAD request checks for Accept-Ranges and Content-Length. Only when the
// server advertises ranges and the body is larger than kb kilobytes is a
// ranged GET sent; otherwise a plain GET is. kb <= 0 always means a plain
// GET.
func (c *Client) ProbeRange(ctx context.Context, rawURL string, kb int, opts ...RequestOption) (*Response, error) {
	if kb <= 0 {
		return c.Get(ctx, rawURL, opts...)
	}

	head, err := c.Request(ctx, http.MethodHead, rawURL, opts...)
	if err != nil {
		return nil, err
	}

	if head.Header.Get("Accept-Ranges") != "" {
		size, err := strconv.ParseInt(head.Header.Get("Content-Length"), 10, 64)
		if err == nil && size > int64(kb)*1024 {
			return c.Get(ctx, rawURL, append(opts, WithHeader("Range", rangeHeader(kb)))...)
		}
	}

	return c.Get(ctx, rawURL, opts...)
}
