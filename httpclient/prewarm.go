package httpclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// prewarmTimeout bounds each warm-up request.
	prewarmTimeout = 1 * time.Second

	// prewarmParallelism caps concurrent warm-up requests.
	prewarmParallelism = 8
)

// Prewarm opens pooled connections to hosts ahead of probing.
//
// Each host gets one GET with a short timeout, at most prewarmParallelism at
// a time; bare host names are tried over https. Warm-up requests bypass the rate limiter, the retry budget and
// the latency windows, and their errors are only logged: the goal is to
// populate the connection pool, not to learn anything about the target.
func (c *Client) Prewarm(ctx context.Context, hosts []string) {
	var g errgroup.Group
	g.SetLimit(prewarmParallelism)
	for _, host := range hosts {
		target := host
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			target = "https://" + target
		}

		g.Go(func() error {
			c.prewarm(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) prewarm(ctx context.Context, target string) {
	ctx, cancel := context.WithTimeout(ctx, prewarmTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.cfg.Logger.Debug().Err(err).Str("url", target).Msg("prewarm skipped")
		return
	}
	if c.cfg.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.cfg.Logger.Debug().Err(err).Str("url", target).Msg("prewarm failed")
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
