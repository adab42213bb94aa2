package httpclient

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// debugLogger is the package-level zerolog logger for debug output.
var debugLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// generateCurlCommand creates a cURL command equivalent for the given request.
//
// Debug logs carry it so a finding can be replayed by hand. Headers are
// included verbatim.
//
// Example output:
//
//	curl -X POST 'https://target.example/login' \
//	  -H 'Content-Type: application/x-www-form-urlencoded' \
//	  -d 'user=admin'\''--'
func generateCurlCommand(req *http.Request, body []byte) string {
	var parts []string

	parts = append(parts, "curl")

	if req.Method != http.MethodGet {
		parts = append(parts, "-X", req.Method)
	}

	parts = append(parts, fmt.Sprintf("'%s'", req.URL.String()))

	// Headers (sorted for consistent output)
	headerKeys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		headerKeys = append(headerKeys, k)
	}
	sort.Strings(headerKeys)

	for _, k := range headerKeys {
		for _, v := range req.Header[k] {
			parts = append(parts, "-H", fmt.Sprintf("'%s: %s'", k, v))
		}
	}

	if len(body) > 0 {
		bodyStr := strings.ReplaceAll(string(body), "'", "'\\''")
		parts = append(parts, "-d", fmt.Sprintf("'%s'", bodyStr))
	}

	return strings.Join(parts, " ")
}

// logAttempt logs a physical attempt about to be sent.
func logAttempt(logger zerolog.Logger, req *http.Request, body []byte, attempt int, hedge bool) {
	if logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("attempt", attempt).
		Bool("hedge", hedge).
		Str("curl", generateCurlCommand(req, body)).
		Msg("HTTP attempt")
}

// logAttemptResult logs how a physical attempt ended.
func logAttemptResult(logger zerolog.Logger, res *attemptResult, o outcome) {
	e := logger.Debug().
		Str("outcome", o.String()).
		Dur("elapsed", res.elapsed)
	if res.err != nil {
		e = e.Err(res.err)
	} else {
		e = e.Int("status", res.statusCode).Str("proto", res.proto)
	}
	e.Msg("HTTP attempt finished")
}

// logRetry logs a scheduled retry.
func logRetry(logger zerolog.Logger, err error, wait time.Duration) {
	logger.Debug().
		Err(err).
		Dur("wait", wait).
		Msg("retrying request")
}
