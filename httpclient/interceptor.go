package httpclient

import (
	"net/http"
)

// RequestInterceptor allows modification of requests before they are sent.
// Interceptors are executed in the order they are added, against every
// physical attempt including retries and hedges. An interceptor error
// aborts the logical request.
//
// Common use cases:
//   - Session cookies or bearer tokens for authenticated scans
//   - Per-attempt correlation IDs
//   - Scanner identification headers
type RequestInterceptor func(req *http.Request) error

// Common interceptor helpers

// AuthBearerInterceptor creates an interceptor that adds a Bearer token.
func AuthBearerInterceptor(token string) RequestInterceptor {
	return func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// CookieInterceptor creates an interceptor that adds a cookie, e.g. an
// authenticated session for the target.
func CookieInterceptor(cookie *http.Cookie) RequestInterceptor {
	return func(req *http.Request) error {
		req.AddCookie(cookie)
		return nil
	}
}

// CorrelationIDInterceptor creates an interceptor that adds a correlation ID.
// idFunc is called once per attempt.
func CorrelationIDInterceptor(headerName string, idFunc func() string) RequestInterceptor {
	return func(req *http.Request) error {
		req.Header.Set(headerName, idFunc())
		return nil
	}
}

// UserAgentInterceptor creates an interceptor that sets the User-Agent header,
// overriding Config.UserAgent and any per-request value.
func UserAgentInterceptor(userAgent string) RequestInterceptor {
	return func(req *http.Request) error {
		req.Header.Set("User-Agent", userAgent)
		return nil
	}
}
