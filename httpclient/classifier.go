package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// outcome is the classification of one physical attempt.
type outcome int

const (
	// outcomeSuccess is any response that is not 403, 429 or 5xx.
	outcomeSuccess outcome = iota
	// outcomePacing is a 429 or 403: pause and retry without spending budget.
	outcomePacing
	// outcomeServerError is a 5xx response.
	outcomeServerError
	// outcomeTimeout is a transport-level deadline.
	outcomeTimeout
	// outcomeNetwork is any other transport-level failure.
	outcomeNetwork
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomePacing:
		return "pacing"
	case outcomeServerError:
		return "server_error"
	case outcomeTimeout:
		return "timeout"
	case outcomeNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// classify maps the result of an attempt to an outcome.
// A non-nil err always wins over statusCode.
func classify(statusCode int, err error) outcome {
	if err != nil {
		if isTimeoutError(err) {
			return outcomeTimeout
		}
		return outcomeNetwork
	}
	return classifyStatus(statusCode)
}

// classifyStatus maps an HTTP status code to an outcome.
//
// 403 is grouped with 429 because WAFs commonly answer probe bursts with a
// temporary 403 rather than a 429.
func classifyStatus(statusCode int) outcome {
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusForbidden:
		return outcomePacing
	case statusCode >= http.StatusInternalServerError:
		return outcomeServerError
	default:
		return outcomeSuccess
	}
}

// isTimeoutError reports whether err is a connect/read/write/pool deadline.
// Everything else at transport level is a connection error.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTimeout {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Fallback for wrapped errors that lost their type.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "timeout awaiting response headers") ||
		strings.Contains(msg, "tls handshake timeout")
}

// isSafeMethod reports whether method may be duplicated by hedging.
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
