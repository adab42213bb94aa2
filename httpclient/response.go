package httpclient

import (
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Response is the result of a logical request.
//
// The body has already been read (up to Config.MaxBodyBytes) and the
// connection released, so a Response can be kept and inspected at leisure.
// Responses returned to coalesced callers are shared: treat Header and
// Body() as read-only.
//
// Example usage:
//
//	resp, err := client.Get(ctx, "https://target.example/item?id=1'")
//	if err != nil {
//	    return err
//	}
//	if strings.Contains(resp.Text(), "SQL syntax") {
//	    report(resp)
//	}
type Response struct {
	// StatusCode and Status are taken from the final attempt.
	StatusCode int
	Status     string

	// Proto is the negotiated protocol, e.g. "HTTP/1.1" or "HTTP/2.0".
	Proto string

	// Header holds the response headers. Keys are canonicalized, so
	// lookups through Header.Get are case-insensitive.
	Header http.Header

	// Elapsed is the latency of the attempt that produced this response.
	Elapsed time.Duration

	// Total is the wall time of the logical request, including rate
	// limiting, retries, pacing pauses and hedging.
	Total time.Duration

	// Attempts counts the physical attempts made across all branches.
	Attempts int

	// Hedged reports that the duplicate attempt won the race.
	Hedged bool

	// Shared reports that this response was delivered to several
	// coalesced callers.
	Shared bool

	// RequestID identifies the logical request in logs.
	RequestID string

	// Truncated reports that the body hit Config.MaxBodyBytes.
	Truncated bool

	body []byte
}

// Body returns the response body.
func (r *Response) Body() []byte {
	return r.body
}

// Text returns the response body as a string.
func (r *Response) Text() string {
	return string(r.body)
}

// JSON decodes the body as JSON into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.body, v)
}

// Decode decodes the body into v based on the Content-Type header.
// XML content types use encoding/xml, everything else JSON.
func (r *Response) Decode(v any) error {
	if len(r.body) == 0 {
		return nil
	}
	return decodeBody(r.body, r.Header.Get("Content-Type"), v)
}

// IsSuccess returns true if the response status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError returns true if the response status code is 4xx or 5xx.
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// decodeBody decodes the body based on content type.
func decodeBody(body []byte, contentType string, target any) error {
	isXML := strings.Contains(contentType, "application/xml") ||
		strings.Contains(contentType, "text/xml")
	if isXML {
		return xml.Unmarshal(body, target)
	}
	return json.Unmarshal(body, target)
}
