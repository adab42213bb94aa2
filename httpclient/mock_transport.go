package httpclient

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// MockTransport provides a configurable http.RoundTripper for testing.
// It allows stubbing responses, scripting a sequence of outcomes and
// verifying request expectations.
//
// Pass it to a Client with WithTransport:
//
//	mock := httpclient.NewMockTransport().StubSequence(
//	    httpclient.MockStep{StatusCode: 500},
//	    httpclient.MockStep{StatusCode: 200, Body: "ok"},
//	)
//	client, err := httpclient.New(httpclient.WithTransport(mock))
type MockTransport struct {
	mu          sync.RWMutex
	stubs       []stub
	sequence    []MockStep
	defaultResp *MockStep
	requests    []*http.Request
	requestHook func(*http.Request)
}

// MockStep is one scripted outcome. Err takes precedence over the response
// fields. Delay is waited before answering and is cut short when the
// request context ends.
type MockStep struct {
	StatusCode int
	Body       string
	Header     http.Header
	Err        error
	Delay      time.Duration
}

type stub struct {
	matcher func(*http.Request) bool
	step    MockStep
}

// NewMockTransport creates a new MockTransport for testing.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// StubResponse stubs all requests to return the given response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &MockStep{StatusCode: statusCode, Body: body}
	return m
}

// StubError stubs all requests to return the given error.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &MockStep{Err: err}
	return m
}

// StubSequence answers unmatched requests with steps in order. Once the
// sequence is used up the last step repeats.
func (m *MockTransport) StubSequence(steps ...MockStep) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence = append([]MockStep(nil), steps...)
	return m
}

// StubPath stubs requests matching the path to return the given response.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, statusCode, body)
}

// StubPathRegex stubs requests matching the path regex to return the given response.
func (m *MockTransport) StubPathRegex(pattern string, statusCode int, body string) *MockTransport {
	re := regexp.MustCompile(pattern)
	return m.StubFunc(func(req *http.Request) bool {
		return re.MatchString(req.URL.Path)
	}, statusCode, body)
}

// StubMethod stubs requests with the given method to return the given response.
func (m *MockTransport) StubMethod(method string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.Method == method
	}, statusCode, body)
}

// StubFunc stubs requests matching the predicate to return the given response.
func (m *MockTransport) StubFunc(
	matcher func(*http.Request) bool,
	statusCode int,
	body string,
) *MockTransport {
	return m.StubStep(matcher, MockStep{StatusCode: statusCode, Body: body})
}

// StubFuncError stubs requests matching the predicate to return the given error.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	return m.StubStep(matcher, MockStep{Err: err})
}

// StubStep stubs requests matching the predicate with a full step.
func (m *MockTransport) StubStep(matcher func(*http.Request) bool, step MockStep) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{matcher: matcher, step: step})
	return m
}

// OnRequest sets a hook that is called for each request.
// Useful for assertions or capturing request details.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	hook := m.requestHook
	step, ok := m.pickLocked(req, n)
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	if !ok {
		return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}

	if step.Err != nil {
		return nil, step.Err
	}
	return newMockResponse(req, step), nil
}

// pickLocked selects the step for the n-th request. Stubs are checked in
// order (first match wins), then the sequence, then the default.
func (m *MockTransport) pickLocked(req *http.Request, n int) (MockStep, bool) {
	for _, s := range m.stubs {
		if s.matcher(req) {
			return s.step, true
		}
	}
	if len(m.sequence) > 0 {
		return m.sequence[min(n, len(m.sequence))-1], true
	}
	if m.defaultResp != nil {
		return *m.defaultResp, true
	}
	return MockStep{}, false
}

// Requests returns all requests made through this transport.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*http.Request{}, m.requests...)
}

// RequestCount returns the number of requests made.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockTransport) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears all recorded requests and stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.stubs = nil
	m.sequence = nil
	m.defaultResp = nil
	m.requestHook = nil
}

func newMockResponse(req *http.Request, step MockStep) *http.Response {
	header := step.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        http.StatusText(step.StatusCode),
		StatusCode:    step.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewBufferString(step.Body)),
		ContentLength: int64(len(step.Body)),
		Request:       req,
	}
}
