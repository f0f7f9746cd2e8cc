package apiclient

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// MockTransport is a configurable http.RoundTripper for tests: stub
// responses by path, method, or predicate, script response sequences for
// retry scenarios, and capture every request for assertions.
//
// Each dispatch builds a fresh *http.Response, so stubs are safe to hit
// from concurrent requests.
type MockTransport struct {
	mu          sync.RWMutex
	stubs       []mockStub
	defaultResp func() (*http.Response, error)
	requests    []*http.Request
	requestHook func(*http.Request)
}

type mockStub struct {
	matcher func(*http.Request) bool
	respond func(*http.Request) (*http.Response, error)
}

// NewMockTransport creates an empty MockTransport. A request that matches
// no stub and has no default fails the round trip.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// newMockResponse builds a response with the given status, body, and
// optional headers.
func newMockResponse(statusCode int, body string, header http.Header) *http.Response {
	h := make(http.Header)
	for k, vs := range header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return &http.Response{
		StatusCode:    statusCode,
		Status:        http.StatusText(statusCode),
		Header:        h,
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		ContentLength: int64(len(body)),
	}
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}

// StubResponse stubs every otherwise-unmatched request with the given
// status and JSON body.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = func() (*http.Response, error) {
		return newMockResponse(statusCode, body, jsonHeader()), nil
	}
	return m
}

// StubError stubs every otherwise-unmatched request to fail with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = func() (*http.Response, error) { return nil, err }
	return m
}

// StubPath stubs requests for the given URL path with a JSON response.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, statusCode, body)
}

// StubPathHeader is StubPath with explicit response headers, for stubbing
// XML or text bodies and Retry-After responses.
func (m *MockTransport) StubPathHeader(path string, statusCode int, body string, header http.Header) *MockTransport {
	m.addStub(func(req *http.Request) bool {
		return req.URL.Path == path
	}, func(*http.Request) (*http.Response, error) {
		return newMockResponse(statusCode, body, header), nil
	})
	return m
}

// StubRateLimited stubs the path with a 429 carrying the given
// Retry-After value in whole seconds.
func (m *MockTransport) StubRateLimited(path string, retryAfterSecs int) *MockTransport {
	header := http.Header{"Retry-After": []string{strconv.Itoa(retryAfterSecs)}}
	return m.StubPathHeader(path, http.StatusTooManyRequests, `{"error":"rate limited"}`, header)
}

// StubMethod stubs requests with the given HTTP method.
func (m *MockTransport) StubMethod(method string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.Method == method
	}, statusCode, body)
}

// StubFunc stubs requests matching the predicate with a JSON response.
// Stubs match in registration order; first match wins.
func (m *MockTransport) StubFunc(matcher func(*http.Request) bool, statusCode int, body string) *MockTransport {
	m.addStub(matcher, func(*http.Request) (*http.Response, error) {
		return newMockResponse(statusCode, body, jsonHeader()), nil
	})
	return m
}

// StubFuncError stubs requests matching the predicate to fail with err.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	m.addStub(matcher, func(*http.Request) (*http.Response, error) {
		return nil, err
	})
	return m
}

// StubSequencePath scripts consecutive responses for one path, for retry
// scenarios such as two server errors followed by a success.
func (m *MockTransport) StubSequencePath(path string, seq *StubSequence) *MockTransport {
	m.addStub(func(req *http.Request) bool {
		return req.URL.Path == path
	}, seq.next)
	return m
}

func (m *MockTransport) addStub(matcher func(*http.Request) bool, respond func(*http.Request) (*http.Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{matcher: matcher, respond: respond})
}

// OnRequest sets a hook called for each request, for assertions or
// capturing request details.
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
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.stubs {
		if s.matcher(req) {
			return s.respond(req)
		}
	}

	if m.defaultResp != nil {
		return m.defaultResp()
	}

	return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
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
	m.defaultResp = nil
	m.requestHook = nil
}

// StubSequence scripts consecutive responses: each dispatch consumes the
// next step, and the final step repeats once the script runs out.
type StubSequence struct {
	mu    sync.Mutex
	steps []func(*http.Request) (*http.Response, error)
	pos   int
}

func NewStubSequence() *StubSequence {
	return &StubSequence{}
}

// Respond appends a JSON response step.
func (s *StubSequence) Respond(statusCode int, body string) *StubSequence {
	return s.step(func(*http.Request) (*http.Response, error) {
		return newMockResponse(statusCode, body, jsonHeader()), nil
	})
}

// RespondHeader appends a response step with explicit headers.
func (s *StubSequence) RespondHeader(statusCode int, body string, header http.Header) *StubSequence {
	return s.step(func(*http.Request) (*http.Response, error) {
		return newMockResponse(statusCode, body, header), nil
	})
}

// Fail appends a transport-error step.
func (s *StubSequence) Fail(err error) *StubSequence {
	return s.step(func(*http.Request) (*http.Response, error) {
		return nil, err
	})
}

func (s *StubSequence) step(fn func(*http.Request) (*http.Response, error)) *StubSequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, fn)
	return s
}

func (s *StubSequence) next(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return nil, errors.New("stub sequence has no steps")
	}
	fn := s.steps[s.pos]
	if s.pos < len(s.steps)-1 {
		s.pos++
	}
	s.mu.Unlock()
	return fn(req)
}
