// Package httputil holds the JSON response helpers of the HTTP API and the
// request abstraction its command-line client is tested through.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StubResponse is a canned reply for StubDoer.
type StubResponse struct {
	StatusCode int
	Body       string
	Err        error
}

// StubDoer records requests and answers them from a queue. Once the queue is
// empty it answers 200 with an empty body.
type StubDoer struct {
	mu       sync.Mutex
	queue    []StubResponse
	requests []*http.Request
	bodies   [][]byte
}

// Reply queues a response and returns the stub for chaining.
func (s *StubDoer) Reply(status int, body string) *StubDoer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, StubResponse{StatusCode: status, Body: body})
	return s
}

// Fail queues a transport error.
func (s *StubDoer) Fail(err error) *StubDoer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, StubResponse{Err: err})
	return s
}

func (s *StubDoer) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	s.bodies = append(s.bodies, body)

	next := StubResponse{StatusCode: http.StatusOK}
	if len(s.queue) > 0 {
		next, s.queue = s.queue[0], s.queue[1:]
	}
	if next.Err != nil {
		return nil, next.Err
	}
	return &http.Response{
		StatusCode: next.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(next.Body)),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Request:    req,
	}, nil
}

// Request returns the nth recorded request and its body.
func (s *StubDoer) Request(n int) (*http.Request, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.requests) {
		return nil, nil
	}
	return s.requests[n], s.bodies[n]
}

func (s *StubDoer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
