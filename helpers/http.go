package helpers

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// MockHTTP is http.RoundTripper for tests. Records every request.
type MockHTTP struct {
	Fun    func(*http.Request) (*http.Response, error)
	Status int // default 200
	Body   []byte
	Err    error

	mu    sync.Mutex
	calls []MockHTTPCall
}

type MockHTTPCall struct {
	Method      string
	Url         string
	ContentType string
	Close       bool
	Body        []byte
}

func (m *MockHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	call := MockHTTPCall{
		Method:      req.Method,
		Url:         req.URL.String(),
		ContentType: req.Header.Get("Content-Type"),
		Close:       req.Close,
	}
	if req.Body != nil {
		call.Body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()

	if m.Fun != nil {
		return m.Fun(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	status := m.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n", status, http.StatusText(status), len(m.Body))
	rb := make([]byte, 0, len(header)+len(m.Body))
	rb = append(rb, header...)
	rb = append(rb, m.Body...)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rb)), req)
}

func (m *MockHTTP) Calls() []MockHTTPCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockHTTPCall, len(m.calls))
	copy(out, m.calls)
	return out
}
