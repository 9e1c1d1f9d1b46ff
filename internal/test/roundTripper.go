package test

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"
)

// Reply scripts the outcome of a request to one URL
type Reply struct {
	StatusCode int
	Delay      time.Duration
	Err        error
	// Hang blocks until the request context is done
	Hang bool
}

// HTTPTransport used for mocking http.Transport.RoundTrip
type HTTPTransport struct {
	mu      sync.Mutex
	Replies map[string]Reply
	// Default is used for urls without a reply
	Default Reply
	Calls   []string
}

// NewHTTPTransport answers every url with 200 unless scripted otherwise
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Replies: map[string]Reply{}, Default: Reply{StatusCode: http.StatusOK}}
}

// Set scripts the reply for url
func (h *HTTPTransport) Set(url string, r Reply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Replies[url] = r
}

// CallCount returns how many requests were made
func (h *HTTPTransport) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Calls)
}

// RoundTrip mocks http.Transport.RoundTrip
func (h *HTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	h.mu.Lock()
	url := req.URL.String()
	h.Calls = append(h.Calls, url)
	reply, ok := h.Replies[url]
	if !ok {
		reply = h.Default
	}
	h.mu.Unlock()

	if reply.Hang {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	trace := httptrace.ContextClientTrace(req.Context())
	startPhases(trace, req.URL.Host)
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	endPhases(trace, req.URL.Host)
	return &http.Response{
		StatusCode: reply.StatusCode,
		Status:     http.StatusText(reply.StatusCode),
		Body:       &Body{r: strings.NewReader("ok")},
		Header:     http.Header{},
		Request:    req,
	}, nil
}

// startPhases opens every connection phase so a Delay counts toward each of them
func startPhases(trace *httptrace.ClientTrace, host string) {
	if trace == nil {
		return
	}
	if trace.DNSStart != nil {
		trace.DNSStart(httptrace.DNSStartInfo{Host: host})
	}
	if trace.ConnectStart != nil {
		trace.ConnectStart("tcp", host)
	}
	if trace.TLSHandshakeStart != nil {
		trace.TLSHandshakeStart()
	}
}

func endPhases(trace *httptrace.ClientTrace, host string) {
	if trace == nil {
		return
	}
	if trace.DNSDone != nil {
		trace.DNSDone(httptrace.DNSDoneInfo{})
	}
	if trace.ConnectDone != nil {
		trace.ConnectDone("tcp", host, nil)
	}
	if trace.TLSHandshakeDone != nil {
		trace.TLSHandshakeDone(tls.ConnectionState{}, nil)
	}
	if trace.GotFirstResponseByte != nil {
		trace.GotFirstResponseByte()
	}
}

// Body mocks a response body
type Body struct {
	r io.Reader
}

// Close the body
func (b *Body) Close() error {
	return nil
}

// Read something
func (b *Body) Read(p []byte) (n int, err error) {
	if b.r == nil {
		return 0, io.EOF
	}
	return b.r.Read(p)
}
