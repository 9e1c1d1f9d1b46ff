package worker

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"time"
)

// RequestTrace is used for http connection tracing
type RequestTrace struct {
	start             time.Time
	connStart         time.Time
	ConnDur           time.Duration
	dnsStart          time.Time
	DNSDur            time.Duration
	tlsHandshakeStart time.Time
	TLSHandshakeDur   time.Duration
	TTFB              time.Duration
	// Elapsed is the time until response headers arrived or the request failed
	Elapsed time.Duration
	Trace   *httptrace.ClientTrace
}

// TraceRequest performs a request and saves tracing data
func (a *RequestTrace) TraceRequest(ctx context.Context,
	client http.RoundTripper, req *http.Request) (*http.Response, error) {
	a.Reset()
	a.start = time.Now()
	req = req.WithContext(httptrace.WithClientTrace(ctx, a.Trace))
	resp, err := client.RoundTrip(req)
	a.Elapsed = time.Since(a.start)
	return resp, err
}

func (a *RequestTrace) probeResult() probeResult {
	return probeResult{
		Elapsed:   a.Elapsed,
		FirstByte: a.TTFB,
		Connect:   a.ConnDur,
		TLS:       a.TLSHandshakeDur,
		DNS:       a.DNSDur,
	}
}

// Reset to zero values
func (a *RequestTrace) Reset() {
	trace := a.Trace
	*a = RequestTrace{Trace: trace}
}

// NewRequestTrace returns a nice new trace
func NewRequestTrace() *RequestTrace {
	r := &RequestTrace{}
	r.Trace = &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { r.dnsStart = time.Now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			r.DNSDur = time.Since(r.dnsStart)
		},
		TLSHandshakeStart: func() { r.tlsHandshakeStart = time.Now() },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			r.TLSHandshakeDur = time.Since(r.tlsHandshakeStart)
		},
		ConnectStart: func(network, addr string) { r.connStart = time.Now() },
		ConnectDone: func(network, addr string, err error) {
			r.ConnDur = time.Since(r.connStart)
		},
		GotFirstResponseByte: func() {
			r.TTFB = time.Since(r.start)
		},
	}
	return r
}
