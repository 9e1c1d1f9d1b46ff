package worker

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/larntz/status-dispatch/internal/checks"
)

// maxBodyRead bounds how much of a response body is drained before closing
const maxBodyRead = 64 << 10

// Dialer opens tcp connections for tcp monitors, *net.Dialer implements it
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// probeResult is what a probe observed. A transport failure is returned as an error instead.
type probeResult struct {
	StatusCode int
	Elapsed    time.Duration
	Info       string
	// http phases, zero for tcp probes and reused connections
	FirstByte time.Duration
	Connect   time.Duration
	TLS       time.Duration
	DNS       time.Duration
}

// statusCheck probes the job target within the configured timeout
func (state *State) statusCheck(ctx context.Context, job checks.CheckJob) (probeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, state.ProbeTimeout)
	defer cancel()

	if job.Type == checks.TypeTCP {
		return state.tcpCheck(ctx, job.URL)
	}
	return state.httpCheck(ctx, job)
}

func (state *State) httpCheck(ctx context.Context, job checks.CheckJob) (probeResult, error) {
	req, err := http.NewRequestWithContext(ctx, job.Method, job.URL, nil)
	if err != nil {
		return probeResult{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", userAgent)

	reqTrace := NewRequestTrace()
	resp, err := reqTrace.TraceRequest(ctx, state.HTTPTransport, req)
	if err != nil {
		return reqTrace.probeResult(), errors.Wrapf(err, "%s %s", job.Method, job.URL)
	}
	// done with resp
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyRead))
	resp.Body.Close()

	probe := reqTrace.probeResult()
	probe.StatusCode = resp.StatusCode
	probe.Info = resp.Status
	return probe, nil
}

func (state *State) tcpCheck(ctx context.Context, address string) (probeResult, error) {
	start := time.Now()
	conn, err := state.Dialer.DialContext(ctx, "tcp", address)
	elapsed := time.Since(start)
	if err != nil {
		return probeResult{Elapsed: elapsed}, errors.Wrapf(err, "dial %s", address)
	}
	conn.Close()
	return probeResult{Elapsed: elapsed, Info: "connected"}, nil
}

// classify turns a probe into a status. TCP probes have no status code and
// are judged on latency alone.
func (state *State) classify(job checks.CheckJob, p probeResult) checks.Status {
	if job.Type != checks.TypeTCP && (p.StatusCode < state.UpStatusMin || p.StatusCode > state.UpStatusMax) {
		return checks.StatusDown
	}
	if state.DegradedAfter > 0 && p.Elapsed > state.DegradedAfter {
		return checks.StatusDegraded
	}
	return checks.StatusUp
}
