package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/checks"
	"github.com/larntz/status-dispatch/internal/escalation"
	"github.com/larntz/status-dispatch/internal/metrics"
	"github.com/larntz/status-dispatch/internal/stream"
	"github.com/larntz/status-dispatch/internal/test"
)

const (
	streamName = "monitor-checks"
	deadStream = "monitor-checks-dead"
	groupName  = "checkers"
)

type recordingEscalator struct {
	mu     sync.Mutex
	events []escalation.Event
}

func (r *recordingEscalator) Escalate(_ context.Context, e escalation.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type fixture struct {
	state     *State
	db        *test.MockDB
	transport *test.HTTPTransport
	stream    *stream.Pebble
	clock     *clock.Mock
	escalator *recordingEscalator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC))
	st, err := stream.NewPebble(t.TempDir(), stream.WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureGroup(context.Background(), streamName, groupName, stream.StartFromBeginning))

	f := &fixture{
		db:        test.NewMockDB(),
		transport: test.NewHTTPTransport(),
		stream:    st,
		clock:     mock,
		escalator: &recordingEscalator{},
	}
	state := NewState()
	state.Region = "us-test-1"
	state.StreamName = streamName
	state.GroupName = groupName
	state.ConsumerID = "worker-1"
	state.DeadLetterStream = deadStream
	state.ProbeTimeout = 100 * time.Millisecond
	state.Log = zap.NewNop()
	state.HTTPTransport = f.transport
	state.DBClient = f.db
	state.Stream = st
	state.Escalator = f.escalator
	state.Metrics = metrics.New()
	state.Clock = mock
	f.state = state
	return f
}

func (f *fixture) enqueue(t *testing.T, monitors ...checks.Monitor) {
	t.Helper()
	for _, m := range monitors {
		f.db.AddCheck(m)
		_, err := f.stream.Append(context.Background(), streamName, checks.NewJob(m, "us-test-1", f.clock.Now()).Values())
		require.NoError(t, err)
	}
}

func (f *fixture) counts(t *testing.T) (length, pending int64) {
	t.Helper()
	ctx := context.Background()
	length, err := f.stream.Len(ctx, streamName)
	require.NoError(t, err)
	pending, err = f.stream.Pending(ctx, streamName, groupName)
	require.NoError(t, err)
	return length, pending
}

func TestBatchWithOneTimeout(t *testing.T) {
	f := newFixture(t)
	f.transport.Set("https://slow.example.com", test.Reply{Hang: true})
	f.enqueue(t,
		checks.Monitor{ID: "a", URL: "https://a.example.com"},
		checks.Monitor{ID: "b", URL: "https://b.example.com"},
		checks.Monitor{ID: "slow", URL: "https://slow.example.com"},
		checks.Monitor{ID: "c", URL: "https://c.example.com"},
		checks.Monitor{ID: "d", URL: "https://d.example.com"},
	)

	require.NoError(t, f.state.poll(context.Background()))

	results := f.db.ResultsCopy()
	assert.Len(t, results, 4)
	for _, r := range results {
		assert.NotEqual(t, "slow", r.MonitorID)
		assert.Equal(t, checks.StatusUp, r.Status)
		assert.NotEmpty(t, r.RegionID)
	}
	length, pending := f.counts(t)
	assert.EqualValues(t, 1, length, "acked entries are deleted")
	assert.EqualValues(t, 1, pending, "timed out entry stays pending")
}

func TestMalformedEntryIsDropped(t *testing.T) {
	f := newFixture(t)
	_, err := f.stream.Append(context.Background(), streamName, map[string]string{"url": "https://example.com"})
	require.NoError(t, err)

	require.NoError(t, f.state.poll(context.Background()))

	assert.Empty(t, f.db.ResultsCopy())
	assert.Zero(t, f.transport.CallCount())
	length, pending := f.counts(t)
	assert.Zero(t, length)
	assert.Zero(t, pending)
}

func TestPendingEntryIsReclaimedAfterCrash(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, checks.Monitor{ID: "a", URL: "https://a.example.com"})

	// another consumer reads and dies before acking
	taken, err := f.stream.ReadGroup(context.Background(), streamName, groupName, "worker-dead", 5)
	require.NoError(t, err)
	require.Len(t, taken, 1)

	require.NoError(t, f.state.poll(context.Background()))
	assert.Empty(t, f.db.ResultsCopy(), "entry is not idle long enough yet")

	f.clock.Add(f.state.ClaimMinIdle)
	require.NoError(t, f.state.poll(context.Background()))
	results := f.db.ResultsCopy()
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].MonitorID)

	length, pending := f.counts(t)
	assert.Zero(t, length)
	assert.Zero(t, pending)
}

func TestExhaustedDeliveriesAreDeadLettered(t *testing.T) {
	f := newFixture(t)
	f.state.MaxDeliveries = 2
	f.state.ClaimMinIdle = time.Minute
	f.transport.Set("https://down.example.com", test.Reply{Err: errors.New("connection refused")})
	f.enqueue(t, checks.Monitor{ID: "down", URL: "https://down.example.com"})

	require.NoError(t, f.state.poll(context.Background()))
	_, pending := f.counts(t)
	assert.EqualValues(t, 1, pending)
	assert.Empty(t, f.db.ResultsCopy())

	f.clock.Add(time.Minute)
	require.NoError(t, f.state.poll(context.Background()))

	results := f.db.ResultsCopy()
	require.Len(t, results, 1)
	assert.Equal(t, checks.StatusDown, results[0].Status)
	assert.Contains(t, results[0].Message, "connection refused")

	length, pending := f.counts(t)
	assert.Zero(t, length)
	assert.Zero(t, pending)
	dead, err := f.stream.Len(context.Background(), deadStream)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dead)
}

func TestPersistFailureLeavesEntryPending(t *testing.T) {
	f := newFixture(t)
	f.db.RecordErr = errors.New("store unavailable")
	f.enqueue(t, checks.Monitor{ID: "a", URL: "https://a.example.com"})

	require.NoError(t, f.state.poll(context.Background()))

	length, pending := f.counts(t)
	assert.EqualValues(t, 1, length)
	assert.EqualValues(t, 1, pending)
}

func TestStatusTransitionEscalates(t *testing.T) {
	f := newFixture(t)
	f.transport.Set("https://a.example.com", test.Reply{StatusCode: 503})
	f.enqueue(t,
		checks.Monitor{ID: "a", URL: "https://a.example.com", LastStatus: checks.StatusUp, EscalationPolicyID: "ep-1"},
		checks.Monitor{ID: "b", URL: "https://b.example.com", LastStatus: checks.StatusUp, EscalationPolicyID: "ep-1"},
	)

	require.NoError(t, f.state.poll(context.Background()))

	f.escalator.mu.Lock()
	defer f.escalator.mu.Unlock()
	require.Len(t, f.escalator.events, 1)
	ev := f.escalator.events[0]
	assert.Equal(t, "a", ev.MonitorID)
	assert.Equal(t, checks.StatusUp, ev.Previous)
	assert.Equal(t, checks.StatusDown, ev.Current)
	assert.Equal(t, 503, ev.StatusCode)

	m, _ := f.db.Monitor("a")
	assert.Equal(t, checks.StatusDown, m.LastStatus)
}

func TestClassify(t *testing.T) {
	state := NewState()
	state.DegradedAfter = time.Second
	httpJob := checks.CheckJob{Type: checks.TypeHTTP}
	tcpJob := checks.CheckJob{Type: checks.TypeTCP}

	tests := []struct {
		name  string
		job   checks.CheckJob
		probe probeResult
		want  checks.Status
	}{
		{"ok", httpJob, probeResult{StatusCode: 200, Elapsed: 100 * time.Millisecond}, checks.StatusUp},
		{"redirect", httpJob, probeResult{StatusCode: 301}, checks.StatusUp},
		{"slow", httpJob, probeResult{StatusCode: 200, Elapsed: 2 * time.Second}, checks.StatusDegraded},
		{"not found", httpJob, probeResult{StatusCode: 404}, checks.StatusDown},
		{"server error", httpJob, probeResult{StatusCode: 500, Elapsed: 2 * time.Second}, checks.StatusDown},
		{"tcp connected", tcpJob, probeResult{Elapsed: time.Millisecond}, checks.StatusUp},
		{"tcp slow", tcpJob, probeResult{Elapsed: 3 * time.Second}, checks.StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, state.classify(tt.job, tt.probe))
		})
	}
}

func TestSlowResponseIsDegraded(t *testing.T) {
	f := newFixture(t)
	f.state.DegradedAfter = 10 * time.Millisecond
	f.transport.Set("https://slow.example.com", test.Reply{StatusCode: 200, Delay: 40 * time.Millisecond})
	f.enqueue(t, checks.Monitor{ID: "slow", URL: "https://slow.example.com"})

	require.NoError(t, f.state.poll(context.Background()))
	results := f.db.ResultsCopy()
	require.Len(t, results, 1)
	assert.Equal(t, checks.StatusDegraded, results[0].Status)
	assert.GreaterOrEqual(t, results[0].ResponseMS, int64(40))
}

func TestHTTPTimingsAreRecorded(t *testing.T) {
	f := newFixture(t)
	f.transport.Set("https://timed.example.com", test.Reply{StatusCode: 200, Delay: 20 * time.Millisecond})
	f.enqueue(t, checks.Monitor{ID: "timed", URL: "https://timed.example.com"})

	require.NoError(t, f.state.poll(context.Background()))
	results := f.db.ResultsCopy()
	require.Len(t, results, 1)
	r := results[0]
	assert.GreaterOrEqual(t, r.FirstByteMS, int64(20))
	assert.GreaterOrEqual(t, r.ConnectMS, int64(20))
	assert.GreaterOrEqual(t, r.TLSMS, int64(20))
	assert.GreaterOrEqual(t, r.DNSMS, int64(20))
	assert.LessOrEqual(t, r.FirstByteMS, r.ResponseMS)
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	f := newFixture(t)
	f.enqueue(t, checks.Monitor{ID: "db", URL: ln.Addr().String(), Type: checks.TypeTCP})
	require.NoError(t, f.state.poll(context.Background()))

	results := f.db.ResultsCopy()
	require.Len(t, results, 1)
	assert.Equal(t, checks.StatusUp, results[0].Status)
	assert.Zero(t, results[0].FirstByteMS)
	assert.Zero(t, f.transport.CallCount())
}

func TestRunWorkerStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, checks.Monitor{ID: "a", URL: "https://a.example.com"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.state.RunWorker(ctx) }()

	assert.Eventually(t, func() bool { return len(f.db.ResultsCopy()) == 1 }, time.Second, time.Millisecond)

	f.enqueue(t, checks.Monitor{ID: "b", URL: "https://b.example.com"})
	f.clock.Add(f.state.PollInterval)
	assert.Eventually(t, func() bool { return len(f.db.ResultsCopy()) == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	_, err := f.db.GetRegion(context.Background(), "us-test-1")
	assert.NoError(t, err, "worker registers its region")
}
