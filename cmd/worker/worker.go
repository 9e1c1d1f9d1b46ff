// Package worker consumes check jobs from the stream, probes their targets
// and records the results
package worker

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/application"
	"github.com/larntz/status-dispatch/internal/checks"
	"github.com/larntz/status-dispatch/internal/data"
	"github.com/larntz/status-dispatch/internal/escalation"
	"github.com/larntz/status-dispatch/internal/metrics"
	"github.com/larntz/status-dispatch/internal/schedule"
	"github.com/larntz/status-dispatch/internal/stream"
)

const userAgent = "status-dispatch-worker/1.0"

// State is one competing consumer of the check stream
type State struct {
	Region           string
	StreamName       string
	GroupName        string
	ConsumerID       string
	DeadLetterStream string

	PollInterval  time.Duration
	BatchSize     int
	ProbeTimeout  time.Duration
	DegradedAfter time.Duration
	UpStatusMin   int
	UpStatusMax   int
	ClaimMinIdle  time.Duration
	MaxDeliveries int64

	Log           *zap.Logger
	HTTPTransport http.RoundTripper
	Dialer        Dialer
	DBClient      data.Database
	Stream        stream.Client
	Escalator     escalation.Escalator
	Metrics       *metrics.Metrics
	Clock         clock.Clock

	regionsMu sync.Mutex
	regions   map[string]checks.Region
}

// outcome of handling one entry
type outcome int

const (
	// leave the entry pending so it is reclaimed later
	keepPending outcome = iota
	// acknowledge and delete the entry
	acknowledge
)

// NewState returns a worker with default thresholds
func NewState() *State {
	return &State{
		StreamName:    "monitor-checks",
		PollInterval:  time.Second,
		BatchSize:     5,
		ProbeTimeout:  10 * time.Second,
		DegradedAfter: 2 * time.Second,
		UpStatusMin:   200,
		UpStatusMax:   399,
		ClaimMinIdle:  5 * time.Minute,
		MaxDeliveries: 3,
		Log:           zap.NewNop(),
		HTTPTransport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		Dialer:        &net.Dialer{},
		Clock:         clock.New(),
		regions:       map[string]checks.Region{},
	}
}

// FromApp builds a worker from the application state
func FromApp(app *application.State, esc escalation.Escalator) *State {
	cfg := app.Config
	state := NewState()
	state.Region = cfg.Region
	state.StreamName = cfg.Stream.Name
	state.GroupName = cfg.GroupName
	state.ConsumerID = cfg.ConsumerID
	state.DeadLetterStream = cfg.Stream.DeadLetterStream
	state.PollInterval = cfg.Worker.PollInterval
	state.BatchSize = cfg.Worker.BatchSize
	state.ProbeTimeout = cfg.Worker.ProbeTimeout
	state.DegradedAfter = cfg.Worker.DegradedAfter
	state.UpStatusMin = cfg.Worker.UpStatusMin
	state.UpStatusMax = cfg.Worker.UpStatusMax
	state.ClaimMinIdle = cfg.Worker.ClaimMinIdle
	state.MaxDeliveries = cfg.Worker.MaxDeliveries
	state.Log = app.Log.Named("worker").With(zap.String("consumer", cfg.ConsumerID), zap.String("region", cfg.Region))
	state.DBClient = app.DB
	state.Stream = app.Stream
	state.Escalator = esc
	state.Metrics = app.Metrics
	state.Clock = app.Clock
	return state
}

// RunWorker consumes until ctx is done. A batch in flight at shutdown is
// finished, anything unacked stays pending for another consumer.
func (state *State) RunWorker(ctx context.Context) error {
	if err := state.Stream.EnsureGroup(ctx, state.StreamName, state.GroupName, stream.StartFromBeginning); err != nil {
		return err
	}
	if _, err := state.regionID(ctx, state.Region); err != nil {
		return err
	}
	state.Log.Info("worker started", zap.String("group", state.GroupName), zap.Int("batch_size", state.BatchSize))

	loop := &schedule.Loop{
		Name:     "consume",
		Interval: state.PollInterval,
		Clock:    state.Clock,
		Log:      state.Log,
		Task:     state.poll,
	}
	loop.Run(ctx)
	state.Log.Info("worker stopped")
	return nil
}

// poll reclaims idle pending entries and then drains new ones
func (state *State) poll(ctx context.Context) error {
	// batches run detached so shutdown never abandons a half handled batch
	work := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		claimed, err := state.Stream.Claim(ctx, state.StreamName, state.GroupName, state.ConsumerID, state.ClaimMinIdle, state.BatchSize)
		if err != nil {
			return state.readError(ctx, err)
		}
		if len(claimed) == 0 {
			break
		}
		state.Metrics.AddReclaimed(len(claimed))
		state.Log.Info("reclaimed idle entries", zap.Int("count", len(claimed)))
		state.handleEntries(work, claimed)
		if len(claimed) < state.BatchSize {
			break
		}
	}

	for ctx.Err() == nil {
		entries, err := state.Stream.ReadGroup(ctx, state.StreamName, state.GroupName, state.ConsumerID, state.BatchSize)
		if err != nil {
			return state.readError(ctx, err)
		}
		if len(entries) == 0 {
			return nil
		}
		state.handleEntries(work, entries)
	}
	return nil
}

// readError recreates a vanished group so the next tick can read again
func (state *State) readError(ctx context.Context, err error) error {
	if errors.Is(err, stream.ErrNoGroup) {
		state.Log.Warn("consumer group missing, recreating", zap.String("group", state.GroupName))
		if gerr := state.Stream.EnsureGroup(ctx, state.StreamName, state.GroupName, stream.StartFromBeginning); gerr != nil {
			return gerr
		}
	}
	return err
}

// handleEntries processes a batch concurrently, then acks and deletes every
// entry that is done. Ack always precedes delete.
func (state *State) handleEntries(ctx context.Context, entries []stream.Entry) {
	outcomes := make([]outcome, len(entries))
	var wg sync.WaitGroup
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = state.handleEntry(ctx, entries[i])
		}(i)
	}
	wg.Wait()

	var done []string
	for i, o := range outcomes {
		if o == acknowledge {
			done = append(done, entries[i].ID)
		}
	}
	if len(done) == 0 {
		return
	}
	if err := state.Stream.Ack(ctx, state.StreamName, state.GroupName, done...); err != nil {
		state.Log.Error("ack failed, entries stay pending", zap.Int("count", len(done)), zap.Error(err))
		return
	}
	state.Metrics.AddAcked(len(done))
	if err := state.Stream.Delete(ctx, state.StreamName, done...); err != nil {
		state.Log.Error("delete after ack failed", zap.Int("count", len(done)), zap.Error(err))
	}
	state.Log.Debug("batch complete", zap.Int("entries", len(entries)), zap.Int("acked", len(done)))
}

func (state *State) handleEntry(ctx context.Context, entry stream.Entry) outcome {
	job, err := checks.ParseJob(entry.Values)
	if err != nil {
		state.Log.Warn("dropping malformed entry", zap.String("entry", entry.ID), zap.Error(err))
		state.Metrics.IncDropped()
		return acknowledge
	}
	if job.Region == "" {
		job.Region = state.Region
	}

	probe, probeErr := state.statusCheck(ctx, job)
	result := checks.CheckResult{
		MonitorID:    job.MonitorID,
		Region:       job.Region,
		ResponseTime: probe.Elapsed,
		FirstByteMS:  probe.FirstByte.Milliseconds(),
		ConnectMS:    probe.Connect.Milliseconds(),
		TLSMS:        probe.TLS.Milliseconds(),
		DNSMS:        probe.DNS.Milliseconds(),
		CreatedAt:    state.Clock.Now().UTC(),
	}
	if probeErr != nil {
		if state.MaxDeliveries <= 0 || entry.Deliveries < state.MaxDeliveries {
			state.Log.Warn("probe failed, leaving entry pending",
				zap.String("entry", entry.ID),
				zap.String("check_id", job.MonitorID),
				zap.Int64("deliveries", entry.Deliveries),
				zap.Error(probeErr))
			return keepPending
		}
		result.Status = checks.StatusDown
		result.Message = probeErr.Error()
	} else {
		result.Status = state.classify(job, probe)
		result.StatusCode = probe.StatusCode
		result.Message = probe.Info
	}

	if err := state.record(ctx, job, &result); err != nil {
		state.Log.Error("persisting check result failed, leaving entry pending",
			zap.String("entry", entry.ID), zap.String("check_id", job.MonitorID), zap.Error(err))
		return keepPending
	}
	if probeErr != nil {
		state.deadLetter(ctx, entry, probeErr)
	}

	state.Log.Info("check_result",
		zap.String("check_id", job.MonitorID),
		zap.String("region", result.Region),
		zap.String("status", string(result.Status)),
		zap.Int("response_code", result.StatusCode),
		zap.Duration("response_time", result.ResponseTime))
	return acknowledge
}

// record persists the result and escalates status transitions
func (state *State) record(ctx context.Context, job checks.CheckJob, result *checks.CheckResult) error {
	regionID, err := state.regionID(ctx, result.Region)
	if err != nil {
		return err
	}
	result.RegionID = regionID

	previous, err := state.DBClient.RecordCheckResult(ctx, *result)
	if err != nil {
		return err
	}
	state.Metrics.ObserveCheck(string(result.Status), string(job.Type), result.ResponseTime.Seconds())

	if state.Escalator != nil && escalation.ShouldEscalate(job.EscalationPolicyID, previous, result.Status) {
		ev := escalation.Event{
			MonitorID:          job.MonitorID,
			URL:                job.URL,
			OwnerID:            job.OwnerID,
			EscalationPolicyID: job.EscalationPolicyID,
			Region:             result.Region,
			Previous:           previous,
			Current:            result.Status,
			StatusCode:         result.StatusCode,
			Message:            result.Message,
			At:                 result.CreatedAt,
		}
		ectx, cancel := context.WithTimeout(ctx, state.ProbeTimeout)
		defer cancel()
		if err := state.Escalator.Escalate(ectx, ev); err != nil {
			state.Log.Error("escalation failed", zap.String("check_id", job.MonitorID), zap.Error(err))
		}
	}
	return nil
}

// deadLetter copies an entry that exhausted its deliveries to the dead letter stream
func (state *State) deadLetter(ctx context.Context, entry stream.Entry, cause error) {
	state.Metrics.IncDeadLettered()
	if state.DeadLetterStream == "" {
		state.Log.Warn("giving up on entry", zap.String("entry", entry.ID), zap.Int64("deliveries", entry.Deliveries))
		return
	}
	values := make(map[string]string, len(entry.Values)+3)
	for k, v := range entry.Values {
		values[k] = v
	}
	values["source_id"] = entry.ID
	values["deliveries"] = strconv.FormatInt(entry.Deliveries, 10)
	values["error"] = cause.Error()
	if _, err := state.Stream.Append(ctx, state.DeadLetterStream, values); err != nil {
		state.Log.Error("dead letter append failed", zap.String("entry", entry.ID), zap.Error(err))
		return
	}
	state.Log.Warn("entry dead lettered", zap.String("entry", entry.ID), zap.Int64("deliveries", entry.Deliveries))
}

// regionID resolves a region name to its row id, creating the row on first use
func (state *State) regionID(ctx context.Context, name string) (string, error) {
	state.regionsMu.Lock()
	defer state.regionsMu.Unlock()
	if state.regions == nil {
		state.regions = map[string]checks.Region{}
	}
	if r, ok := state.regions[name]; ok {
		return r.ID, nil
	}
	r, err := state.DBClient.EnsureRegion(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "resolve region %s", name)
	}
	state.regions[name] = r
	return r.ID, nil
}
