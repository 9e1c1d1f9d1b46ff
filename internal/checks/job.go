package checks

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedJob is returned by ParseJob for payloads that can never be processed
var ErrMalformedJob = errors.New("malformed check job")

// Stream field names of a check job
const (
	FieldID                 = "id"
	FieldURL                = "url"
	FieldMethod             = "method"
	FieldType               = "type"
	FieldIntervalMS         = "interval_ms"
	FieldEscalationPolicyID = "escalation_policy_id"
	FieldRegions            = "regions"
	FieldOwnerID            = "owner_id"
	FieldRegion             = "region"
	FieldEnqueuedAt         = "enqueued_at"
)

// CheckJob is one unit of work on the stream. It only exists as a stream entry.
type CheckJob struct {
	MonitorID          string
	URL                string
	Method             string
	Type               MonitorType
	Interval           time.Duration
	EscalationPolicyID string
	Regions            []string
	OwnerID            string
	Region             string
	EnqueuedAt         time.Time
}

// NewJob builds the job for a due monitor. The job is assigned to the
// monitor's first region, or defaultRegion when it has none.
func NewJob(m Monitor, defaultRegion string, now time.Time) CheckJob {
	region := defaultRegion
	if len(m.Regions) > 0 && m.Regions[0] != "" {
		region = m.Regions[0]
	}
	method := m.Method
	if method == "" {
		method = "GET"
	}
	typ := m.Type
	if typ == "" {
		typ = TypeHTTP
	}
	return CheckJob{
		MonitorID:          m.ID,
		URL:                m.URL,
		Method:             strings.ToUpper(method),
		Type:               typ,
		Interval:           m.Interval,
		EscalationPolicyID: m.EscalationPolicyID,
		Regions:            m.Regions,
		OwnerID:            m.OwnerID,
		Region:             region,
		EnqueuedAt:         now.UTC(),
	}
}

// Values encodes the job as a flat field map for the stream
func (j CheckJob) Values() map[string]string {
	return map[string]string{
		FieldID:                 j.MonitorID,
		FieldURL:                j.URL,
		FieldMethod:             j.Method,
		FieldType:               string(j.Type),
		FieldIntervalMS:         strconv.FormatInt(j.Interval.Milliseconds(), 10),
		FieldEscalationPolicyID: j.EscalationPolicyID,
		FieldRegions:            strings.Join(j.Regions, ","),
		FieldOwnerID:            j.OwnerID,
		FieldRegion:             j.Region,
		FieldEnqueuedAt:         j.EnqueuedAt.Format(time.RFC3339Nano),
	}
}

// ParseJob decodes a stream entry. Every error wraps ErrMalformedJob.
func ParseJob(values map[string]string) (CheckJob, error) {
	job := CheckJob{
		MonitorID:          values[FieldID],
		URL:                values[FieldURL],
		Method:             strings.ToUpper(values[FieldMethod]),
		Type:               MonitorType(values[FieldType]),
		EscalationPolicyID: values[FieldEscalationPolicyID],
		OwnerID:            values[FieldOwnerID],
		Region:             values[FieldRegion],
	}
	if job.MonitorID == "" {
		return CheckJob{}, errors.Wrap(ErrMalformedJob, "missing monitor id")
	}
	if job.URL == "" {
		return CheckJob{}, errors.Wrap(ErrMalformedJob, "missing url")
	}
	if job.Method == "" {
		job.Method = "GET"
	}
	switch job.Type {
	case "":
		job.Type = TypeHTTP
	case TypeHTTP, TypeTCP:
	default:
		return CheckJob{}, errors.Wrapf(ErrMalformedJob, "unknown monitor type %q", job.Type)
	}
	if job.Type == TypeHTTP {
		u, err := url.Parse(job.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return CheckJob{}, errors.Wrapf(ErrMalformedJob, "invalid url %q", job.URL)
		}
	}
	if raw := values[FieldIntervalMS]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return CheckJob{}, errors.Wrapf(ErrMalformedJob, "invalid interval %q", raw)
		}
		job.Interval = time.Duration(ms) * time.Millisecond
	}
	if raw := values[FieldRegions]; raw != "" {
		job.Regions = strings.Split(raw, ",")
	}
	if raw := values[FieldEnqueuedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return CheckJob{}, errors.Wrapf(ErrMalformedJob, "invalid enqueued_at %q", raw)
		}
		job.EnqueuedAt = t
	}
	return job, nil
}
