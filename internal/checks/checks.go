// Package checks defines our monitor, job and result structs
package checks

import (
	"time"
)

// Status is the classified outcome of a check
type Status string

// Check statuses
const (
	StatusUnknown  Status = ""
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// MonitorType selects the probe used for a monitor
type MonitorType string

// Monitor types
const (
	TypeHTTP MonitorType = "http"
	TypeTCP  MonitorType = "tcp"
)

// Monitor defines a target that is checked on an interval from one or more regions.
//
// NextCheckTime is nil until the monitor is dispatched for the first time.
type Monitor struct {
	ID                 string        `json:"id" bson:"_id"`
	URL                string        `json:"url" bson:"url"`
	Method             string        `json:"method" bson:"method"`
	Type               MonitorType   `json:"type" bson:"type"`
	Interval           time.Duration `json:"interval" bson:"interval"`
	Regions            []string      `json:"regions" bson:"regions"`
	OwnerID            string        `json:"owner_id" bson:"owner_id"`
	EscalationPolicyID string        `json:"escalation_policy_id" bson:"escalation_policy_id"`
	NextCheckTime      *time.Time    `json:"next_check_time" bson:"next_check_time"`
	LastChecked        *time.Time    `json:"last_checked" bson:"last_checked"`
	LastStatus         Status        `json:"last_status" bson:"last_status"`
}

// Region is a location workers run checks from
type Region struct {
	ID   string `json:"id" bson:"_id"`
	Name string `json:"name" bson:"name"`
}

// CheckResult is the result of a single check, also called a tick
type CheckResult struct {
	ID           string        `json:"id" bson:"_id,omitempty"`
	MonitorID    string        `json:"monitor_id" bson:"monitor_id"`
	RegionID     string        `json:"region_id" bson:"region_id"`
	Region       string        `json:"region" bson:"region"`
	Status       Status        `json:"status" bson:"status"`
	StatusCode   int           `json:"status_code" bson:"status_code,omitempty"`
	ResponseTime time.Duration `json:"-" bson:"-"`
	ResponseMS   int64         `json:"response_ms" bson:"response_ms"`
	// http phase timings, zero when a phase did not happen (reused connection, tcp probe)
	FirstByteMS int64     `json:"firstbyte_ms" bson:"firstbyte_ms,omitempty"`
	ConnectMS   int64     `json:"connect_ms" bson:"connect_ms,omitempty"`
	TLSMS       int64     `json:"tls_ms" bson:"tls_ms,omitempty"`
	DNSMS       int64     `json:"dns_ms" bson:"dns_ms,omitempty"`
	Message     string    `json:"message" bson:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// Normalize fills the derived millisecond field from ResponseTime
func (r *CheckResult) Normalize() {
	if r.ResponseTime > 0 {
		r.ResponseMS = r.ResponseTime.Milliseconds()
	} else if r.ResponseMS > 0 {
		r.ResponseTime = time.Duration(r.ResponseMS) * time.Millisecond
	}
}
