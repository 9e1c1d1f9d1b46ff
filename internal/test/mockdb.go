// Package test is used for unit tests
package test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/larntz/status-dispatch/internal/checks"
	"github.com/larntz/status-dispatch/internal/data"
)

type lease struct {
	holder  string
	expires time.Time
}

// MockDB is an in-memory data.Database used for testing
type MockDB struct {
	mu       sync.Mutex
	monitors map[string]checks.Monitor
	regions  map[string]checks.Region
	leases   map[string]lease

	Results []checks.CheckResult

	// Set to make the matching call fail
	FindErr   error
	UpdateErr error
	RecordErr error
}

// NewMockDB returns an empty MockDB
func NewMockDB() *MockDB {
	return &MockDB{
		monitors: map[string]checks.Monitor{},
		regions:  map[string]checks.Region{},
		leases:   map[string]lease{},
	}
}

var _ data.Database = (*MockDB)(nil)

// Connect to the MockDB
func (db *MockDB) Connect(context.Context) error { return nil }

// Disconnect from the MockDB to satisfy interface
func (db *MockDB) Disconnect(context.Context) error { return nil }

// Ping the MockDB
func (db *MockDB) Ping(context.Context) error { return nil }

// FindDueMonitors returns due monitors ordered by id
func (db *MockDB) FindDueMonitors(_ context.Context, now time.Time) ([]checks.Monitor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.FindErr != nil {
		return nil, db.FindErr
	}
	var due []checks.Monitor
	for _, m := range db.monitors {
		if m.NextCheckTime == nil || !m.NextCheckTime.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// UpdateNextCheckTime on a stored monitor
func (db *MockDB) UpdateNextCheckTime(_ context.Context, monitorID string, next time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.UpdateErr != nil {
		return db.UpdateErr
	}
	m, ok := db.monitors[monitorID]
	if !ok {
		return errors.Wrapf(data.ErrNotFound, "monitor %s", monitorID)
	}
	m.NextCheckTime = &next
	db.monitors[monitorID] = m
	return nil
}

// RecordCheckResult appends to Results and stamps the monitor
func (db *MockDB) RecordCheckResult(_ context.Context, result checks.CheckResult) (checks.Status, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.RecordErr != nil {
		return checks.StatusUnknown, db.RecordErr
	}
	result.Normalize()
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	db.Results = append(db.Results, result)

	m, ok := db.monitors[result.MonitorID]
	if !ok {
		return checks.StatusUnknown, nil
	}
	previous := m.LastStatus
	at := result.CreatedAt
	m.LastChecked = &at
	m.LastStatus = result.Status
	db.monitors[m.ID] = m
	return previous, nil
}

// DeleteChecksOlderThan removes matching entries from Results
func (db *MockDB) DeleteChecksOlderThan(_ context.Context, cutoff time.Time, regionID string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.Results[:0]
	var deleted int64
	for _, r := range db.Results {
		if r.RegionID == regionID && r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	db.Results = kept
	return deleted, nil
}

// EnsureRegion creates the region on first use
func (db *MockDB) EnsureRegion(_ context.Context, name string) (checks.Region, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if r, ok := db.regions[name]; ok {
		return r, nil
	}
	r := checks.Region{ID: uuid.NewString(), Name: name}
	db.regions[name] = r
	return r, nil
}

// GetRegion by name
func (db *MockDB) GetRegion(_ context.Context, name string) (checks.Region, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.regions[name]
	if !ok {
		return checks.Region{}, errors.Wrapf(data.ErrNotFound, "region %s", name)
	}
	return r, nil
}

// CreateMonitor stores m, replacing any monitor with the same id
func (db *MockDB) CreateMonitor(_ context.Context, m checks.Monitor) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	db.monitors[m.ID] = m
	return nil
}

// AcquireLease grants the lease when free, expired or already held by holder
func (db *MockDB) AcquireLease(_ context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	l, ok := db.leases[name]
	if ok && l.holder != holder && !l.expires.Before(now) {
		return false, nil
	}
	db.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// ReleaseLease drops the lease if holder owns it
func (db *MockDB) ReleaseLease(_ context.Context, name, holder string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if l, ok := db.leases[name]; ok && l.holder == holder {
		delete(db.leases, name)
	}
	return nil
}

// AddCheck to MockDB
func (db *MockDB) AddCheck(m checks.Monitor) {
	_ = db.CreateMonitor(context.Background(), m)
}

// Monitor returns a copy of the stored monitor
func (db *MockDB) Monitor(id string) (checks.Monitor, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.monitors[id]
	return m, ok
}

// AddResult stores a result without touching monitors
func (db *MockDB) AddResult(r checks.CheckResult) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Results = append(db.Results, r)
}

// ResultsCopy returns a snapshot of Results
func (db *MockDB) ResultsCopy() []checks.CheckResult {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]checks.CheckResult(nil), db.Results...)
}
