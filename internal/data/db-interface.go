// Package data abstracts access to our database, e.g., mongo
package data

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/larntz/status-dispatch/internal/checks"
)

// ErrNotFound is returned when a looked up row does not exist
var ErrNotFound = errors.New("not found")

// DispatcherLease is the lease name held by the active dispatcher
const DispatcherLease = "dispatcher"

// Database interface abstracts database access.
type Database interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error

	// FindDueMonitors returns monitors whose next check time is at or before now, or was never set.
	FindDueMonitors(ctx context.Context, now time.Time) ([]checks.Monitor, error)
	UpdateNextCheckTime(ctx context.Context, monitorID string, next time.Time) error
	// RecordCheckResult stores a result, updates the monitor's last check and
	// returns the status the monitor had before.
	RecordCheckResult(ctx context.Context, result checks.CheckResult) (checks.Status, error)
	// DeleteChecksOlderThan removes results of a single region created before cutoff.
	DeleteChecksOlderThan(ctx context.Context, cutoff time.Time, regionID string) (int64, error)

	// EnsureRegion returns the region named name, creating it when missing.
	EnsureRegion(ctx context.Context, name string) (checks.Region, error)
	GetRegion(ctx context.Context, name string) (checks.Region, error)
	// CreateMonitor creates or replaces a monitor by id.
	CreateMonitor(ctx context.Context, m checks.Monitor) error

	// AcquireLease takes or renews the named lease for holder. It returns false
	// while another holder's lease is unexpired.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}
