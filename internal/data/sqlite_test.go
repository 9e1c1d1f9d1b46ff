package data

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/checks"
)

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	db := &SQLite{Path: filepath.Join(t.TempDir(), "status.db")}
	require.NoError(t, db.Connect(context.Background()))
	t.Cleanup(func() { db.Disconnect(context.Background()) })
	return db
}

func TestSQLiteFindDueMonitors(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	now := time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	require.NoError(t, db.CreateMonitor(ctx, checks.Monitor{ID: "new", URL: "https://a.example.com", Interval: time.Minute}))
	require.NoError(t, db.CreateMonitor(ctx, checks.Monitor{ID: "due", URL: "https://b.example.com", Interval: time.Minute,
		Regions: []string{"eu-west-1", "us-east-1"}, NextCheckTime: &past}))
	require.NoError(t, db.CreateMonitor(ctx, checks.Monitor{ID: "later", URL: "https://c.example.com", NextCheckTime: &future}))

	due, err := db.FindDueMonitors(ctx, now)
	require.NoError(t, err)
	ids := map[string]checks.Monitor{}
	for _, m := range due {
		ids[m.ID] = m
	}
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "new", "never scheduled monitors are due")
	assert.Nil(t, ids["new"].NextCheckTime)
	assert.Equal(t, []string{"eu-west-1", "us-east-1"}, ids["due"].Regions)
	assert.Equal(t, time.Minute, ids["due"].Interval)

	require.NoError(t, db.UpdateNextCheckTime(ctx, "new", now.Add(time.Minute)))
	require.NoError(t, db.UpdateNextCheckTime(ctx, "due", now.Add(time.Minute)))
	due, err = db.FindDueMonitors(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	err = db.UpdateNextCheckTime(ctx, "missing", now)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteRecordCheckResult(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	now := time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.CreateMonitor(ctx, checks.Monitor{ID: "m1", URL: "https://a.example.com"}))
	region, err := db.EnsureRegion(ctx, "us-east-1")
	require.NoError(t, err)

	prev, err := db.RecordCheckResult(ctx, checks.CheckResult{MonitorID: "m1", RegionID: region.ID, Region: region.Name,
		Status: checks.StatusUp, StatusCode: 200, ResponseTime: 120 * time.Millisecond, CreatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, checks.StatusUnknown, prev)

	prev, err = db.RecordCheckResult(ctx, checks.CheckResult{MonitorID: "m1", RegionID: region.ID, Region: region.Name,
		Status: checks.StatusDown, CreatedAt: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, checks.StatusUp, prev)

	var count int
	require.NoError(t, db.DB.QueryRow(`SELECT COUNT(*) FROM checks WHERE monitor_id = 'm1'`).Scan(&count))
	assert.Equal(t, 2, count)
	var ms int64
	require.NoError(t, db.DB.QueryRow(`SELECT response_ms FROM checks WHERE status = 'up'`).Scan(&ms))
	assert.EqualValues(t, 120, ms)
}

func TestSQLiteRecordsPhaseTimings(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	require.NoError(t, db.CreateMonitor(ctx, checks.Monitor{ID: "m1", URL: "https://a.example.com"}))
	region, err := db.EnsureRegion(ctx, "us-east-1")
	require.NoError(t, err)

	_, err = db.RecordCheckResult(ctx, checks.CheckResult{MonitorID: "m1", RegionID: region.ID, Region: region.Name,
		Status: checks.StatusUp, StatusCode: 200, ResponseTime: 90 * time.Millisecond,
		FirstByteMS: 80, ConnectMS: 30, TLSMS: 25, DNSMS: 5, CreatedAt: time.Now()})
	require.NoError(t, err)

	var firstByte, connect, tlsMS, dns int64
	require.NoError(t, db.DB.QueryRowContext(ctx,
		`SELECT firstbyte_ms, connect_ms, tls_ms, dns_ms FROM checks WHERE monitor_id = 'm1'`).
		Scan(&firstByte, &connect, &tlsMS, &dns))
	assert.EqualValues(t, 80, firstByte)
	assert.EqualValues(t, 30, connect)
	assert.EqualValues(t, 25, tlsMS)
	assert.EqualValues(t, 5, dns)
}

func TestSQLiteRetentionIsRegionScoped(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	cutoff := time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)

	east, err := db.EnsureRegion(ctx, "us-east-1")
	require.NoError(t, err)
	west, err := db.EnsureRegion(ctx, "eu-west-1")
	require.NoError(t, err)
	require.NotEqual(t, east.ID, west.ID)

	for _, r := range []checks.Region{east, west} {
		for _, at := range []time.Time{cutoff.Add(-time.Hour), cutoff.Add(time.Hour)} {
			_, err := db.RecordCheckResult(ctx, checks.CheckResult{MonitorID: "m1", RegionID: r.ID, Region: r.Name,
				Status: checks.StatusUp, CreatedAt: at})
			require.NoError(t, err)
		}
	}

	deleted, err := db.DeleteChecksOlderThan(ctx, cutoff, east.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	var westRows int
	require.NoError(t, db.DB.QueryRow(`SELECT COUNT(*) FROM checks WHERE region_id = ?`, west.ID).Scan(&westRows))
	assert.Equal(t, 2, westRows, "other regions are untouched")
}

func TestSQLiteRegions(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	_, err := db.GetRegion(ctx, "us-east-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	first, err := db.EnsureRegion(ctx, "us-east-1")
	require.NoError(t, err)
	again, err := db.EnsureRegion(ctx, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestSQLiteLease(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	now := time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)

	ok, err := db.AcquireLease(ctx, DispatcherLease, "a", 30*time.Second, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.AcquireLease(ctx, DispatcherLease, "b", 30*time.Second, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	ok, err = db.AcquireLease(ctx, DispatcherLease, "a", 30*time.Second, now.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	ok, err = db.AcquireLease(ctx, DispatcherLease, "b", 30*time.Second, now.Add(51*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, db.ReleaseLease(ctx, DispatcherLease, "b"))
	ok, err = db.AcquireLease(ctx, DispatcherLease, "a", 30*time.Second, now.Add(52*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateDevChecks(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	csv := "1,google.com\n2,youtube.com\n3\n"

	n, err := CreateDevChecks(ctx, db, strings.NewReader(csv), "us-dev-1", time.Minute, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	due, err := db.FindDueMonitors(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 2)
	for _, m := range due {
		assert.True(t, strings.HasPrefix(m.URL, "https://"))
		assert.Equal(t, []string{"us-dev-1"}, m.Regions)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "")
	require.Error(t, err)
}

func TestPgx5URL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/status", pgx5URL("postgres://u:p@db:5432/status"))
	assert.Equal(t, "pgx5://db/status", pgx5URL("postgresql://db/status"))
}
