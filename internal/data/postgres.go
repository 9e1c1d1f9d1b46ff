package data

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/larntz/status-dispatch/internal/checks"
)

// Postgres implements the Database interface on a pgx pool
type Postgres struct {
	ConnectionString string
	Pool             *pgxpool.Pool
}

const monitorColumns = `id, url, method, type, interval_ms, regions, owner_id, escalation_policy_id,
	next_check_time, last_checked, last_status`

// Connect runs migrations and opens the pool
func (db *Postgres) Connect(ctx context.Context) error {
	if db.ConnectionString == "" {
		return errors.New("postgres connection string is empty")
	}
	if err := migratePostgres(db.ConnectionString); err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, db.ConnectionString)
	if err != nil {
		return errors.Wrap(err, "postgres connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, "postgres ping")
	}
	db.Pool = pool
	return nil
}

// Disconnect closes the pool
func (db *Postgres) Disconnect(context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

// Ping the server
func (db *Postgres) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// FindDueMonitors returns monitors that are due or were never scheduled
func (db *Postgres) FindDueMonitors(ctx context.Context, now time.Time) ([]checks.Monitor, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+monitorColumns+` FROM monitors
		WHERE next_check_time IS NULL OR next_check_time <= $1
		ORDER BY next_check_time NULLS FIRST`, now)
	if err != nil {
		return nil, errors.Wrap(err, "find due monitors")
	}
	defer rows.Close()

	var monitors []checks.Monitor
	for rows.Next() {
		var (
			m          checks.Monitor
			typ        string
			intervalMS int64
			lastStatus string
		)
		if err := rows.Scan(&m.ID, &m.URL, &m.Method, &typ, &intervalMS, &m.Regions, &m.OwnerID,
			&m.EscalationPolicyID, &m.NextCheckTime, &m.LastChecked, &lastStatus); err != nil {
			return nil, errors.Wrap(err, "scan monitor")
		}
		m.Type = checks.MonitorType(typ)
		m.Interval = time.Duration(intervalMS) * time.Millisecond
		m.LastStatus = checks.Status(lastStatus)
		monitors = append(monitors, m)
	}
	return monitors, errors.Wrap(rows.Err(), "iterate due monitors")
}

// UpdateNextCheckTime sets when the monitor is due next
func (db *Postgres) UpdateNextCheckTime(ctx context.Context, monitorID string, next time.Time) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE monitors SET next_check_time = $2 WHERE id = $1`, monitorID, next)
	if err != nil {
		return errors.Wrapf(err, "update next check time of %s", monitorID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "monitor %s", monitorID)
	}
	return nil
}

// RecordCheckResult inserts the result and stamps the monitor in one transaction
func (db *Postgres) RecordCheckResult(ctx context.Context, result checks.CheckResult) (checks.Status, error) {
	result.Normalize()
	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return checks.StatusUnknown, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	var previous string
	err = tx.QueryRow(ctx, `SELECT last_status FROM monitors WHERE id = $1 FOR UPDATE`, result.MonitorID).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return checks.StatusUnknown, errors.Wrapf(err, "lock monitor %s", result.MonitorID)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO checks
		(id, monitor_id, region_id, region, status, status_code, response_ms,
			firstbyte_ms, connect_ms, tls_ms, dns_ms, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		result.ID, result.MonitorID, result.RegionID, result.Region, string(result.Status),
		result.StatusCode, result.ResponseMS, result.FirstByteMS, result.ConnectMS, result.TLSMS, result.DNSMS,
		result.Message, result.CreatedAt); err != nil {
		return checks.StatusUnknown, errors.Wrap(err, "insert check result")
	}
	if _, err := tx.Exec(ctx, `UPDATE monitors SET last_checked = $2, last_status = $3 WHERE id = $1`,
		result.MonitorID, result.CreatedAt, string(result.Status)); err != nil {
		return checks.StatusUnknown, errors.Wrapf(err, "stamp monitor %s", result.MonitorID)
	}
	if err := tx.Commit(ctx); err != nil {
		return checks.StatusUnknown, errors.Wrap(err, "commit check result")
	}
	return checks.Status(previous), nil
}

// DeleteChecksOlderThan removes results of one region created before cutoff
func (db *Postgres) DeleteChecksOlderThan(ctx context.Context, cutoff time.Time, regionID string) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM checks WHERE region_id = $1 AND created_at < $2`, regionID, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete old checks")
	}
	return tag.RowsAffected(), nil
}

// EnsureRegion finds or creates the region by name
func (db *Postgres) EnsureRegion(ctx context.Context, name string) (checks.Region, error) {
	if _, err := db.Pool.Exec(ctx, `INSERT INTO regions (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		uuid.NewString(), name); err != nil {
		return checks.Region{}, errors.Wrapf(err, "ensure region %s", name)
	}
	return db.GetRegion(ctx, name)
}

// GetRegion looks a region up by name
func (db *Postgres) GetRegion(ctx context.Context, name string) (checks.Region, error) {
	var r checks.Region
	err := db.Pool.QueryRow(ctx, `SELECT id, name FROM regions WHERE name = $1`, name).Scan(&r.ID, &r.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return checks.Region{}, errors.Wrapf(ErrNotFound, "region %s", name)
	}
	return r, errors.Wrapf(err, "get region %s", name)
}

// CreateMonitor upserts the monitor by id
func (db *Postgres) CreateMonitor(ctx context.Context, m checks.Monitor) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Regions == nil {
		m.Regions = []string{}
	}
	_, err := db.Pool.Exec(ctx, `INSERT INTO monitors (`+monitorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET url = excluded.url, method = excluded.method, type = excluded.type,
			interval_ms = excluded.interval_ms, regions = excluded.regions, owner_id = excluded.owner_id,
			escalation_policy_id = excluded.escalation_policy_id, next_check_time = excluded.next_check_time,
			last_checked = excluded.last_checked, last_status = excluded.last_status`,
		m.ID, m.URL, m.Method, string(m.Type), m.Interval.Milliseconds(), m.Regions, m.OwnerID,
		m.EscalationPolicyID, m.NextCheckTime, m.LastChecked, string(m.LastStatus))
	return errors.Wrapf(err, "create monitor %s", m.ID)
}

// AcquireLease takes the lease when it is free, expired or already ours
func (db *Postgres) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `INSERT INTO leases (name, holder, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at < $4 OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl), now)
	if err != nil {
		return false, errors.Wrapf(err, "acquire lease %s", name)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease drops the lease if holder still owns it
func (db *Postgres) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder)
	return errors.Wrapf(err, "release lease %s", name)
}
