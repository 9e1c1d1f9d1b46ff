package data

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/larntz/status-dispatch/internal/checks"
)

// DefaultSQLitePath is used when no connection string is configured
const DefaultSQLitePath = "status.db"

// SQLite implements the Database interface on an embedded sqlite file.
// Times are stored as unix milliseconds.
type SQLite struct {
	Path string
	DB   *sql.DB
}

// Connect opens the file and runs migrations
func (db *SQLite) Connect(ctx context.Context) error {
	path := db.Path
	if path == "" {
		path = DefaultSQLitePath
	}
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return errors.Wrapf(err, "open sqlite %s", path)
	}
	// one writer, sqlite serializes anyway
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return errors.Wrap(err, "sqlite ping")
	}
	if err := migrateSQLite(conn); err != nil {
		conn.Close()
		return err
	}
	db.DB = conn
	return nil
}

// Disconnect closes the file
func (db *SQLite) Disconnect(context.Context) error {
	if db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// Ping the database
func (db *SQLite) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// FindDueMonitors returns monitors that are due or were never scheduled
func (db *SQLite) FindDueMonitors(ctx context.Context, now time.Time) ([]checks.Monitor, error) {
	rows, err := db.DB.QueryContext(ctx, `SELECT `+monitorColumns+` FROM monitors
		WHERE next_check_time IS NULL OR next_check_time <= ?
		ORDER BY next_check_time`, now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "find due monitors")
	}
	defer rows.Close()

	var monitors []checks.Monitor
	for rows.Next() {
		var (
			m                  checks.Monitor
			typ, regions, last string
			intervalMS         int64
			next, checked      sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.URL, &m.Method, &typ, &intervalMS, &regions, &m.OwnerID,
			&m.EscalationPolicyID, &next, &checked, &last); err != nil {
			return nil, errors.Wrap(err, "scan monitor")
		}
		m.Type = checks.MonitorType(typ)
		m.Interval = time.Duration(intervalMS) * time.Millisecond
		if regions != "" {
			m.Regions = strings.Split(regions, ",")
		}
		m.NextCheckTime = fromMillis(next)
		m.LastChecked = fromMillis(checked)
		m.LastStatus = checks.Status(last)
		monitors = append(monitors, m)
	}
	return monitors, errors.Wrap(rows.Err(), "iterate due monitors")
}

// UpdateNextCheckTime sets when the monitor is due next
func (db *SQLite) UpdateNextCheckTime(ctx context.Context, monitorID string, next time.Time) error {
	res, err := db.DB.ExecContext(ctx, `UPDATE monitors SET next_check_time = ? WHERE id = ?`, next.UnixMilli(), monitorID)
	if err != nil {
		return errors.Wrapf(err, "update next check time of %s", monitorID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "monitor %s", monitorID)
	}
	return nil
}

// RecordCheckResult inserts the result and stamps the monitor in one transaction
func (db *SQLite) RecordCheckResult(ctx context.Context, result checks.CheckResult) (checks.Status, error) {
	result.Normalize()
	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return checks.StatusUnknown, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT last_status FROM monitors WHERE id = ?`, result.MonitorID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return checks.StatusUnknown, errors.Wrapf(err, "read monitor %s", result.MonitorID)
	}

	created := result.CreatedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx, `INSERT INTO checks
		(id, monitor_id, region_id, region, status, status_code, response_ms,
			firstbyte_ms, connect_ms, tls_ms, dns_ms, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.MonitorID, result.RegionID, result.Region, string(result.Status),
		result.StatusCode, result.ResponseMS, result.FirstByteMS, result.ConnectMS, result.TLSMS, result.DNSMS,
		result.Message, created); err != nil {
		return checks.StatusUnknown, errors.Wrap(err, "insert check result")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE monitors SET last_checked = ?, last_status = ? WHERE id = ?`,
		created, string(result.Status), result.MonitorID); err != nil {
		return checks.StatusUnknown, errors.Wrapf(err, "stamp monitor %s", result.MonitorID)
	}
	if err := tx.Commit(); err != nil {
		return checks.StatusUnknown, errors.Wrap(err, "commit check result")
	}
	return checks.Status(previous), nil
}

// DeleteChecksOlderThan removes results of one region created before cutoff
func (db *SQLite) DeleteChecksOlderThan(ctx context.Context, cutoff time.Time, regionID string) (int64, error) {
	res, err := db.DB.ExecContext(ctx, `DELETE FROM checks WHERE region_id = ? AND created_at < ?`,
		regionID, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "delete old checks")
	}
	return res.RowsAffected()
}

// EnsureRegion finds or creates the region by name
func (db *SQLite) EnsureRegion(ctx context.Context, name string) (checks.Region, error) {
	if _, err := db.DB.ExecContext(ctx, `INSERT OR IGNORE INTO regions (id, name) VALUES (?, ?)`,
		uuid.NewString(), name); err != nil {
		return checks.Region{}, errors.Wrapf(err, "ensure region %s", name)
	}
	return db.GetRegion(ctx, name)
}

// GetRegion looks a region up by name
func (db *SQLite) GetRegion(ctx context.Context, name string) (checks.Region, error) {
	var r checks.Region
	err := db.DB.QueryRowContext(ctx, `SELECT id, name FROM regions WHERE name = ?`, name).Scan(&r.ID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return checks.Region{}, errors.Wrapf(ErrNotFound, "region %s", name)
	}
	return r, errors.Wrapf(err, "get region %s", name)
}

// CreateMonitor upserts the monitor by id
func (db *SQLite) CreateMonitor(ctx context.Context, m checks.Monitor) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := db.DB.ExecContext(ctx, `INSERT INTO monitors (`+monitorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET url = excluded.url, method = excluded.method, type = excluded.type,
			interval_ms = excluded.interval_ms, regions = excluded.regions, owner_id = excluded.owner_id,
			escalation_policy_id = excluded.escalation_policy_id, next_check_time = excluded.next_check_time,
			last_checked = excluded.last_checked, last_status = excluded.last_status`,
		m.ID, m.URL, m.Method, string(m.Type), m.Interval.Milliseconds(), strings.Join(m.Regions, ","), m.OwnerID,
		m.EscalationPolicyID, toMillis(m.NextCheckTime), toMillis(m.LastChecked), string(m.LastStatus))
	return errors.Wrapf(err, "create monitor %s", m.ID)
}

// AcquireLease takes the lease when it is free, expired or already ours
func (db *SQLite) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := db.DB.ExecContext(ctx, `INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, errors.Wrapf(err, "acquire lease %s", name)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseLease drops the lease if holder still owns it
func (db *SQLite) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := db.DB.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	return errors.Wrapf(err, "release lease %s", name)
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
