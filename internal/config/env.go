package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FromEnv overlays environment variables onto cfg. Every malformed value is
// reported in one error wrapping ErrInvalidSetting.
func FromEnv(cfg *Config) error {
	env := &envReader{}
	env.setString(&cfg.Environment, "ENVIRONMENT")
	env.setString(&cfg.Region, "REGION")
	env.setString(&cfg.GroupName, "GROUP_NAME")
	env.setString(&cfg.ConsumerID, "CONSUMER_ID")

	env.setString(&cfg.Stream.Backend, "STREAM_BACKEND")
	env.setString(&cfg.Stream.URL, "STREAM_URL")
	env.setString(&cfg.Stream.DataDir, "STREAM_DATA_DIR")
	env.setString(&cfg.Stream.Name, "STREAM_NAME")
	env.setInt64(&cfg.Stream.MaxLen, "STREAM_MAX_LEN")
	env.setString(&cfg.Stream.DeadLetterStream, "DEAD_LETTER_STREAM")

	env.setString(&cfg.DB.Driver, "DB_DRIVER")
	env.setString(&cfg.DB.ConnectionString, "DB_CONNECTION_STRING")

	env.setString(&cfg.DefaultRegion, "DEFAULT_REGION")
	env.setDuration(&cfg.DefaultInterval, "DEFAULT_INTERVAL")
	env.setDuration(&cfg.PollInterval, "POLL_INTERVAL")
	env.setBool(&cfg.DispatchLease, "DISPATCH_LEASE")
	env.setDuration(&cfg.LeaseTTL, "LEASE_TTL")

	env.setDuration(&cfg.Worker.PollInterval, "WORKER_POLL_INTERVAL")
	env.setInt(&cfg.Worker.BatchSize, "BATCH_SIZE")
	env.setDuration(&cfg.Worker.ProbeTimeout, "PROBE_TIMEOUT")
	env.setDuration(&cfg.Worker.DegradedAfter, "DEGRADED_AFTER")
	env.setInt(&cfg.Worker.UpStatusMin, "UP_STATUS_MIN")
	env.setInt(&cfg.Worker.UpStatusMax, "UP_STATUS_MAX")
	env.setDuration(&cfg.Worker.ClaimMinIdle, "CLAIM_MIN_IDLE")
	env.setInt64(&cfg.Worker.MaxDeliveries, "MAX_DELIVERIES")

	env.setDuration(&cfg.RetentionWindow, "RETENTION_WINDOW")
	env.setString(&cfg.RetentionSchedule, "RETENTION_SCHEDULE")

	env.setString(&cfg.OpsAddr, "OPS_ADDR")
	env.setDuration(&cfg.DevCheckInterval, "DEV_CHECK_INTERVAL")

	env.setString(&cfg.SMTP.Host, "SMTP_HOST")
	env.setInt(&cfg.SMTP.Port, "SMTP_PORT")
	env.setString(&cfg.SMTP.User, "SMTP_USER")
	env.setString(&cfg.SMTP.Password, "SMTP_PASSWORD")
	env.setString(&cfg.SMTP.From, "SMTP_FROM")
	if v, ok := os.LookupEnv("SMTP_TO"); ok {
		cfg.SMTP.To = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.SMTP.To = append(cfg.SMTP.To, p)
			}
		}
	}
	return env.err()
}

// envReader collects every malformed variable so all of them are reported at once
type envReader struct {
	invalid []string
}

func (e *envReader) fail(key, value string) {
	e.invalid = append(e.invalid, fmt.Sprintf("%s=%q", key, value))
}

func (e *envReader) err() error {
	if len(e.invalid) == 0 {
		return nil
	}
	return errors.Wrap(ErrInvalidSetting, strings.Join(e.invalid, ", "))
}

func (e *envReader) setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v)
			return
		}
		*dst = n
	}
}

func (e *envReader) setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v)
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v)
			return
		}
		*dst = d
	}
}
