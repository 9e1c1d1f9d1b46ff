// Package config loads process configuration from defaults, an optional
// yaml file and the environment, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrMissingSetting is wrapped by Validate for every required value that is unset
var ErrMissingSetting = errors.New("missing required setting")

// ErrInvalidSetting is wrapped for values that are set but unusable
var ErrInvalidSetting = errors.New("invalid setting")

// Role is the process kind a configuration is validated for
type Role string

// Roles
const (
	RoleDispatcher Role = "dispatcher"
	RoleWorker     Role = "worker"
	RoleSweeper    Role = "sweeper"
	RoleStandalone Role = "standalone"
	RoleSeed       Role = "seed"
)

// DefaultStreamName is the stream check jobs are written to
const DefaultStreamName = "monitor-checks"

// Config is the complete process configuration
type Config struct {
	Environment string `yaml:"environment"`
	Region      string `yaml:"region"`
	GroupName   string `yaml:"group_name"`
	ConsumerID  string `yaml:"consumer_id"`

	Stream StreamConfig `yaml:"stream"`
	DB     DBConfig     `yaml:"db"`

	DefaultRegion   string        `yaml:"default_region"`
	DefaultInterval time.Duration `yaml:"default_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DispatchLease   bool          `yaml:"dispatch_lease"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`

	Worker WorkerConfig `yaml:"worker"`

	RetentionWindow   time.Duration `yaml:"retention_window"`
	RetentionSchedule string        `yaml:"retention_schedule"`

	OpsAddr          string        `yaml:"ops_addr"`
	DevCheckInterval time.Duration `yaml:"dev_check_interval"`

	SMTP SMTPConfig `yaml:"smtp"`
}

// StreamConfig selects and configures the stream backend
type StreamConfig struct {
	Backend          string `yaml:"backend"`
	URL              string `yaml:"url"`
	DataDir          string `yaml:"data_dir"`
	Name             string `yaml:"name"`
	MaxLen           int64  `yaml:"max_len"`
	DeadLetterStream string `yaml:"dead_letter_stream"`
}

// DBConfig selects and configures the monitor store
type DBConfig struct {
	Driver           string `yaml:"driver"`
	ConnectionString string `yaml:"connection_string"`
}

// WorkerConfig holds consumer and probe settings
type WorkerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	DegradedAfter time.Duration `yaml:"degraded_after"`
	UpStatusMin   int           `yaml:"up_status_min"`
	UpStatusMax   int           `yaml:"up_status_max"`
	ClaimMinIdle  time.Duration `yaml:"claim_min_idle"`
	MaxDeliveries int64         `yaml:"max_deliveries"`
}

// SMTPConfig enables mail escalation when Host is set
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Default returns built-in defaults
func Default() Config {
	return Config{
		Environment: "development",
		Stream: StreamConfig{
			Backend:          "redis",
			URL:              "redis://localhost:6379/0",
			DataDir:          "./data/stream",
			Name:             DefaultStreamName,
			DeadLetterStream: DefaultStreamName + "-dead",
		},
		DB: DBConfig{
			Driver: "mongo",
		},
		DefaultRegion:   "us-east-1",
		DefaultInterval: 60 * time.Second,
		PollInterval:    5 * time.Second,
		DispatchLease:   true,
		LeaseTTL:        30 * time.Second,
		Worker: WorkerConfig{
			PollInterval:  time.Second,
			BatchSize:     5,
			ProbeTimeout:  10 * time.Second,
			DegradedAfter: 2 * time.Second,
			UpStatusMin:   200,
			UpStatusMax:   399,
			ClaimMinIdle:  5 * time.Minute,
			MaxDeliveries: 3,
		},
		RetentionWindow:   48 * time.Hour,
		RetentionSchedule: "0 0 * * *",
		DevCheckInterval:  60 * time.Second,
		SMTP: SMTPConfig{
			Port: 587,
		},
	}
}

// Load reads the optional yaml file at path over the defaults and then
// overlays the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := FromEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = defaultConsumerID()
	}
	return cfg, nil
}

// Validate checks that the settings required by role are present
func (c Config) Validate(role Role) error {
	var missing []string
	if c.Region == "" {
		missing = append(missing, "REGION")
	}
	switch role {
	case RoleDispatcher, RoleWorker, RoleStandalone:
		if c.GroupName == "" {
			missing = append(missing, "GROUP_NAME")
		}
	}
	if role != RoleStandalone && c.DB.Driver != "sqlite" && c.DB.ConnectionString == "" {
		missing = append(missing, "DB_CONNECTION_STRING")
	}
	if len(missing) > 0 {
		return errors.Wrap(ErrMissingSetting, strings.Join(missing, ", "))
	}

	switch c.Stream.Backend {
	case "redis", "pebble":
	default:
		return fmt.Errorf("unknown stream backend %q", c.Stream.Backend)
	}
	switch c.DB.Driver {
	case "mongo", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown db driver %q", c.DB.Driver)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Worker.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.Worker.UpStatusMin > c.Worker.UpStatusMax {
		return fmt.Errorf("up status range %d-%d is empty", c.Worker.UpStatusMin, c.Worker.UpStatusMax)
	}

	// tickers panic on non-positive intervals and a zero claim idle
	// re-claims failing entries within the same poll
	positive := []struct {
		key   string
		value time.Duration
		check bool
	}{
		{"POLL_INTERVAL", c.PollInterval, role == RoleDispatcher || role == RoleStandalone},
		{"LEASE_TTL", c.LeaseTTL, c.DispatchLease && (role == RoleDispatcher || role == RoleStandalone)},
		{"WORKER_POLL_INTERVAL", c.Worker.PollInterval, role == RoleWorker || role == RoleStandalone},
		{"CLAIM_MIN_IDLE", c.Worker.ClaimMinIdle, role == RoleWorker || role == RoleStandalone},
		{"RETENTION_WINDOW", c.RetentionWindow, role == RoleSweeper || role == RoleStandalone},
	}
	var invalid []string
	for _, p := range positive {
		if p.check && p.value <= 0 {
			invalid = append(invalid, fmt.Sprintf("%s=%s", p.key, p.value))
		}
	}
	if len(invalid) > 0 {
		return errors.Wrapf(ErrInvalidSetting, "must be positive: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// Standalone adapts the configuration to a single process install. The
// stream is always the embedded one and a store without a connection string
// becomes the sqlite file.
func (c *Config) Standalone() {
	c.Stream.Backend = "pebble"
	if c.DB.ConnectionString == "" {
		c.DB.Driver = "sqlite"
	}
	if c.GroupName == "" {
		c.GroupName = "standalone"
	}
}

func defaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
