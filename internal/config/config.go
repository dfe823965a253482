// Package config loads the synchronizer configuration from YAML, an optional
// .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Environment variables read after the file. They win over file values.
const (
	EnvLocalToken    = "FEDSYNC_LOCAL_TOKEN"
	EnvUpstreamToken = "FEDSYNC_UPSTREAM_TOKEN"
	EnvLogLevel      = "FEDSYNC_LOG_LEVEL"
)

// Endpoint is one control plane and its notification bus.
type Endpoint struct {
	// Driver selects the repository implementation: "rest" or "memory".
	Driver  string        `yaml:"driver"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	NATSURL string        `yaml:"nats_url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

// Intervals drive the sync controller of one kind.
type Intervals struct {
	Periodic time.Duration `yaml:"periodic_sync_interval"`
	Retry    time.Duration `yaml:"retry_interval"`
	Check    time.Duration `yaml:"sync_check_interval"`
}

type Config struct {
	SCGs []string `yaml:"storage_connectivity_group"`

	Intervals         `yaml:",inline"`
	FullSyncFrequency int                  `yaml:"full_sync_frequency"`
	PerKind           map[string]Intervals `yaml:"per_kind"`

	MapUpstreamNetworks []string `yaml:"map_upstream_networks"`
	StagingProjectName  string   `yaml:"staging_project_name"`
	StagingUserName     string   `yaml:"staging_user_name"`
	FlavorPrefix        string   `yaml:"flavor_prefix"`
	DefaultImageName    string   `yaml:"default_image_name"`
	EventTTLHours       int      `yaml:"event_ttl_hours"`
	ImageLimit          int      `yaml:"image_limit"`
	NetworkLimit        int      `yaml:"network_limit"`
	MaxHostDiskSize     int64    `yaml:"max_host_disk_size"`

	Local    Endpoint `yaml:"local"`
	Upstream Endpoint `yaml:"upstream"`

	// DBPath is the badger directory; empty keeps mappings in memory.
	DBPath        string `yaml:"db_path"`
	GRPCAddr      string `yaml:"grpc_addr"`
	HTTPAddr      string `yaml:"http_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
	ReportsURL    string `yaml:"reports_nats_url"`
	ReportsPrefix string `yaml:"reports_subject_prefix"`

	PortCreateDelay       time.Duration `yaml:"port_create_delay"`
	SpawnPollInterval     time.Duration `yaml:"spawn_poll_interval"`
	SpawnPollInitialDelay time.Duration `yaml:"spawn_poll_initial_delay"`
	SpawnTimeout          time.Duration `yaml:"spawn_timeout"`

	Tracing   string   `yaml:"tracing"`
	LogLevel  string   `yaml:"log_level"`
	LogFormat string   `yaml:"log_format"`
	Kinds     []string `yaml:"kinds"`
}

// Default returns a configuration with every default filled in. SCGs are
// left empty; they have no sensible default.
func Default() *Config {
	return &Config{
		Intervals: Intervals{
			Periodic: 300 * time.Second,
			Retry:    60 * time.Second,
			Check:    time.Second,
		},
		FullSyncFrequency:     30,
		MapUpstreamNetworks:   []string{"*"},
		StagingProjectName:    "Public",
		StagingUserName:       "admin",
		FlavorPrefix:          "PVC-",
		DefaultImageName:      "DEFAULT_IMAGE",
		EventTTLHours:         1,
		ImageLimit:            500,
		Local:                 Endpoint{Driver: "rest", Subject: "notifications.local", Timeout: 60 * time.Second},
		Upstream:              Endpoint{Driver: "rest", Subject: "notifications.upstream", Timeout: 60 * time.Second},
		DBPath:                "./data/badger",
		GRPCAddr:              ":50051",
		HTTPAddr:              ":8080",
		MetricsAddr:           ":9090",
		ReportsPrefix:         "fedsync.reports",
		PortCreateDelay:       15 * time.Second,
		SpawnPollInterval:     2 * time.Second,
		SpawnPollInitialDelay: 3 * time.Second,
		SpawnTimeout:          30 * time.Minute,
		Tracing:               "none",
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load reads path over the defaults, then applies envFile (when it exists)
// and the environment. An empty envFile skips the .env step.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.Configuration, "read config", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, syncerr.Wrap(syncerr.Configuration, "parse config", err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, syncerr.Wrap(syncerr.Configuration, "load env file", err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLocalToken); v != "" {
		c.Local.Token = v
	}
	if v := os.Getenv(EnvUpstreamToken); v != "" {
		c.Upstream.Token = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate reports the first problem as a Configuration error.
func (c *Config) Validate() error {
	if len(c.SCGs) == 0 {
		return syncerr.New(syncerr.Configuration, "validate", "storage_connectivity_group must name at least one SCG")
	}
	if err := c.Intervals.validate("default"); err != nil {
		return err
	}
	for kind := range c.PerKind {
		if _, err := models.ParseKind(kind); err != nil {
			return syncerr.Wrap(syncerr.Configuration, "validate", err)
		}
		if err := c.IntervalsFor(models.Kind(kind)).validate(kind); err != nil {
			return err
		}
	}
	if c.FullSyncFrequency < 1 {
		return syncerr.New(syncerr.Configuration, "validate", "full_sync_frequency must be at least 1")
	}
	if c.EventTTLHours < 1 {
		return syncerr.New(syncerr.Configuration, "validate", "event_ttl_hours must be at least 1")
	}
	if _, err := c.EnabledKinds(); err != nil {
		return err
	}
	switch c.Tracing {
	case "", "none", "stdout":
	default:
		return syncerr.New(syncerr.Configuration, "validate", "unknown tracing exporter %q", c.Tracing)
	}
	return nil
}

func (iv Intervals) validate(scope string) error {
	if iv.Periodic <= 0 || iv.Retry <= 0 || iv.Check <= 0 {
		return syncerr.New(syncerr.Configuration, "validate", "%s sync intervals must be positive", scope)
	}
	return nil
}

// IntervalsFor returns the intervals of kind: the per-kind override where
// set, the defaults otherwise.
func (c *Config) IntervalsFor(kind models.Kind) Intervals {
	out := c.Intervals
	o, ok := c.PerKind[string(kind)]
	if !ok {
		return out
	}
	if o.Periodic != 0 {
		out.Periodic = o.Periodic
	}
	if o.Retry != 0 {
		out.Retry = o.Retry
	}
	if o.Check != 0 {
		out.Check = o.Check
	}
	return out
}

// EnabledKinds returns the configured kinds in dependency order, or every
// kind when none is configured.
func (c *Config) EnabledKinds() ([]models.Kind, error) {
	if len(c.Kinds) == 0 {
		return models.AllKinds(), nil
	}
	want := map[models.Kind]bool{}
	for _, k := range c.Kinds {
		kind, err := models.ParseKind(k)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.Configuration, "validate", err)
		}
		want[kind] = true
	}
	var out []models.Kind
	for _, k := range models.AllKinds() {
		if want[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

// EventTTL is the echo retention.
func (c *Config) EventTTL() time.Duration {
	return time.Duration(c.EventTTLHours) * time.Hour
}

func (c *Config) String() string {
	return fmt.Sprintf("scgs=%v kinds=%v local=%s upstream=%s", c.SCGs, c.Kinds, c.Local.URL, c.Upstream.URL)
}
