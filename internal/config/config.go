package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // operator time zone on hosts without zoneinfo

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LIVESTOP_"

// Config holds application configuration. Values come from defaults, then
// an optional YAML file, then LIVESTOP_* environment variables.
type Config struct {
	Port      int    `yaml:"port" validate:"gt=0,lte=65535"`
	DBPath    string `yaml:"db_path" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	ImportRef bool   `yaml:"-"` // CLI flag: download and persist the reference graph, then exit

	// Open-data exports, fetched without credentials.
	LinesURL     string `yaml:"lines_url" validate:"required,url"`
	StopsURL     string `yaml:"stops_url" validate:"required,url"`
	RelationsURL string `yaml:"relations_url" validate:"required,url"`

	// Authenticated real-time endpoints.
	StopMonitoringURL string   `yaml:"stop_monitoring_url" validate:"required,url"`
	LineReportsURL    string   `yaml:"line_reports_url" validate:"required,url"`
	APITokens         []string `yaml:"api_tokens" validate:"min=1,dive,required"`

	// Freshness. Reference data outlives real-time data, which outlives
	// disruption data. ReferenceTTL is also the reference refresh interval.
	ReferenceTTL  time.Duration `yaml:"reference_ttl" validate:"gtfield=RealtimeTTL"`
	RealtimeTTL   time.Duration `yaml:"realtime_ttl" validate:"gtfield=DisruptionTTL"`
	DisruptionTTL time.Duration `yaml:"disruption_ttl" validate:"gt=0"`
	TopologyTTL   time.Duration `yaml:"topology_ttl" validate:"gt=0"`
	MaxStale      time.Duration `yaml:"max_stale" validate:"gte=0"`
	CacheSize     int           `yaml:"cache_size" validate:"gt=0"`

	// Upstream call guards.
	CallTimeout       time.Duration `yaml:"call_timeout" validate:"gt=0"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	BackoffInitial    time.Duration `yaml:"backoff_initial" validate:"gt=0"`
	BackoffMax        time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffInitial"`
	StopMonitoringRPS float64       `yaml:"stop_monitoring_rps" validate:"gt=0"`
	LineReportsRPS    float64       `yaml:"line_reports_rps" validate:"gt=0"`
	RateBurst         int           `yaml:"rate_burst" validate:"gte=1"`
	MaxQueueWait      time.Duration `yaml:"max_queue_wait" validate:"gte=0"`
	BreakerThreshold  int           `yaml:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" validate:"gt=0"`
	Workers           int           `yaml:"workers" validate:"gte=1,lte=64"`

	ExcludeElevators bool   `yaml:"exclude_elevators"`
	QuietHours       bool   `yaml:"quiet_hours"`
	QuietStart       string `yaml:"quiet_start" validate:"datetime=15:04"`
	QuietEnd         string `yaml:"quiet_end" validate:"datetime=15:04"`
	Timezone         string `yaml:"timezone" validate:"timezone"`

	// Nominatim search endpoint for address lookups; empty disables them.
	GeocodeURL string `yaml:"geocode_url" validate:"omitempty,url"`

	WatchStops    []string      `yaml:"watch_stops" validate:"dive,required"`
	WatchInterval time.Duration `yaml:"watch_interval" validate:"gt=0"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		DBPath:   "./livestop.db",
		LogLevel: "info",

		LinesURL:     "https://data.iledefrance-mobilites.fr/api/explore/v2.1/catalog/datasets/referentiel-des-lignes/exports/csv",
		StopsURL:     "https://data.iledefrance-mobilites.fr/api/explore/v2.1/catalog/datasets/arrets-lignes/exports/csv",
		RelationsURL: "https://data.iledefrance-mobilites.fr/api/explore/v2.1/catalog/datasets/arrets-lignes/exports/csv",

		StopMonitoringURL: "https://prim.iledefrance-mobilites.fr/marketplace/stop-monitoring",
		LineReportsURL:    "https://prim.iledefrance-mobilites.fr/marketplace/v2/navitia",

		ReferenceTTL:  24 * time.Hour,
		RealtimeTTL:   60 * time.Second,
		DisruptionTTL: 30 * time.Second,
		TopologyTTL:   12 * time.Hour,
		MaxStale:      15 * time.Minute,
		CacheSize:     4096,

		CallTimeout:       10 * time.Second,
		MaxAttempts:       3,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        5 * time.Second,
		StopMonitoringRPS: 5,
		LineReportsRPS:    5,
		RateBurst:         1,
		MaxQueueWait:      2 * time.Second,
		BreakerThreshold:  5,
		BreakerCooldown:   30 * time.Second,
		Workers:           8,

		ExcludeElevators: true,
		QuietHours:       true,
		QuietStart:       "01:30",
		QuietEnd:         "05:30",
		Timezone:         "Europe/Paris",

		GeocodeURL: "https://nominatim.openstreetmap.org/search",

		WatchInterval: 3 * time.Minute,
	}
}

// Load builds the configuration. The YAML file named by LIVESTOP_CONFIG
// is required to exist when set; otherwise ./livestop.yml is read if
// present.
func Load() (*Config, error) {
	c := Defaults()

	path, explicit := os.LookupEnv(envPrefix + "CONFIG")
	if !explicit {
		path = "livestop.yml"
	}
	if err := c.loadFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("PORT", c.Port)
	c.DBPath = envStr("DB_PATH", c.DBPath)
	c.LogLevel = strings.ToLower(envStr("LOG_LEVEL", c.LogLevel))

	c.LinesURL = envStr("LINES_URL", c.LinesURL)
	c.StopsURL = envStr("STOPS_URL", c.StopsURL)
	c.RelationsURL = envStr("RELATIONS_URL", c.RelationsURL)

	c.StopMonitoringURL = envStr("STOP_MONITORING_URL", c.StopMonitoringURL)
	c.LineReportsURL = envStr("LINE_REPORTS_URL", c.LineReportsURL)
	c.APITokens = envList("API_TOKENS", c.APITokens)

	c.ReferenceTTL = envDuration("REFERENCE_TTL", c.ReferenceTTL)
	c.RealtimeTTL = envDuration("REALTIME_TTL", c.RealtimeTTL)
	c.DisruptionTTL = envDuration("DISRUPTION_TTL", c.DisruptionTTL)
	c.TopologyTTL = envDuration("TOPOLOGY_TTL", c.TopologyTTL)
	c.MaxStale = envDuration("MAX_STALE", c.MaxStale)
	c.CacheSize = envInt("CACHE_SIZE", c.CacheSize)

	c.CallTimeout = envDuration("CALL_TIMEOUT", c.CallTimeout)
	c.MaxAttempts = envInt("MAX_ATTEMPTS", c.MaxAttempts)
	c.BackoffInitial = envDuration("BACKOFF_INITIAL", c.BackoffInitial)
	c.BackoffMax = envDuration("BACKOFF_MAX", c.BackoffMax)
	c.StopMonitoringRPS = envFloat("STOP_MONITORING_RPS", c.StopMonitoringRPS)
	c.LineReportsRPS = envFloat("LINE_REPORTS_RPS", c.LineReportsRPS)
	c.RateBurst = envInt("RATE_BURST", c.RateBurst)
	c.MaxQueueWait = envDuration("MAX_QUEUE_WAIT", c.MaxQueueWait)
	c.BreakerThreshold = envInt("BREAKER_THRESHOLD", c.BreakerThreshold)
	c.BreakerCooldown = envDuration("BREAKER_COOLDOWN", c.BreakerCooldown)
	c.Workers = envInt("WORKERS", c.Workers)

	c.ExcludeElevators = envBool("EXCLUDE_ELEVATORS", c.ExcludeElevators)
	c.QuietHours = envBool("QUIET_HOURS", c.QuietHours)
	c.QuietStart = envStr("QUIET_START", c.QuietStart)
	c.QuietEnd = envStr("QUIET_END", c.QuietEnd)
	c.Timezone = envStr("TIMEZONE", c.Timezone)

	if v, ok := os.LookupEnv(envPrefix + "GEOCODE_URL"); ok {
		c.GeocodeURL = v // may be set empty to disable
	}

	c.WatchStops = envList("WATCH_STOPS", c.WatchStops)
	c.WatchInterval = envDuration("WATCH_INTERVAL", c.WatchInterval)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SnapshotBudget bounds the upstream work of one stop snapshot: a full
// retry chain with its backoff, plus the wait for a rate token.
func (c *Config) SnapshotBudget() time.Duration {
	retries := time.Duration(max(c.MaxAttempts-1, 0))
	return time.Duration(c.MaxAttempts)*c.CallTimeout + retries*c.BackoffMax + c.MaxQueueWait
}

// Location returns the operator time zone. Validate has checked the name.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envStr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated value, dropping empty items.
func envList(key string, fallback []string) []string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
