// Package config loads service configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	RedisURL  string `yaml:"redisUrl"`

	Queue    Queue    `yaml:"queue"`
	Routing  Routing  `yaml:"routing"`
	Cache    Cache    `yaml:"cache"`
	Geocoder Geocoder `yaml:"geocoder"`
}

type Queue struct {
	Enabled          *bool  `yaml:"enabled"`
	Backend          string `yaml:"backend"` // redis, memory
	Prefix           string `yaml:"prefix"`
	JobTimeoutMs     int    `yaml:"jobTimeoutMs"`
	Attempts         int    `yaml:"attempts"`
	BackoffMs        int    `yaml:"backoffMs"`
	Concurrency      int    `yaml:"concurrency"`
	InProcessWorkers *bool  `yaml:"inProcessWorkers"`
	RoutingName      string `yaml:"routingName"`
	GeocodeName      string `yaml:"geocodeName"`
	PollIntervalMs   int    `yaml:"pollIntervalMs"`
	LeaseTimeoutMs   int    `yaml:"leaseTimeoutMs"`
}

type Routing struct {
	URL                string  `yaml:"url"`
	Profile            string  `yaml:"profile"`
	TimeoutMs          int     `yaml:"timeoutMs"`
	TableMaxPoints     int     `yaml:"tableMaxPoints"`
	TableMinIntervalMs int     `yaml:"tableMinIntervalMs"`
	Precision          int     `yaml:"precision"`
	MaxSegmentKm       float64 `yaml:"maxSegmentKm"`
}

type Cache struct {
	Backend     string `yaml:"backend"` // memory, redis, postgres
	TTLSec      int    `yaml:"ttlSec"`
	Prefix      string `yaml:"prefix"`
	DatabaseURL string `yaml:"databaseUrl"`
}

type Geocoder struct {
	Enabled   *bool  `yaml:"enabled"`
	URL       string `yaml:"url"`
	Email     string `yaml:"email"`
	UserAgent string `yaml:"userAgent"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "text",
		Queue: Queue{
			Backend:        "redis",
			Prefix:         "geoq",
			JobTimeoutMs:   15000,
			Attempts:       3,
			BackoffMs:      1000,
			Concurrency:    4,
			RoutingName:    "routing",
			GeocodeName:    "geocoding",
			PollIntervalMs: 15000,
			LeaseTimeoutMs: 300000,
		},
		Routing: Routing{
			Profile:            "driving",
			TimeoutMs:          30000,
			TableMaxPoints:     100,
			TableMinIntervalMs: 200,
			Precision:          6,
			MaxSegmentKm:       200,
		},
		Cache: Cache{
			Backend: "memory",
			TTLSec:  600,
			Prefix:  "geocache:",
		},
		Geocoder: Geocoder{
			URL:       "https://nominatim.openstreetmap.org/search",
			UserAgent: "fleetgeo/1.0",
			TimeoutMs: 10000,
		},
	}
}

// Load reads GEO_CONFIG_FILE (if set) over the defaults, then applies environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("GEO_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = envOr("PORT", c.Port)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.RedisURL = envOr("REDIS_URL", c.RedisURL)

	q := &c.Queue
	q.Enabled = envBoolPtr("QUEUE_ENABLED", q.Enabled)
	q.Backend = envOr("QUEUE_BACKEND", q.Backend)
	q.Prefix = envOr("QUEUE_PREFIX", q.Prefix)
	q.JobTimeoutMs = envInt("QUEUE_JOB_TIMEOUT_MS", q.JobTimeoutMs)
	q.Attempts = envInt("QUEUE_ATTEMPTS", q.Attempts)
	q.BackoffMs = envInt("QUEUE_BACKOFF_MS", q.BackoffMs)
	q.Concurrency = envInt("QUEUE_CONCURRENCY", q.Concurrency)
	q.InProcessWorkers = envBoolPtr("QUEUE_INPROCESS_WORKERS", q.InProcessWorkers)
	q.RoutingName = envOr("QUEUE_ROUTING_NAME", q.RoutingName)
	q.GeocodeName = envOr("QUEUE_GEOCODE_NAME", q.GeocodeName)
	q.PollIntervalMs = envInt("QUEUE_POLL_INTERVAL_MS", q.PollIntervalMs)
	q.LeaseTimeoutMs = envInt("QUEUE_LEASE_TIMEOUT_MS", q.LeaseTimeoutMs)

	r := &c.Routing
	r.URL = envOr("ROUTING_URL", r.URL)
	r.Profile = envOr("ROUTING_PROFILE", r.Profile)
	r.TimeoutMs = envInt("ROUTING_TIMEOUT_MS", r.TimeoutMs)
	r.TableMaxPoints = envInt("ROUTING_TABLE_MAX_POINTS", r.TableMaxPoints)
	r.TableMinIntervalMs = envInt("ROUTING_TABLE_MIN_INTERVAL_MS", r.TableMinIntervalMs)
	r.Precision = envInt("ROUTING_PRECISION", r.Precision)
	r.MaxSegmentKm = envFloat("ROUTING_MAX_SEGMENT_KM", r.MaxSegmentKm)

	cc := &c.Cache
	cc.Backend = envOr("CACHE_BACKEND", cc.Backend)
	cc.TTLSec = envInt("CACHE_TTL_SEC", cc.TTLSec)
	cc.Prefix = envOr("CACHE_PREFIX", cc.Prefix)
	cc.DatabaseURL = envOr("DATABASE_URL", cc.DatabaseURL)

	g := &c.Geocoder
	g.Enabled = envBoolPtr("GEOCODER_ENABLED", g.Enabled)
	g.URL = envOr("GEOCODER_URL", g.URL)
	g.Email = envOr("GEOCODER_EMAIL", g.Email)
	g.UserAgent = envOr("GEOCODER_USER_AGENT", g.UserAgent)
	g.TimeoutMs = envInt("GEOCODER_TIMEOUT_MS", g.TimeoutMs)
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend))
	}
	switch c.Cache.Backend {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.Backend == "postgres" && strings.TrimSpace(c.Cache.DatabaseURL) == "" {
		errs = append(errs, errors.New("config: cache backend postgres requires DATABASE_URL"))
	}
	if c.Cache.Backend == "redis" && strings.TrimSpace(c.RedisURL) == "" {
		errs = append(errs, errors.New("config: cache backend redis requires REDIS_URL"))
	}
	// The routing client reads precision 0 as "use the default", so whole-degree rounding is not configurable.
	if c.Routing.Precision < 1 || c.Routing.Precision > 10 {
		errs = append(errs, fmt.Errorf("config: routing precision must be in [1,10] decimals, got %d", c.Routing.Precision))
	}
	if c.Routing.MaxSegmentKm <= 0 {
		errs = append(errs, errors.New("config: maxSegmentKm must be > 0"))
	}
	if c.Queue.Attempts < 1 {
		errs = append(errs, errors.New("config: queue attempts must be >= 1"))
	}
	return errors.Join(errs...)
}

// QueueEnabled reports whether the queue path should be used. Unset means "on when a backend is reachable":
// always for the memory backend, only with REDIS_URL for redis.
func (c Config) QueueEnabled() bool {
	if c.Queue.Enabled != nil {
		if !*c.Queue.Enabled {
			return false
		}
	}
	if c.Queue.Backend == "memory" {
		return true
	}
	return strings.TrimSpace(c.RedisURL) != ""
}

// InProcessWorkers defaults to true for the memory backend, since nothing else can consume it.
func (c Config) InProcessWorkers() bool {
	if c.Queue.InProcessWorkers != nil {
		return *c.Queue.InProcessWorkers
	}
	return c.Queue.Backend == "memory"
}

func (c Config) GeocoderEnabled() bool {
	return c.Geocoder.Enabled == nil || *c.Geocoder.Enabled
}

func (q Queue) JobTimeout() time.Duration { return ms(q.JobTimeoutMs) }
func (q Queue) PollInterval() time.Duration { return ms(q.PollIntervalMs) }
func (q Queue) LeaseTimeout() time.Duration { return ms(q.LeaseTimeoutMs) }
func (r Routing) Timeout() time.Duration { return ms(r.TimeoutMs) }
func (r Routing) MaxSegmentMeters() float64 { return r.MaxSegmentKm * 1000 }
func (c Cache) TTL() time.Duration { return time.Duration(c.TTLSec) * time.Second }
func (g Geocoder) Timeout() time.Duration { return ms(g.TimeoutMs) }

// TableMinInterval is negative when tableMinIntervalMs <= 0, which turns table spacing off.
func (r Routing) TableMinInterval() time.Duration {
	if r.TableMinIntervalMs <= 0 {
		return -1
	}
	return ms(r.TableMinIntervalMs)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func envOr(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			return n
		}
	}
	return d
}

func envFloat(k string, d float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			return f
		}
	}
	return d
}

func envBoolPtr(k string, d *bool) *bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return &b
}
