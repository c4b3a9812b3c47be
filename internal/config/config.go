// Package config loads the runtime configuration: defaults, then an
// optional JSON file, then JOBFLOW_* environment variables. Command line
// flags are applied on top by the caller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/scheduler"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/worker"
)

// Duration is a time.Duration that reads "1m30s" style strings in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"5s\" or nanoseconds")
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	// Store is the job store DSN, see queue.Open.
	Store string `json:"store"`
	Addr  string `json:"addr"`

	MaxJobs       int      `json:"max_jobs"`
	MaxErrors     int      `json:"max_errors"`
	RetrySecs     int      `json:"retry_secs"`
	RetryBackoff  string   `json:"retry_backoff"` // "constant" or "exponential"
	RetryMaxDelay Duration `json:"retry_max_delay"`
	PollInterval  Duration `json:"poll_interval"`
	ClaimTTL      Duration `json:"claim_ttl"`

	MaintenanceInterval Duration `json:"maintenance_interval"`
	// Retention is how long finished jobs are kept; zero keeps them forever.
	Retention Duration `json:"retention"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "console" or "json"
}

func Default() Config {
	rc := worker.DefaultConfig()
	return Config{
		Store:               "jobflow.db",
		Addr:                ":8080",
		MaxJobs:             rc.MaxJobs,
		MaxErrors:           rc.MaxErrors,
		RetrySecs:           rc.RetrySecs,
		RetryBackoff:        "constant",
		RetryMaxDelay:       Duration(time.Hour),
		PollInterval:        Duration(rc.PollInterval),
		ClaimTTL:            Duration(rc.ClaimTTL),
		MaintenanceInterval: Duration(time.Minute),
		Retention:           Duration(7 * 24 * time.Hour),
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Load returns the defaults overlaid with the JSON file at path (a
// missing file is not an error) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("JOBFLOW_STORE", &c.Store)
	str("JOBFLOW_ADDR", &c.Addr)
	str("JOBFLOW_RETRY_BACKOFF", &c.RetryBackoff)
	str("JOBFLOW_LOG_LEVEL", &c.LogLevel)
	str("JOBFLOW_LOG_FORMAT", &c.LogFormat)
	return errors.Join(
		num("JOBFLOW_MAX_JOBS", &c.MaxJobs),
		num("JOBFLOW_MAX_ERRORS", &c.MaxErrors),
		num("JOBFLOW_RETRY_SECS", &c.RetrySecs),
		dur("JOBFLOW_RETRY_MAX_DELAY", &c.RetryMaxDelay),
		dur("JOBFLOW_POLL_INTERVAL", &c.PollInterval),
		dur("JOBFLOW_CLAIM_TTL", &c.ClaimTTL),
		dur("JOBFLOW_MAINTENANCE_INTERVAL", &c.MaintenanceInterval),
		dur("JOBFLOW_RETENTION", &c.Retention),
	)
}

func (c Config) Validate() error {
	if c.Store == "" {
		return fmt.Errorf("store is required")
	}
	switch strings.ToLower(c.RetryBackoff) {
	case "", "constant", "exponential":
	default:
		return fmt.Errorf("unknown retry backoff %q", c.RetryBackoff)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be positive")
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	return c.Runner().Validate()
}

// Runner returns the worker configuration.
func (c Config) Runner() worker.Config {
	rc := worker.DefaultConfig()
	rc.MaxJobs = c.MaxJobs
	rc.MaxErrors = c.MaxErrors
	rc.RetrySecs = c.RetrySecs
	rc.PollInterval = time.Duration(c.PollInterval)
	rc.ClaimTTL = time.Duration(c.ClaimTTL)
	if strings.EqualFold(c.RetryBackoff, "exponential") {
		rc.Backoff = scheduler.NewExponential(time.Duration(c.RetrySecs)*time.Second, time.Duration(c.RetryMaxDelay))
	}
	return rc
}
