// Package config resolves the runtime configuration of the auth core and its
// command line tool. Values are layered in priority order: built-in defaults,
// then an optional YAML file, then POCKETAUTH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"gopkg.in/yaml.v3"

	"github.com/panyam/pocketauth/client"
	"github.com/panyam/pocketauth/httpapi"
	"github.com/panyam/pocketauth/retry"
	"github.com/panyam/pocketauth/tokenstore"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "POCKETAUTH_"

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverFS        = "fs"
	DriverRedis     = "redis"
	DriverPostgres  = "postgres"
	DriverDatastore = "datastore"
)

// Config is the resolved configuration
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Storage StorageConfig `yaml:"storage"`
	Retry   RetryConfig   `yaml:"retry"`
	Session SessionConfig `yaml:"session"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig locates the hosted auth backend
type BackendConfig struct {
	URL     string `yaml:"url"`
	AnonKey string `yaml:"anon_key"`

	// StorageKey overrides the key derived from URL ("sb-<ref>-auth-token")
	StorageKey   string `yaml:"storage_key"`
	ProfileTable string `yaml:"profile_table"`
}

// StorageConfig selects where the persisted session lives
type StorageConfig struct {
	Driver string `yaml:"driver"`

	// fs
	Path    string `yaml:"path"`
	AppName string `yaml:"app_name"`

	// redis
	RedisURL     string `yaml:"redis_url"`
	RedisHashKey string `yaml:"redis_hash_key"`

	// postgres
	PostgresURL string `yaml:"postgres_url"`
	MaxConns    int32  `yaml:"max_conns"`

	// datastore
	DatastoreProject   string `yaml:"datastore_project"`
	DatastoreNamespace string `yaml:"datastore_namespace"`

	// Device scopes rows in shared stores (redis, postgres, datastore)
	Device string `yaml:"device"`

	// LocalProfiles serves profile rows from the postgres or datastore
	// database instead of the backend's REST table
	LocalProfiles bool `yaml:"local_profiles"`
}

// PolicyConfig overrides one retry preset. Zero fields keep the preset value.
type PolicyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RetryConfig overrides the three retry presets
type RetryConfig struct {
	Quick    PolicyConfig `yaml:"quick"`
	Default  PolicyConfig `yaml:"default"`
	Extended PolicyConfig `yaml:"extended"`
}

// SessionConfig tunes the coordinator's background work
type SessionConfig struct {
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	TokenCheckInterval  time.Duration `yaml:"token_check_interval"`
	HangThreshold       time.Duration `yaml:"hang_threshold"`
	HangCheckInterval   time.Duration `yaml:"hang_check_interval"`
	SignInSafetyTimeout time.Duration `yaml:"sign_in_safety_timeout"`
}

// ServerConfig configures the local HTTP bridge
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Backend: BackendConfig{
			ProfileTable: "profiles",
		},
		Storage: StorageConfig{
			Driver:       DriverFS,
			AppName:      "pocketauth",
			RedisHashKey: "pocketauth:storage",
			MaxConns:     4,
			Device:       "default",
		},
		Session: SessionConfig{
			RefreshInterval:     client.DefaultRefreshInterval,
			TokenCheckInterval:  tokenstore.DefaultCheckInterval,
			HangThreshold:       tokenstore.DefaultHangThreshold,
			HangCheckInterval:   tokenstore.DefaultHangCheckInterval,
			SignInSafetyTimeout: client.DefaultSignInSafetyTimeout,
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:8787",
			SettleTimeout: httpapi.DefaultSettleTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves configuration from defaults, the YAML file at path and the
// environment. A missing file is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	c.Backend.URL = e.str("BACKEND_URL", c.Backend.URL)
	c.Backend.AnonKey = e.str("ANON_KEY", c.Backend.AnonKey)
	c.Backend.StorageKey = e.str("STORAGE_KEY", c.Backend.StorageKey)
	c.Backend.ProfileTable = e.str("PROFILE_TABLE", c.Backend.ProfileTable)

	c.Storage.Driver = strings.ToLower(e.str("STORAGE_DRIVER", c.Storage.Driver))
	c.Storage.Path = e.str("STORAGE_PATH", c.Storage.Path)
	c.Storage.AppName = e.str("STORAGE_APP_NAME", c.Storage.AppName)
	c.Storage.RedisURL = e.str("REDIS_URL", c.Storage.RedisURL)
	c.Storage.RedisHashKey = e.str("REDIS_HASH_KEY", c.Storage.RedisHashKey)
	c.Storage.PostgresURL = e.str("POSTGRES_URL", c.Storage.PostgresURL)
	c.Storage.MaxConns = int32(e.integer("POSTGRES_MAX_CONNS", int(c.Storage.MaxConns)))
	c.Storage.DatastoreProject = e.str("DATASTORE_PROJECT", c.Storage.DatastoreProject)
	c.Storage.DatastoreNamespace = e.str("DATASTORE_NAMESPACE", c.Storage.DatastoreNamespace)
	c.Storage.Device = e.str("DEVICE", c.Storage.Device)
	c.Storage.LocalProfiles = e.boolean("LOCAL_PROFILES", c.Storage.LocalProfiles)

	c.Retry.Quick.MaxAttempts = e.integer("RETRY_QUICK_ATTEMPTS", c.Retry.Quick.MaxAttempts)
	c.Retry.Quick.Timeout = e.duration("RETRY_QUICK_TIMEOUT", c.Retry.Quick.Timeout)
	c.Retry.Default.MaxAttempts = e.integer("RETRY_DEFAULT_ATTEMPTS", c.Retry.Default.MaxAttempts)
	c.Retry.Default.Timeout = e.duration("RETRY_DEFAULT_TIMEOUT", c.Retry.Default.Timeout)
	c.Retry.Extended.MaxAttempts = e.integer("RETRY_EXTENDED_ATTEMPTS", c.Retry.Extended.MaxAttempts)
	c.Retry.Extended.Timeout = e.duration("RETRY_EXTENDED_TIMEOUT", c.Retry.Extended.Timeout)

	c.Session.RefreshInterval = e.duration("REFRESH_INTERVAL", c.Session.RefreshInterval)
	c.Session.TokenCheckInterval = e.duration("TOKEN_CHECK_INTERVAL", c.Session.TokenCheckInterval)
	c.Session.HangThreshold = e.duration("HANG_THRESHOLD", c.Session.HangThreshold)
	c.Session.HangCheckInterval = e.duration("HANG_CHECK_INTERVAL", c.Session.HangCheckInterval)
	c.Session.SignInSafetyTimeout = e.duration("SIGN_IN_SAFETY_TIMEOUT", c.Session.SignInSafetyTimeout)

	c.Server.Listen = e.str("LISTEN", c.Server.Listen)
	c.Server.SettleTimeout = e.duration("SETTLE_TIMEOUT", c.Server.SettleTimeout)

	c.Log.Level = strings.ToLower(e.str("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(e.str("LOG_FORMAT", c.Log.Format))

	return errors.Join(e.errs...)
}

// Validate checks the resolved configuration
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend),
		validation.Field(&c.Storage),
		validation.Field(&c.Retry),
		validation.Field(&c.Session),
		validation.Field(&c.Server),
		validation.Field(&c.Log),
	)
}

// Validate implements validation.Validatable
func (b BackendConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.URL, validation.Required, is.URL),
		validation.Field(&b.AnonKey, validation.Required),
		validation.Field(&b.ProfileTable, validation.Required),
	)
}

// Validate implements validation.Validatable
func (s StorageConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver, validation.Required,
			validation.In(DriverMemory, DriverFS, DriverRedis, DriverPostgres, DriverDatastore)),
		validation.Field(&s.AppName, requiredIf(s.Driver == DriverFS && s.Path == "")...),
		validation.Field(&s.RedisURL, requiredIf(s.Driver == DriverRedis)...),
		validation.Field(&s.PostgresURL, requiredIf(s.Driver == DriverPostgres)...),
		validation.Field(&s.DatastoreProject, requiredIf(s.Driver == DriverDatastore)...),
		validation.Field(&s.MaxConns, validation.Min(1)),
		validation.Field(&s.LocalProfiles, validation.By(func(interface{}) error {
			if s.LocalProfiles && s.Driver != DriverPostgres && s.Driver != DriverDatastore {
				return errors.New("requires the postgres or datastore driver")
			}
			return nil
		})),
	)
}

// Validate implements validation.Validatable
func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Quick),
		validation.Field(&r.Default),
		validation.Field(&r.Extended),
	)
}

// Validate implements validation.Validatable
func (p PolicyConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Min(0), validation.Max(10)),
		validation.Field(&p.Timeout, validation.Min(time.Duration(0))),
	)
}

// Validate implements validation.Validatable
func (s SessionConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.RefreshInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&s.TokenCheckInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&s.HangThreshold, validation.Required, validation.Min(time.Second)),
		validation.Field(&s.HangCheckInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&s.SignInSafetyTimeout, validation.Required),
	)
}

// Validate implements validation.Validatable
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Listen, validation.Required),
		validation.Field(&s.SettleTimeout, validation.Required),
	)
}

// Validate implements validation.Validatable
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.Required, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.Required, validation.In("text", "json")),
	)
}

func requiredIf(cond bool) []validation.Rule {
	if cond {
		return []validation.Rule{validation.Required}
	}
	return nil
}

// Policies returns the retry presets with any overrides applied
func (r RetryConfig) Policies() (quick, standard, extended retry.Policy) {
	return r.Quick.apply(retry.Quick), r.Default.apply(retry.Default), r.Extended.apply(retry.Extended)
}

func (p PolicyConfig) apply(base retry.Policy) retry.Policy {
	if p.MaxAttempts > 0 {
		base.MaxAttempts = p.MaxAttempts
	}
	if p.Timeout > 0 {
		base.Timeout = p.Timeout
	}
	return base
}

// SlogLevel returns the configured level, defaulting to info
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger builds a logger writing to w in the configured format
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// envReader reads prefixed overrides and collects parse failures
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(name, fallback string) string {
	if v := strings.TrimSpace(e.getenv(EnvPrefix + name)); v != "" {
		return v
	}
	return fallback
}

func (e *envReader) boolean(name string, fallback bool) bool {
	raw := strings.TrimSpace(e.getenv(EnvPrefix + name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return fallback
	}
	return v
}

func (e *envReader) integer(name string, fallback int) int {
	raw := strings.TrimSpace(e.getenv(EnvPrefix + name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return fallback
	}
	return v
}

func (e *envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(e.getenv(EnvPrefix + name))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return fallback
	}
	return v
}
