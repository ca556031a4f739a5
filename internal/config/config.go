// Package config loads broker configuration from an optional config file,
// an optional .env file, and the environment, in that order.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by Require when no config file is found.
var ErrNoConfig = errors.New("no switchboard config file found")

// Config is the resolved broker configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" toml:"addr" json:"addr" env:"SWITCHBOARD_ADDR"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level" env:"SWITCHBOARD_LOG_LEVEL"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format" toml:"log_format" json:"log_format" env:"SWITCHBOARD_LOG_FORMAT"`

	// Videos is the clip catalogue served at /videos. Sessions may only
	// reference filenames listed here.
	Videos []string `yaml:"videos" toml:"videos" json:"videos" env:"SWITCHBOARD_VIDEOS"`

	// HelloTimeout bounds how long a connecting worker may take to send
	// its hello frame before a random id is assigned.
	HelloTimeout Duration `yaml:"hello_timeout" toml:"hello_timeout" json:"hello_timeout" env:"SWITCHBOARD_HELLO_TIMEOUT"`

	// SessionTTL evicts idle sessions with no jobs and no subscribers.
	// Zero disables eviction.
	SessionTTL Duration `yaml:"session_ttl" toml:"session_ttl" json:"session_ttl" env:"SWITCHBOARD_SESSION_TTL"`

	Storage Storage `yaml:"storage" toml:"storage" json:"storage" envPrefix:"SWITCHBOARD_STORAGE_"`
	Archive Archive `yaml:"archive" toml:"archive" json:"archive" envPrefix:"SWITCHBOARD_ARCHIVE_"`
}

// Storage configures the session/job history store.
type Storage struct {
	// Backend is sqlite or postgres.
	Backend string `yaml:"backend" toml:"backend" json:"backend" env:"BACKEND"`
	// Path is the SQLite database file (":memory:" allowed).
	Path string `yaml:"path" toml:"path" json:"path" env:"PATH"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" toml:"dsn" json:"dsn" env:"DSN"`
}

// Archive configures the SDP exchange archive.
type Archive struct {
	// Backend is none, filesystem, sqlite, or s3.
	Backend string `yaml:"backend" toml:"backend" json:"backend" env:"BACKEND"`
	// Dir is the directory for the filesystem backend.
	Dir string `yaml:"dir" toml:"dir" json:"dir" env:"DIR"`
	// Path is the database file for the sqlite backend.
	Path string `yaml:"path" toml:"path" json:"path" env:"PATH"`
	// Secret, when set, seals archived records at rest.
	Secret string `yaml:"secret" toml:"secret" json:"secret" env:"SECRET"`

	S3 S3 `yaml:"s3" toml:"s3" json:"s3" envPrefix:"S3_"`
}

// S3 configures the s3 archive backend. Endpoint overrides the AWS default
// for S3-compatible stores.
type S3 struct {
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" toml:"region" json:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

// Duration wraps time.Duration for "3s"-style strings in every config layer.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load resolves the configuration for dir: the first config file found (a
// missing file just means defaults), then a .env file if present, then the
// environment. The returned string names the config file used, "" if none.
func Load(dir string) (*Config, string, error) {
	var cfg Config
	file := ""

	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{".switchboard.yaml", parseYAML},
		{".switchboard.yml", parseYAML},
		{".switchboard.toml", parseTOML},
		{".switchboard.json", parseJSON},
		{"switchboard.yaml", parseYAML},
		{"switchboard.yml", parseYAML},
		{"switchboard.toml", parseTOML},
		{"switchboard.json", parseJSON},
	}

	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(dir, c.name))
		if err != nil {
			continue // File doesn't exist, try next
		}
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		file = c.name
		break
	}

	// A .env file is optional; a real environment always wins.
	_ = godotenv.Load(filepath.Join(dir, ".env"))
	if err := env.Parse(&cfg); err != nil {
		return nil, file, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, file, err
	}

	return &cfg, file, nil
}

// Require is Load for callers that demand an explicit config file.
func Require(dir string) (*Config, string, error) {
	cfg, file, err := Load(dir)
	if err != nil {
		return nil, file, err
	}
	if file == "" {
		return nil, "", ErrNoConfig
	}
	return cfg, file, nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks enums and ranges.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn, or error", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: must be text or json", c.LogFormat)
	}

	if len(c.Videos) == 0 {
		return errors.New("videos: catalogue cannot be empty")
	}
	if c.HelloTimeout <= 0 {
		return errors.New("hello_timeout must be positive")
	}
	if c.SessionTTL < 0 {
		return errors.New("session_ttl cannot be negative")
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q: must be sqlite or postgres", c.Storage.Backend)
	}

	switch c.Archive.Backend {
	case "none":
	case "filesystem":
		if c.Archive.Dir == "" {
			return errors.New("archive.dir is required for the filesystem backend")
		}
	case "sqlite":
		if c.Archive.Path == "" {
			return errors.New("archive.path is required for the sqlite backend")
		}
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return errors.New("archive.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("archive.backend %q: must be none, filesystem, sqlite, or s3", c.Archive.Backend)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if len(c.Videos) == 0 {
		c.Videos = DefaultVideos()
	}
	if c.HelloTimeout == 0 {
		c.HelloTimeout = Duration(3 * time.Second)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "switchboard.db"
	}
	if c.Archive.Backend == "" {
		c.Archive.Backend = "none"
	}
	if c.Archive.Backend == "filesystem" && c.Archive.Dir == "" {
		c.Archive.Dir = "exchanges"
	}
	if c.Archive.Backend == "sqlite" && c.Archive.Path == "" {
		c.Archive.Path = "exchanges.db"
	}
	if c.Archive.Backend == "s3" && c.Archive.S3.Region == "" {
		c.Archive.S3.Region = "auto"
	}
}

// DefaultVideos returns the built-in clip catalogue.
func DefaultVideos() []string {
	return []string{
		"test_video_1.mp4",
		"test_video_2.mp4",
		"test_video_3.mp4",
		"test_video_4.mp4",
		"test_video_5.mp4",
		"test_video_6.mp4",
		"test_video_7.mp4",
	}
}
