package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, filename, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if filename != "" {
		t.Errorf("expected no config file, got %q", filename)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.Addr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("expected info/text, got %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.Videos) != 7 || cfg.Videos[0] != "test_video_1.mp4" {
		t.Errorf("unexpected catalogue %v", cfg.Videos)
	}
	if cfg.HelloTimeout.Duration() != 3*time.Second {
		t.Errorf("expected 3s hello timeout, got %v", cfg.HelloTimeout.Duration())
	}
	if cfg.SessionTTL != 0 {
		t.Errorf("expected eviction disabled, got %v", cfg.SessionTTL.Duration())
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "switchboard.db" {
		t.Errorf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Archive.Backend != "none" {
		t.Errorf("expected archive none, got %q", cfg.Archive.Backend)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, ".switchboard.yaml", `addr: ":9090"
log_level: debug
hello_timeout: 5s
videos:
  - clip_a.mp4
  - clip_b.mp4
storage:
  backend: sqlite
  path: broker.db
archive:
  backend: filesystem
  dir: /var/lib/switchboard/exchanges
`)

	cfg, filename, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if filename != ".switchboard.yaml" {
		t.Errorf("expected .switchboard.yaml, got %s", filename)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("expected :9090, got %q", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %q", cfg.LogLevel)
	}
	if cfg.HelloTimeout.Duration() != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.HelloTimeout.Duration())
	}
	if len(cfg.Videos) != 2 || cfg.Videos[1] != "clip_b.mp4" {
		t.Errorf("expected [clip_a.mp4 clip_b.mp4], got %v", cfg.Videos)
	}
	if cfg.Storage.Path != "broker.db" {
		t.Errorf("expected broker.db, got %q", cfg.Storage.Path)
	}
	if cfg.Archive.Backend != "filesystem" || cfg.Archive.Dir != "/var/lib/switchboard/exchanges" {
		t.Errorf("unexpected archive %+v", cfg.Archive)
	}
}

func TestLoadYAMLUnknownField(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, ".switchboard.yaml", "adddr: \":9090\"\n")

	if _, _, err := Load(dir); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, ".switchboard.toml", `addr = ":9191"
hello_timeout = "1500ms"

[storage]
backend = "postgres"
dsn = "postgres://localhost/switchboard?sslmode=disable"

[archive]
backend = "s3"

[archive.s3]
bucket = "sdp-archive"
endpoint = "https://accountid.r2.cloudflarestorage.com"
access_key_id = "key"
secret_access_key = "secret"
`)

	cfg, filename, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if filename != ".switchboard.toml" {
		t.Errorf("expected .switchboard.toml, got %s", filename)
	}
	if cfg.HelloTimeout.Duration() != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", cfg.HelloTimeout.Duration())
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("expected postgres, got %q", cfg.Storage.Backend)
	}
	if cfg.Archive.S3.Bucket != "sdp-archive" {
		t.Errorf("expected sdp-archive, got %q", cfg.Archive.S3.Bucket)
	}
	if cfg.Archive.S3.Region != "auto" {
		t.Errorf("expected region auto default, got %q", cfg.Archive.S3.Region)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, ".switchboard.json", `{
  "addr": ":7070",
  "session_ttl": "10m",
  "archive": {"backend": "sqlite", "path": "ex.db", "secret": "hunter2"}
}`)

	cfg, _, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Errorf("expected :7070, got %q", cfg.Addr)
	}
	if cfg.SessionTTL.Duration() != 10*time.Minute {
		t.Errorf("expected 10m, got %v", cfg.SessionTTL.Duration())
	}
	if cfg.Archive.Path != "ex.db" || cfg.Archive.Secret != "hunter2" {
		t.Errorf("unexpected archive %+v", cfg.Archive)
	}
}

func TestLoadPrecedence(t *testing.T) {
	// Dotfile variants win over the prefixless ones.
	dir := t.TempDir()
	writeConfig(t, dir, ".switchboard.yaml", "addr: \":1111\"\n")
	writeConfig(t, dir, "switchboard.yaml", "addr: \":2222\"\n")

	cfg, filename, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if filename != ".switchboard.yaml" {
		t.Errorf("expected .switchboard.yaml, got %s", filename)
	}
	if cfg.Addr != ":1111" {
		t.Errorf("expected :1111, got %q", cfg.Addr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, ".switchboard.yaml", "addr: \":9090\"\nlog_level: debug\n")

	t.Setenv("SWITCHBOARD_ADDR", ":6060")
	t.Setenv("SWITCHBOARD_HELLO_TIMEOUT", "750ms")
	t.Setenv("SWITCHBOARD_VIDEOS", "a.mp4,b.mp4,c.mp4")
	t.Setenv("SWITCHBOARD_STORAGE_BACKEND", "postgres")
	t.Setenv("SWITCHBOARD_STORAGE_DSN", "postgres://localhost/sb")
	t.Setenv("SWITCHBOARD_ARCHIVE_BACKEND", "filesystem")
	t.Setenv("SWITCHBOARD_ARCHIVE_DIR", "/tmp/ex")
	t.Setenv("SWITCHBOARD_ARCHIVE_S3_BUCKET", "unused")

	cfg, _, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":6060" {
		t.Errorf("expected env to win, got %q", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected file value kept, got %q", cfg.LogLevel)
	}
	if cfg.HelloTimeout.Duration() != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %v", cfg.HelloTimeout.Duration())
	}
	if len(cfg.Videos) != 3 || cfg.Videos[2] != "c.mp4" {
		t.Errorf("unexpected catalogue %v", cfg.Videos)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.DSN != "postgres://localhost/sb" {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Archive.Dir != "/tmp/ex" {
		t.Errorf("expected /tmp/ex, got %q", cfg.Archive.Dir)
	}
	if cfg.Archive.S3.Bucket != "unused" {
		t.Errorf("expected nested env var applied, got %q", cfg.Archive.S3.Bucket)
	}
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, ".env", "SWITCHBOARD_ADDR=:5050\n")
	// godotenv writes into the process environment for real.
	defer os.Unsetenv("SWITCHBOARD_ADDR")

	cfg, _, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":5050" {
		t.Errorf("expected value from .env, got %q", cfg.Addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "logfmt" }},
		{"empty catalogue", func(c *Config) { c.Videos = nil }},
		{"zero hello timeout", func(c *Config) { c.HelloTimeout = 0 }},
		{"negative session ttl", func(c *Config) { c.SessionTTL = Duration(-time.Second) }},
		{"bad storage backend", func(c *Config) { c.Storage.Backend = "mysql" }},
		{"postgres without dsn", func(c *Config) {
			c.Storage.Backend = "postgres"
			c.Storage.DSN = ""
		}},
		{"bad archive backend", func(c *Config) { c.Archive.Backend = "tape" }},
		{"filesystem without dir", func(c *Config) {
			c.Archive.Backend = "filesystem"
			c.Archive.Dir = ""
		}},
		{"s3 without bucket", func(c *Config) { c.Archive.Backend = "s3" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, err := Load(t.TempDir())
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRequire(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := Require(dir); !errors.Is(err, ErrNoConfig) {
		t.Errorf("expected ErrNoConfig, got %v", err)
	}

	writeConfig(t, dir, "switchboard.json", `{"addr": ":4040"}`)
	cfg, filename, err := Require(dir)
	if err != nil {
		t.Fatalf("Require failed: %v", err)
	}
	if filename != "switchboard.json" || cfg.Addr != ":4040" {
		t.Errorf("got %q / %q", filename, cfg.Addr)
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("expected 90s, got %v", d.Duration())
	}
	if err := d.UnmarshalJSON([]byte(`"2h45m"`)); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if d.Duration() != 2*time.Hour+45*time.Minute {
		t.Errorf("expected 2h45m, got %v", d.Duration())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("expected error for junk duration")
	}
}
