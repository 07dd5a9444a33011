package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "{}"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8085 {
		t.Errorf("server.port = %d, want 8085", cfg.Server.Port)
	}
	if cfg.Modules.MaxTotal != 50 {
		t.Errorf("modules.max_total = %d, want 50", cfg.Modules.MaxTotal)
	}
	if cfg.Modules.MaxPerUser != 10 {
		t.Errorf("modules.max_per_user = %d, want 10", cfg.Modules.MaxPerUser)
	}
	if cfg.Audit.RetentionDays != 90 {
		t.Errorf("audit.retention_days = %d, want 90", cfg.Audit.RetentionDays)
	}
	if cfg.Licensing.Mode != "offline" {
		t.Errorf("licensing.mode = %q, want offline", cfg.Licensing.Mode)
	}
	if cfg.Environment != "production" {
		t.Errorf("environment = %q, want production", cfg.Environment)
	}
	if cfg.Modules.HealthInterval != 30*time.Second {
		t.Errorf("modules.health_interval = %v, want 30s", cfg.Modules.HealthInterval)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
environment: development
modules:
  max_total: 20
  max_per_user: 5
docker:
  allowed_registries:
    - registry.example.com
licensing:
  mode: online
  server_url: https://licenses.example.com/v1/validate
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Modules.MaxTotal != 20 {
		t.Errorf("modules.max_total = %d, want 20", cfg.Modules.MaxTotal)
	}
	if cfg.Environment != "development" {
		t.Errorf("environment = %q, want development", cfg.Environment)
	}
	if len(cfg.Docker.AllowedRegistries) != 1 || cfg.Docker.AllowedRegistries[0] != "registry.example.com" {
		t.Errorf("docker.allowed_registries = %v", cfg.Docker.AllowedRegistries)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ORC_MODULES_MAX_TOTAL", "30")
	t.Setenv("ORC_DATABASE_HOST", "db.internal")

	cfg, err := Load(writeConfigFile(t, "{}"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Modules.MaxTotal != 30 {
		t.Errorf("modules.max_total = %d, want 30 (env override)", cfg.Modules.MaxTotal)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("database.host = %q, want db.internal", cfg.Database.Host)
	}
}

func TestLoad_PasswordExpansion(t *testing.T) {
	t.Setenv("DB_SECRET", "s3cret")
	path := writeConfigFile(t, `
database:
  password: ${DB_SECRET}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("database.password = %q, want expanded secret", cfg.Database.Password)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing db host", func(c *Config) { c.Database.Host = "" }},
		{"missing redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"bad license mode", func(c *Config) { c.Licensing.Mode = "magic" }},
		{"online without url", func(c *Config) { c.Licensing.Mode = "online"; c.Licensing.ServerURL = "" }},
		{"zero max total", func(c *Config) { c.Modules.MaxTotal = 0 }},
		{"per-user above total", func(c *Config) { c.Modules.MaxTotal = 5; c.Modules.MaxPerUser = 10 }},
		{"bad environment", func(c *Config) { c.Environment = "staging" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfigFile(t, "{}"))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: 5432, User: "u", Password: "p", Name: "d", SSLMode: "disable"}
	want := "host=h port=5432 user=u password=p dbname=d sslmode=disable"
	if got := c.GetDSN(); got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}
}
