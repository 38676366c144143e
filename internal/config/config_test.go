package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Env != "dev" {
		t.Fatalf("env: %q", cfg.App.Env)
	}
	if cfg.Server.AdminAddr != ":8070" {
		t.Fatalf("admin addr: %q", cfg.Server.AdminAddr)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("backend: %q", cfg.Store.Backend)
	}
	if cfg.Store.Redis.Prefix != "stek:" {
		t.Fatalf("redis prefix: %q", cfg.Store.Redis.Prefix)
	}
	if got := cfg.TicketLifetime(12 * time.Hour); got != 12*time.Hour {
		t.Fatalf("lifetime default: %v", got)
	}
	if got := cfg.RotationInterval(); got != 0 {
		t.Fatalf("rotation must default to off, got %v", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  env: prod
server:
  admin_addr: ":9000"
  admin_api_key: "k3y"
tickets:
  lifetime: "6h"
  renewal_margin: "30m"
  purge_grace: "15m"
  rotation_interval: "1h"
store:
  backend: redis
  redis:
    addr: "127.0.0.1:6379"
    db: 3
    prefix: "tickets:"
security:
  master_key: "bWFzdGVy"
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Env != "prod" || cfg.Server.AdminAddr != ":9000" || cfg.Server.AdminAPIKey != "k3y" {
		t.Fatalf("server section: %+v", cfg.Server)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Redis.DB != 3 || cfg.Store.Redis.Prefix != "tickets:" {
		t.Fatalf("store section: %+v", cfg.Store)
	}
	if got := cfg.TicketLifetime(12 * time.Hour); got != 6*time.Hour {
		t.Fatalf("lifetime: %v", got)
	}
	if got := cfg.RenewalMargin(time.Hour); got != 30*time.Minute {
		t.Fatalf("margin: %v", got)
	}
	if got := cfg.PurgeGrace(time.Hour); got != 15*time.Minute {
		t.Fatalf("grace: %v", got)
	}
	if got := cfg.RotationInterval(); got != time.Hour {
		t.Fatalf("rotation: %v", got)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not yaml {"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEKD_STORE_BACKEND", "postgres")
	t.Setenv("STEKD_PG_DSN", "postgres://u:p@localhost/stek")
	t.Setenv("STEKD_TICKET_LIFETIME", "90m")
	t.Setenv("STEKD_REDIS_DB", "7")
	t.Setenv("STEKD_ADMIN_API_KEY", "  env-key  ")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "postgres" {
		t.Fatalf("backend: %q", cfg.Store.Backend)
	}
	if cfg.Store.Postgres.DSN != "postgres://u:p@localhost/stek" {
		t.Fatalf("dsn: %q", cfg.Store.Postgres.DSN)
	}
	if got := cfg.TicketLifetime(12 * time.Hour); got != 90*time.Minute {
		t.Fatalf("lifetime: %v", got)
	}
	if cfg.Store.Redis.DB != 7 {
		t.Fatalf("redis db: %d", cfg.Store.Redis.DB)
	}
	// Los valores de entorno llegan recortados.
	if cfg.Server.AdminAPIKey != "env-key" {
		t.Fatalf("api key: %q", cfg.Server.AdminAPIKey)
	}
}

func TestDurationFallbacks(t *testing.T) {
	cases := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Hour, time.Hour},
		{"0", time.Hour, time.Hour},
		{"garbage", time.Hour, time.Hour},
		{"-5m", time.Hour, time.Hour},
		{"45s", time.Hour, 45 * time.Second},
		{" 2h ", time.Hour, 2 * time.Hour},
	}
	for _, tc := range cases {
		if got := dur(tc.in, tc.def); got != tc.want {
			t.Fatalf("dur(%q): got %v, want %v", tc.in, got, tc.want)
		}
	}
}
