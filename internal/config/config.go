package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config es la configuración del daemon. Todo es fijo a la construcción
// del contexto: no hay reconfiguración por conexión.
type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		AdminAddr   string `yaml:"admin_addr"`
		AdminAPIKey string `yaml:"admin_api_key"`
	} `yaml:"server"`

	Tickets struct {
		// Lifetime de cada clave (ej: "12h").
		Lifetime string `yaml:"lifetime"`
		// RenewalMargin: cuánto antes de expirar se señala renovación.
		RenewalMargin string `yaml:"renewal_margin"`
		// PurgeGrace: retención post-expiry para tickets en vuelo.
		PurgeGrace string `yaml:"purge_grace"`
		// RotationInterval: rotación periódica; vacío o "0" la apaga.
		RotationInterval string `yaml:"rotation_interval"`
	} `yaml:"tickets"`

	Store struct {
		// memory | fs | redis | postgres
		Backend string `yaml:"backend"`
		FS      struct {
			Dir string `yaml:"dir"`
		} `yaml:"fs"`
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Security struct {
		// MasterKey: base64(32 bytes). Requerida por los backends
		// persistentes para sellar secretos en reposo.
		MasterKey string `yaml:"master_key"`
	} `yaml:"security"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load lee el YAML (si path existe), aplica defaults y overrides de
// entorno (STEKD_*).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = ":8070"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.FS.Dir == "" {
		c.Store.FS.Dir = "./stek-keys"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "stek:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnvOverrides() {
	strVar(&c.App.Env, "STEKD_ENV")
	strVar(&c.Server.AdminAddr, "STEKD_ADMIN_ADDR")
	strVar(&c.Server.AdminAPIKey, "STEKD_ADMIN_API_KEY")
	strVar(&c.Tickets.Lifetime, "STEKD_TICKET_LIFETIME")
	strVar(&c.Tickets.RenewalMargin, "STEKD_RENEWAL_MARGIN")
	strVar(&c.Tickets.PurgeGrace, "STEKD_PURGE_GRACE")
	strVar(&c.Tickets.RotationInterval, "STEKD_ROTATION_INTERVAL")
	strVar(&c.Store.Backend, "STEKD_STORE_BACKEND")
	strVar(&c.Store.FS.Dir, "STEKD_FS_DIR")
	strVar(&c.Store.Redis.Addr, "STEKD_REDIS_ADDR")
	intVar(&c.Store.Redis.DB, "STEKD_REDIS_DB")
	strVar(&c.Store.Redis.Prefix, "STEKD_REDIS_PREFIX")
	strVar(&c.Store.Postgres.DSN, "STEKD_PG_DSN")
	strVar(&c.Security.MasterKey, "STEKD_MASTER_KEY")
	strVar(&c.Log.Level, "STEKD_LOG_LEVEL")
}

// TicketLifetime parsea la vida de clave configurada; def si está vacía
// o malformada.
func (c *Config) TicketLifetime(def time.Duration) time.Duration {
	return dur(c.Tickets.Lifetime, def)
}

func (c *Config) RenewalMargin(def time.Duration) time.Duration {
	return dur(c.Tickets.RenewalMargin, def)
}

func (c *Config) PurgeGrace(def time.Duration) time.Duration {
	return dur(c.Tickets.PurgeGrace, def)
}

// RotationInterval devuelve 0 si la rotación periódica está apagada.
func (c *Config) RotationInterval() time.Duration {
	return dur(c.Tickets.RotationInterval, 0)
}

func dur(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func strVar(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
