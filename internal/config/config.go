package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr                string `yaml:"addr"`
		Timezone            string `yaml:"timezone"`
		ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	} `yaml:"server"`

	Database struct {
		Driver      string `yaml:"driver"` // sqlite | postgres
		Path        string `yaml:"path"`
		DSN         string `yaml:"dsn"`
		AutoMigrate bool   `yaml:"auto_migrate"`
	} `yaml:"database"`

	Redis struct {
		Address             string `yaml:"address"`
		Password            string `yaml:"password"`
		DB                  int    `yaml:"db"`
		SlotCacheTTLSeconds int    `yaml:"slot_cache_ttl_seconds"`
	} `yaml:"redis"`

	Payments struct {
		Provider string `yaml:"provider"` // stripe | midtrans
		Currency string `yaml:"currency"`
		Stripe   struct {
			SecretKey     string `yaml:"secret_key"`
			WebhookSecret string `yaml:"webhook_secret"`
		} `yaml:"stripe"`
		Midtrans struct {
			ServerKey  string `yaml:"server_key"`
			Production bool   `yaml:"production"`
		} `yaml:"midtrans"`
	} `yaml:"payments"`

	Checkout struct {
		IntentTTLMinutes       int `yaml:"intent_ttl_minutes"`
		HoldTTLMinutes         int `yaml:"hold_ttl_minutes"`
		BundleTTLMinutes       int `yaml:"bundle_ttl_minutes"`
		SweepIntervalSeconds   int `yaml:"sweep_interval_seconds"`
		ReconcileMaxAttempts   int `yaml:"reconcile_max_attempts"`
		ReconcileBackoffSecond int `yaml:"reconcile_backoff_seconds"`
	} `yaml:"checkout"`

	Availability struct {
		MinSlotMinutes     int `yaml:"min_slot_minutes"`
		DefaultSlotMinutes int `yaml:"default_slot_minutes"`
		// TodayBufferMinutes is nil when the key is absent; zero disables the buffer.
		TodayBufferMinutes *int `yaml:"today_buffer_minutes"`
		MaxAdvanceDays     int `yaml:"max_advance_days"`
	} `yaml:"availability"`

	Pricing struct {
		Path          string `yaml:"path"`
		ReloadSeconds int    `yaml:"reload_seconds"`
	} `yaml:"pricing"`

	Notifications struct {
		SMTP struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			From     string `yaml:"from"`
		} `yaml:"smtp"`
		Telegram struct {
			BotToken     string  `yaml:"bot_token"`
			AdminChatIDs []int64 `yaml:"admin_chat_ids"`
		} `yaml:"telegram"`
		RatePerSecond        float64 `yaml:"rate_per_second"`
		Burst                int     `yaml:"burst"`
		ReminderHoursBefore  int     `yaml:"reminder_hours_before"`
		ReminderCheckMinutes int     `yaml:"reminder_check_minutes"`
	} `yaml:"notifications"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		GRPCHealthPort    int  `yaml:"grpc_health_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Audit struct {
		Enabled       bool `yaml:"enabled"`
		ExportOnStart bool `yaml:"export_on_start"`
		RetentionDays int  `yaml:"retention_days"`
	} `yaml:"audit"`

	Sheets struct {
		Enabled         bool   `yaml:"enabled"`
		CredentialsFile string `yaml:"credentials_file"`
		SpreadsheetID   string `yaml:"spreadsheet_id"`
		SheetName       string `yaml:"sheet_name"`
	} `yaml:"sheets"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		APIKey    string `yaml:"api_key"`
	} `yaml:"auth"`
}

// Load reads the YAML config at path. Values may reference ${ENV_VAR}
// placeholders; a .env file next to the working directory is loaded first
// when present.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "sqlite" {
		if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Timezone == "" {
		c.Server.Timezone = "UTC"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/ptp.db"
	}
	if c.Payments.Currency == "" {
		c.Payments.Currency = "usd"
	}
	if c.Checkout.IntentTTLMinutes <= 0 {
		c.Checkout.IntentTTLMinutes = 30
	}
	if c.Checkout.HoldTTLMinutes <= 0 {
		c.Checkout.HoldTTLMinutes = 10
	}
	if c.Checkout.BundleTTLMinutes <= 0 {
		c.Checkout.BundleTTLMinutes = 60
	}
	if c.Checkout.SweepIntervalSeconds <= 0 {
		c.Checkout.SweepIntervalSeconds = 60
	}
	if c.Checkout.ReconcileMaxAttempts <= 0 {
		c.Checkout.ReconcileMaxAttempts = 10
	}
	if c.Checkout.ReconcileBackoffSecond <= 0 {
		c.Checkout.ReconcileBackoffSecond = 30
	}
	if c.Availability.MinSlotMinutes <= 0 {
		c.Availability.MinSlotMinutes = 15
	}
	if c.Availability.DefaultSlotMinutes <= 0 {
		c.Availability.DefaultSlotMinutes = 60
	}
	if c.Availability.TodayBufferMinutes == nil {
		buffer := 30
		c.Availability.TodayBufferMinutes = &buffer
	}
	if c.Availability.MaxAdvanceDays <= 0 {
		c.Availability.MaxAdvanceDays = 90
	}
	if c.Pricing.Path == "" {
		c.Pricing.Path = "configs/pricing.yaml"
	}
	if c.Pricing.ReloadSeconds <= 0 {
		c.Pricing.ReloadSeconds = 30
	}
	if c.Notifications.RatePerSecond <= 0 {
		c.Notifications.RatePerSecond = 20
	}
	if c.Notifications.Burst <= 0 {
		c.Notifications.Burst = 30
	}
	if c.Notifications.ReminderHoursBefore <= 0 {
		c.Notifications.ReminderHoursBefore = 24
	}
	if c.Notifications.ReminderCheckMinutes <= 0 {
		c.Notifications.ReminderCheckMinutes = 15
	}
	if c.Notifications.SMTP.Port == 0 {
		c.Notifications.SMTP.Port = 587
	}
	if c.Monitoring.HealthCheckPort == 0 {
		c.Monitoring.HealthCheckPort = 8090
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Backup.Path == "" {
		c.Backup.Path = "backups"
	}
	if c.Backup.IntervalHours <= 0 {
		c.Backup.IntervalHours = 24
	}
	if c.Backup.RetentionDays <= 0 {
		c.Backup.RetentionDays = 14
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 31
	}
	if c.Sheets.SheetName == "" {
		c.Sheets.SheetName = "Bookings"
	}
}

// Validate rejects settings that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	switch c.Payments.Provider {
	case "", "stripe", "midtrans":
	default:
		return fmt.Errorf("unsupported payments.provider %q", c.Payments.Provider)
	}

	if c.Availability.DefaultSlotMinutes < c.Availability.MinSlotMinutes {
		return fmt.Errorf("availability.default_slot_minutes must be >= min_slot_minutes")
	}
	if c.Availability.TodayBufferMinutes != nil && *c.Availability.TodayBufferMinutes < 0 {
		return fmt.Errorf("availability.today_buffer_minutes must not be negative")
	}

	if _, err := time.LoadLocation(c.Server.Timezone); err != nil {
		return fmt.Errorf("server.timezone: %w", err)
	}
	return nil
}

// Location returns the business timezone used for dates and "today".
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) IntentTTL() time.Duration {
	return time.Duration(c.Checkout.IntentTTLMinutes) * time.Minute
}

func (c *Config) HoldTTL() time.Duration {
	return time.Duration(c.Checkout.HoldTTLMinutes) * time.Minute
}

func (c *Config) BundleTTL() time.Duration {
	return time.Duration(c.Checkout.BundleTTLMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Checkout.SweepIntervalSeconds) * time.Second
}

func (c *Config) ReconcileBackoff() time.Duration {
	return time.Duration(c.Checkout.ReconcileBackoffSecond) * time.Second
}

func (c *Config) TodayBuffer() time.Duration {
	if c.Availability.TodayBufferMinutes == nil {
		return 0
	}
	return time.Duration(*c.Availability.TodayBufferMinutes) * time.Minute
}

func (c *Config) SlotCacheTTL() time.Duration {
	return time.Duration(c.Redis.SlotCacheTTLSeconds) * time.Second
}
