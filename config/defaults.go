package config

import (
	"time"

	"github.com/warp/allowance-engine/screentime"
)

// Default values for configuration fields.
const (
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultDatabasePath = "data/allowance.db"

	DefaultPendingTimeout = 24 * time.Hour
	DefaultExpirySchedule = "*/15 * * * *"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultMetricsEnabled = true
	DefaultMetricsPath    = "/metrics"
)

// Default returns a configuration with every field at its default.
// Load decodes YAML on top of it, so booleans absent from the file keep
// their defaults.
func Default() *Config {
	g := screentime.DefaultGraceSettings()
	cfg := &Config{
		Grace: GraceConfig{
			MaxGraceMinutes:          g.MaxGraceMinutes,
			DefaultGrantMinutes:      g.DefaultGrantMinutes,
			MaxRequestsPerDay:        g.MaxRequestsPerDay,
			MaxRequestsPerWeek:       g.MaxRequestsPerWeek,
			LowBalanceWarningMinutes: g.LowBalanceWarningMinutes,
			AutoApprove:              g.AutoApprove,
			AutoApproveMaxMinutes:    g.AutoApproveMaxMinutes,
			RequireGuardianApproval:  g.RequireGuardianApproval,
			PendingTimeout:           DefaultPendingTimeout,
		},
		Metrics: MetricsConfig{Enabled: DefaultMetricsEnabled},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills empty string and duration fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}

	if cfg.Grace.ExpirySchedule == "" {
		cfg.Grace.ExpirySchedule = DefaultExpirySchedule
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}
