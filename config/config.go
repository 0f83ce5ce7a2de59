// Package config loads the allowance engine's configuration from YAML with
// ALLOWANCE_* environment overrides.
package config

import (
	"time"

	"github.com/warp/allowance-engine/screentime"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Grace    GraceConfig    `yaml:"grace"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	// ListenAddress is host:port for the HTTP API.
	ListenAddress string `yaml:"listen_address"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CORSOrigins lists allowed origins. Empty allows none.
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// Path of the SQLite file. ":memory:" for an ephemeral database.
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
}

// GraceConfig holds the system defaults applied to members without
// stored settings, plus the expiry job.
type GraceConfig struct {
	MaxGraceMinutes          int64 `yaml:"max_grace_minutes"`
	DefaultGrantMinutes      int64 `yaml:"default_grant_minutes"`
	MaxRequestsPerDay        int   `yaml:"max_requests_per_day"`
	MaxRequestsPerWeek       int   `yaml:"max_requests_per_week"`
	LowBalanceWarningMinutes int64 `yaml:"low_balance_warning_minutes"`
	AutoApprove              bool  `yaml:"auto_approve"`
	AutoApproveMaxMinutes    int64 `yaml:"auto_approve_max_minutes"`
	RequireGuardianApproval  bool  `yaml:"require_guardian_approval"`

	// PendingTimeout expires PENDING_APPROVAL requests older than this.
	// Zero disables expiry.
	PendingTimeout time.Duration `yaml:"pending_timeout"`

	// ExpirySchedule is a cron expression for the expiry job.
	ExpirySchedule string `yaml:"expiry_schedule"`
}

// Settings converts the configured defaults to GraceSettings.
func (g GraceConfig) Settings() screentime.GraceSettings {
	return screentime.GraceSettings{
		MaxGraceMinutes:          g.MaxGraceMinutes,
		DefaultGrantMinutes:      g.DefaultGrantMinutes,
		MaxRequestsPerDay:        g.MaxRequestsPerDay,
		MaxRequestsPerWeek:       g.MaxRequestsPerWeek,
		LowBalanceWarningMinutes: g.LowBalanceWarningMinutes,
		AutoApprove:              g.AutoApprove,
		AutoApproveMaxMinutes:    g.AutoApproveMaxMinutes,
		RequireGuardianApproval:  g.RequireGuardianApproval,
	}
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}
