package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALLOWANCE_"

// Load reads the YAML file at path (if path is non-empty), applies
// defaults and environment overrides, then validates. The loading
// sequence is:
// 1. Start from Default()
// 2. Decode YAML on top
// 3. Apply ALLOWANCE_SECTION_FIELD environment overrides
// 4. Validate
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
		ApplyDefaults(cfg)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies ALLOWANCE_* variables. Empty variables are
// ignored; malformed values are an error.
func applyEnvOverrides(cfg *Config) error {
	e := envReader{}

	e.str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	e.duration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.duration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if val, ok := lookup("SERVER_CORS_ORIGINS"); ok {
		cfg.Server.CORSOrigins = splitList(val)
	}

	e.str("DATABASE_PATH", &cfg.Database.Path)

	e.str("AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	e.str("AUTH_ISSUER", &cfg.Auth.Issuer)

	e.int64("GRACE_MAX_GRACE_MINUTES", &cfg.Grace.MaxGraceMinutes)
	e.int64("GRACE_DEFAULT_GRANT_MINUTES", &cfg.Grace.DefaultGrantMinutes)
	e.int("GRACE_MAX_REQUESTS_PER_DAY", &cfg.Grace.MaxRequestsPerDay)
	e.int("GRACE_MAX_REQUESTS_PER_WEEK", &cfg.Grace.MaxRequestsPerWeek)
	e.int64("GRACE_LOW_BALANCE_WARNING_MINUTES", &cfg.Grace.LowBalanceWarningMinutes)
	e.bool("GRACE_AUTO_APPROVE", &cfg.Grace.AutoApprove)
	e.int64("GRACE_AUTO_APPROVE_MAX_MINUTES", &cfg.Grace.AutoApproveMaxMinutes)
	e.bool("GRACE_REQUIRE_GUARDIAN_APPROVAL", &cfg.Grace.RequireGuardianApproval)
	e.duration("GRACE_PENDING_TIMEOUT", &cfg.Grace.PendingTimeout)
	e.str("GRACE_EXPIRY_SCHEDULE", &cfg.Grace.ExpirySchedule)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	e.bool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	e.str("METRICS_PATH", &cfg.Metrics.Path)

	return e.err
}

type envReader struct {
	err error
}

func lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) fail(name, val string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, val, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) int(name string, dst *int) {
	if val, ok := lookup(name); ok {
		i, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = i
	}
}

func (e *envReader) int64(name string, dst *int64) {
	if val, ok := lookup(name); ok {
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = i
	}
}

func (e *envReader) bool(name string, dst *bool) {
	if val, ok := lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val, ok := lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = d
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
