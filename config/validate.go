package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError is a validation failure for one dotted field path.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Validate checks the whole configuration and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []FieldError

	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddress); err != nil {
		errs = append(errs, FieldError{"server.listen_address", err.Error()})
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{"server.shutdown_timeout", "must not be negative"})
	}
	if cfg.Database.Path == "" {
		errs = append(errs, FieldError{"database.path", "is required"})
	}

	if err := cfg.Grace.Settings().Validate(); err != nil {
		errs = append(errs, FieldError{"grace", err.Error()})
	}
	if cfg.Grace.PendingTimeout < 0 {
		errs = append(errs, FieldError{"grace.pending_timeout", "must not be negative"})
	}
	if _, err := cron.ParseStandard(cfg.Grace.ExpirySchedule); err != nil {
		errs = append(errs, FieldError{"grace.expiry_schedule", err.Error()})
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{"log.level", fmt.Sprintf("unknown level %q", cfg.Log.Level)})
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, FieldError{"log.format", fmt.Sprintf("unknown format %q", cfg.Log.Format)})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{"metrics.path", "must start with /"})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
