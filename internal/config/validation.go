package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// ValidateConfig performs comprehensive validation of the configuration.
// Only error-level issues make it fail; warnings are reported by Check.
func ValidateConfig(c *Config) error {
	errs := Check(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every validation issue, warnings included.
func Check(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateDeploy(&c.Deploy)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateReconcile(&c.Reconcile)...)
	errs = append(errs, validateServe(&c.Serve)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.MaxConnections < 1 || s.MaxConnections > 64 {
		errs = append(errs, *RangeError("storage.max_connections", 1, 64))
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateDeploy(d *DeployConfig) ValidationErrors {
	var errs ValidationErrors

	if d.GlobalRoot == "" {
		return nil
	}
	root := expandPath(d.GlobalRoot)
	if !filepath.IsAbs(root) {
		errs = append(errs, ValidationError{
			Field:   "deploy.global_root",
			Message: fmt.Sprintf("must be an absolute path: %s", d.GlobalRoot),
		})
	} else if _, err := os.Stat(root); err != nil {
		errs = append(errs, ValidationError{
			Field:   "deploy.global_root",
			Message: fmt.Sprintf("directory does not exist yet: %s", root),
		})
	}

	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	if w.PollTimeoutMs < 10 || w.PollTimeoutMs > 60000 {
		errs = append(errs, *RangeError("watch.poll_timeout_ms", 10, 60000))
	}
	if w.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "watch.queue_size",
			Message: "queue size must be at least 1",
		})
	}
	if w.SuppressGraceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.suppress_grace_ms",
			Message: "grace period cannot be negative",
		})
	}
	if w.RemoveSettleMs < 0 || w.RemoveSettleMs > 10000 {
		errs = append(errs, *RangeError("watch.remove_settle_ms", 0, 10000))
	}
	if w.RescanIntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.rescan_interval_sec",
			Message: "rescan interval cannot be negative",
		})
	}
	for i, pattern := range w.ExcludePatterns {
		if !isValidGlobPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watch.exclude_patterns[%d]", i),
				Message: fmt.Sprintf("invalid glob pattern: %q", pattern),
			})
		}
	}

	return errs
}

func validateReconcile(r *ReconcileConfig) ValidationErrors {
	var errs ValidationErrors

	if r.Workers < 0 {
		errs = append(errs, ValidationError{
			Field:   "reconcile.workers",
			Message: "worker count cannot be negative",
		})
	}
	if r.IntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "reconcile.interval_sec",
			Message: "interval cannot be negative",
		})
	}

	return errs
}

func validateServe(s *ServeConfig) ValidationErrors {
	if s.HTTPAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.HTTPAddr); err != nil {
		return ValidationErrors{{
			Field:   "serve.http_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", s.HTTPAddr, err),
		}}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_size_mb",
				Message: "max size must be at least 1 MB",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file)", l.Output),
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	return doublestar.ValidatePattern(pattern)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// The global root may be created by the first deploy.
	return e.Field == "deploy.global_root" && strings.HasPrefix(e.Message, "directory does not exist")
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")
