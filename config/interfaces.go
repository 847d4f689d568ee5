// Package config reads, persists and watches the botkeeper configuration document.
package config

import (
	"fmt"
	"time"
)

// AppConfig describes one application instance. It is treated as immutable once loaded:
// updates go through Store.SetAppConfig, which replaces the whole record.
type AppConfig struct {
	ID        string         `json:"id" yaml:"id" toml:"id"`
	Module    string         `json:"module" yaml:"module" toml:"module"`
	Token     string         `json:"token" yaml:"token" toml:"token"`
	Transport string         `json:"transport,omitempty" yaml:"transport,omitempty" toml:"transport,omitempty"`
	AutoStart bool           `json:"auto_start" yaml:"auto_start" toml:"auto_start"`
	Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty" toml:"arguments,omitempty"`
}

// Clone returns a deep copy, so callers can never alias another record's arguments.
func (c AppConfig) Clone() AppConfig {
	c.Arguments = cloneMap(c.Arguments)
	return c
}

// Settings holds the process-wide scalar fields of the document.
type Settings struct {
	Host            string   `json:"host" yaml:"host" toml:"host" default:"0.0.0.0" env:"HOST"`
	Port            int      `json:"port" yaml:"port" toml:"port" default:"8000" env:"PORT"`
	GlobalLogLevel  string   `json:"global_log_level" yaml:"global_log_level" toml:"global_log_level" default:"WARNING" env:"GLOBAL_LOG_LEVEL"`
	LocalLogLevel   string   `json:"local_log_level" yaml:"local_log_level" toml:"local_log_level" default:"INFO" env:"LOCAL_LOG_LEVEL"`
	WebLogLevel     string   `json:"web_log_level" yaml:"web_log_level" toml:"web_log_level" default:"INFO" env:"WEB_LOG_LEVEL"`
	WatchConfig     bool     `json:"watch_config" yaml:"watch_config" toml:"watch_config" default:"false" env:"WATCH_CONFIG"`
	AuditSchedule   string   `json:"audit_schedule,omitempty" yaml:"audit_schedule,omitempty" toml:"audit_schedule,omitempty" default:"@every 5m" env:"AUDIT_SCHEDULE"`
	Workers         int      `json:"workers" yaml:"workers" toml:"workers" default:"16" env:"WORKERS"`
	AcquireRetries  int      `json:"acquire_retries" yaml:"acquire_retries" toml:"acquire_retries" default:"3" env:"ACQUIRE_RETRIES"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" default:"30s" env:"SHUTDOWN_TIMEOUT"`
}

// Duration is a time.Duration that reads and writes as "30s" in every supported format.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}
	*d = Duration(v)
	return nil
}

// Document is the persisted configuration: an ordered list of application
// records plus the process-wide settings.
type Document struct {
	AppConfigs []AppConfig `json:"app_configs" yaml:"app_configs" toml:"app_configs"`
	Settings   `yaml:",inline"`
}

// AppConfig returns the record with the given id.
func (d *Document) AppConfig(id string) (AppConfig, bool) {
	for _, c := range d.AppConfigs {
		if c.ID == id {
			return c.Clone(), true
		}
	}
	return AppConfig{}, false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
