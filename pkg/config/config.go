// Package config loads service configuration from defaults, an optional
// file and PREPCONTENT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/schedule"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/security"
)

// EnvPrefix prefixes environment overrides: database.dsn is read from
// PREPCONTENT_DATABASE_DSN.
const EnvPrefix = "PREPCONTENT"

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Staging   StagingConfig   `mapstructure:"staging"`
	SCP       SCPConfig       `mapstructure:"scp"`
	DICOMweb  DICOMwebConfig  `mapstructure:"dicomweb"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"gte=0"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`
}

type MonitorConfig struct {
	// MaxConcurrency is clamped to [1, security.MaxConcurrency] on load.
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	SaturationPause time.Duration `mapstructure:"saturation_pause" validate:"gte=0"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
	// DrainTimeout bounds how long shutdown waits for running retrievals.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"gte=0"`
}

type RetrievalConfig struct {
	ArrivalTimeout      time.Duration `mapstructure:"arrival_timeout" validate:"gt=0"`
	ArrivalPollInterval time.Duration `mapstructure:"arrival_poll_interval" validate:"gt=0"`
	ProgressInterval    time.Duration `mapstructure:"progress_interval" validate:"gt=0"`
	ProgressRate        float64       `mapstructure:"progress_rate" validate:"gt=0"`
	ProgressBurst       int           `mapstructure:"progress_burst" validate:"gte=1"`
}

type StagingConfig struct {
	Root string `mapstructure:"root" validate:"required"`
}

type SCPConfig struct {
	AETitle        string        `mapstructure:"ae_title" validate:"required,max=16"`
	Listen         string        `mapstructure:"listen" validate:"required"`
	SOPClasses     []string      `mapstructure:"sop_classes"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout" validate:"gt=0"`
}

type DICOMwebConfig struct {
	Scheme   string        `mapstructure:"scheme" validate:"oneof=http https"`
	BasePath string        `mapstructure:"base_path" validate:"required,startswith=/"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type VerifyConfig struct {
	// Schedule is a cron expression; empty disables verification.
	Schedule string `mapstructure:"schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "prepcontent.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", time.Minute)
	v.SetDefault("database.connect_timeout", 30*time.Second)

	v.SetDefault("monitor.max_concurrency", 5)
	v.SetDefault("monitor.poll_interval", time.Second)
	v.SetDefault("monitor.saturation_pause", 10*time.Second)
	v.SetDefault("monitor.stop_timeout", 10*time.Second)
	v.SetDefault("monitor.drain_timeout", 30*time.Second)

	v.SetDefault("retrieval.arrival_timeout", 600*time.Second)
	v.SetDefault("retrieval.arrival_poll_interval", time.Second)
	v.SetDefault("retrieval.progress_interval", 10*time.Second)
	v.SetDefault("retrieval.progress_rate", 1.0)
	v.SetDefault("retrieval.progress_burst", 1)

	v.SetDefault("staging.root", "dcm")

	v.SetDefault("scp.ae_title", "RSNA-ISN")
	v.SetDefault("scp.listen", ":4104")
	v.SetDefault("scp.sop_classes", []string{})
	v.SetDefault("scp.read_timeout", 5*time.Second)
	v.SetDefault("scp.release_timeout", 5*time.Second)

	v.SetDefault("dicomweb.scheme", "http")
	v.SetDefault("dicomweb.base_path", "/dcm4chee-arc/aets/%s/rs")
	v.SetDefault("dicomweb.timeout", 60*time.Second)

	v.SetDefault("verify.schedule", "*/15 * * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults are constants; failing here means setDefaults is broken.
		panic(err)
	}
	return cfg
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used. The file format follows the extension
// (yaml, toml, json).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Monitor.MaxConcurrency = security.ClampConcurrency(cfg.Monitor.MaxConcurrency)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, the extra SOP class UIDs and the
// verification schedule.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	for _, uid := range c.SCP.SOPClasses {
		if err := security.ValidateUID(uid); err != nil {
			return fmt.Errorf("invalid config: scp.sop_classes: %q: %w", uid, err)
		}
	}

	if c.Verify.Schedule != "" {
		if _, err := schedule.Cron(c.Verify.Schedule); err != nil {
			return fmt.Errorf("invalid config: verify.schedule: %w", err)
		}
	}
	return nil
}

// SlogLevel returns the configured slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w in the configured format.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
