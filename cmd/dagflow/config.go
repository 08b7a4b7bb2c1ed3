package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

// Config holds all dagflow server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	Store             string `json:"store" validate:"oneof=libsql memory"`
	DBPath            string `json:"db_path" validate:"required_if=Store libsql"`
	LogLevel          string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string `json:"log_format" validate:"oneof=text json"`
	PoolSize          int    `json:"pool_size" validate:"gte=1,lte=1024"`
	Parallelism       int    `json:"parallelism" validate:"gte=1,lte=1024"`
	PollInterval      string `json:"poll_interval" validate:"duration"`
	SchedulerInterval string `json:"scheduler_interval" validate:"duration"`
	EventSink         string `json:"event_sink" validate:"oneof=memory watermill"`
	RedisAddr         string `json:"redis_addr,omitempty" validate:"omitempty,hostname_port"`
	RedisPassword     string `json:"redis_password,omitempty"`
	RedisDB           int    `json:"redis_db,omitempty" validate:"gte=0"`
	RedisQueue        string `json:"redis_queue,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Store:             "libsql",
		DBPath:            filepath.Join(dagflowDir(), "dagflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          10,
		Parallelism:       8,
		PollInterval:      "1s",
		SchedulerInterval: "1s",
		EventSink:         "memory",
		RedisQueue:        "dagflow:events",
	}
}

func dagflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dagflow"
	}
	return filepath.Join(home, ".dagflow")
}

func settingsPath() string {
	return filepath.Join(dagflowDir(), "settings.json")
}

// loadConfig layers settings.json over the defaults. A missing file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with every flag set on the command line or through
// its DAGFLOW_* env source.
func applyFlags(cmd *cli.Command, cfg *Config) {
	strs := map[string]*string{
		"store":              &cfg.Store,
		"db-path":            &cfg.DBPath,
		"log-level":          &cfg.LogLevel,
		"log-format":         &cfg.LogFormat,
		"poll-interval":      &cfg.PollInterval,
		"scheduler-interval": &cfg.SchedulerInterval,
		"event-sink":         &cfg.EventSink,
		"redis-addr":         &cfg.RedisAddr,
		"redis-password":     &cfg.RedisPassword,
		"redis-queue":        &cfg.RedisQueue,
	}
	for name, dst := range strs {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	ints := map[string]*int{
		"pool-size":   &cfg.PoolSize,
		"parallelism": &cfg.Parallelism,
		"redis-db":    &cfg.RedisDB,
	}
	for name, dst := range ints {
		if cmd.IsSet(name) {
			*dst = int(cmd.Int(name))
		}
	}
}

// configFlags are shared by serve and init.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "store", Usage: "Persistence backend (libsql, memory)", Sources: cli.EnvVars("DAGFLOW_STORE")},
		&cli.StringFlag{Name: "db-path", Usage: "libSQL database path (default: ~/.dagflow/dagflow.db)", Sources: cli.EnvVars("DAGFLOW_DB_PATH")},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", Sources: cli.EnvVars("DAGFLOW_LOG_LEVEL")},
		&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)", Sources: cli.EnvVars("DAGFLOW_LOG_FORMAT")},
		&cli.IntFlag{Name: "pool-size", Usage: "Maximum concurrent step dispatches", Sources: cli.EnvVars("DAGFLOW_POOL_SIZE")},
		&cli.IntFlag{Name: "parallelism", Usage: "Maximum concurrent items of a parallel step", Sources: cli.EnvVars("DAGFLOW_PARALLELISM")},
		&cli.StringFlag{Name: "poll-interval", Usage: "How often live runs are re-scheduled", Sources: cli.EnvVars("DAGFLOW_POLL_INTERVAL")},
		&cli.StringFlag{Name: "scheduler-interval", Usage: "How often cron triggers are checked", Sources: cli.EnvVars("DAGFLOW_SCHEDULER_INTERVAL")},
		&cli.StringFlag{Name: "event-sink", Usage: "Audit event hub (memory, watermill)", Sources: cli.EnvVars("DAGFLOW_EVENT_SINK")},
		&cli.StringFlag{Name: "redis-addr", Usage: "Redis address for the event trigger source (disabled if empty)", Sources: cli.EnvVars("DAGFLOW_REDIS_ADDR")},
		&cli.StringFlag{Name: "redis-password", Usage: "Redis password", Sources: cli.EnvVars("DAGFLOW_REDIS_PASSWORD")},
		&cli.IntFlag{Name: "redis-db", Usage: "Redis database number", Sources: cli.EnvVars("DAGFLOW_REDIS_DB")},
		&cli.StringFlag{Name: "redis-queue", Usage: "Redis list the event source pops from", Sources: cli.EnvVars("DAGFLOW_REDIS_QUEUE")},
	}
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (c Config) pollInterval() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

func (c Config) schedulerInterval() time.Duration {
	d, _ := time.ParseDuration(c.SchedulerInterval)
	return d
}

// writeSettings persists cfg as settings.json, creating the directory. The
// file can hold the Redis password, so it is kept owner-only.
func writeSettings(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
