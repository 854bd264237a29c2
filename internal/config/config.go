package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration from defaults, an optional YAML file,
// an optional .env file and the environment, in increasing priority.
type Config struct {
	HTTPPort           string
	WorkDir            string
	DBPath             string
	InboxDir           string
	EnableWatcher      bool
	WorkerCount        int
	QueueSize          int
	Timezone           string
	Location           *time.Location
	LogLevel           string
	ScheduleTitle      string
	SampleSize         int
	MailboxSyncCron    string
	MailboxHorizonDays int
	StrictConfig       bool
	ConfigPath         string
	MailboxCalendars   []CalendarConfig
	// Warnings lists values that were ignored in favour of defaults.
	Warnings []string
}

// CalendarConfig declares a mailbox calendar feed. The bearer token is
// read from the environment variable named by TokenEnv.
type CalendarConfig struct {
	ID         string `json:"id" yaml:"id"`
	MemberID   string `json:"member_id" yaml:"member_id"`
	MemberName string `json:"member_name" yaml:"member_name"`
	Name       string `json:"name" yaml:"name"`
	URL        string `json:"url" yaml:"url"`
	Active     *bool  `json:"active" yaml:"active"`
	TokenEnv   string `json:"token_env" yaml:"token_env"`
}

// IsActive defaults to true when unset.
func (c CalendarConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

type fileConfig struct {
	HTTPPort           string           `json:"http_port" yaml:"http_port"`
	WorkDir            string           `json:"work_dir" yaml:"work_dir"`
	DBPath             string           `json:"db_path" yaml:"db_path"`
	InboxDir           string           `json:"inbox_dir" yaml:"inbox_dir"`
	EnableWatcher      *bool            `json:"enable_watcher" yaml:"enable_watcher"`
	WorkerCount        *int             `json:"worker_count" yaml:"worker_count"`
	QueueSize          *int             `json:"queue_size" yaml:"queue_size"`
	Timezone           string           `json:"timezone" yaml:"timezone"`
	LogLevel           string           `json:"log_level" yaml:"log_level"`
	ScheduleTitle      string           `json:"schedule_title" yaml:"schedule_title"`
	SampleSize         *int             `json:"sample_size" yaml:"sample_size"`
	MailboxSyncCron    *string          `json:"mailbox_sync_cron" yaml:"mailbox_sync_cron"`
	MailboxHorizonDays *int             `json:"mailbox_horizon_days" yaml:"mailbox_horizon_days"`
	MailboxCalendars   []CalendarConfig `json:"mailbox_calendars" yaml:"mailbox_calendars"`
}

const (
	defaultPort          = ":8080"
	defaultWorkDir       = "runtime/work"
	defaultInboxDir      = "runtime/inbox"
	defaultDBFile        = "schoolcal.db"
	defaultTimezone      = "Europe/Oslo"
	defaultLogLevel      = "info"
	defaultScheduleTitle = "School"
	defaultSyncCron      = "*/30 * * * *"
	defaultWorkerCount   = 2
	minWorkerCount       = 1
	maxWorkerCount       = 64
	defaultQueueSize     = 64
	minQueueSize         = 8
	maxQueueSize         = 1024
	defaultSampleSize    = 5
	minSampleSize        = 1
	maxSampleSize        = 50
	defaultHorizonDays   = 60
	maxHorizonDays       = 730
)

// Load reads configuration. Invalid values fall back to defaults and are
// recorded in Warnings, unless STRICT_CONFIG is set, in which case the
// first invalid value is returned as an error.
func Load() (Config, error) {
	_ = godotenv.Load(getEnv("DOTENV_PATH", ".env"))

	cfg := Config{
		StrictConfig: parseBoolEnv("STRICT_CONFIG"),
		ConfigPath:   getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml")),
	}

	fileCfg, fileErr := loadFileConfig(cfg.ConfigPath)
	if fileErr != nil {
		if cfg.StrictConfig && !errors.Is(fileErr, os.ErrNotExist) {
			return cfg, fmt.Errorf("config load failed (%s): %w", cfg.ConfigPath, fileErr)
		}
		if !errors.Is(fileErr, os.ErrNotExist) {
			cfg.warn("config load failed (%s): %v (using defaults)", cfg.ConfigPath, fileErr)
		}
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if !strings.HasPrefix(cfg.HTTPPort, ":") && !strings.Contains(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}
	cfg.WorkDir = firstNonEmpty(os.Getenv("WORK_DIR"), fileCfg.WorkDir, defaultWorkDir)
	cfg.InboxDir = firstNonEmpty(os.Getenv("INBOX_DIR"), fileCfg.InboxDir, defaultInboxDir)
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, filepath.Join(cfg.WorkDir, defaultDBFile))
	cfg.LogLevel = strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), fileCfg.LogLevel, defaultLogLevel))
	cfg.ScheduleTitle = firstNonEmpty(os.Getenv("SCHEDULE_TITLE"), fileCfg.ScheduleTitle, defaultScheduleTitle)
	cfg.MailboxCalendars = fileCfg.MailboxCalendars

	cfg.EnableWatcher = true
	if fileCfg.EnableWatcher != nil {
		cfg.EnableWatcher = *fileCfg.EnableWatcher
	}
	if v := strings.TrimSpace(os.Getenv("ENABLE_WATCHER")); v != "" {
		cfg.EnableWatcher = parseBoolEnv("ENABLE_WATCHER")
	}

	cfg.MailboxSyncCron = defaultSyncCron
	if fileCfg.MailboxSyncCron != nil {
		cfg.MailboxSyncCron = strings.TrimSpace(*fileCfg.MailboxSyncCron)
	}
	if v, ok := os.LookupEnv("MAILBOX_SYNC_CRON"); ok {
		cfg.MailboxSyncCron = strings.TrimSpace(v)
	}

	var err error
	if cfg.WorkerCount, err = cfg.intSetting("WORKER_COUNT", fileCfg.WorkerCount, defaultWorkerCount, minWorkerCount, maxWorkerCount); err != nil {
		return cfg, err
	}
	if cfg.QueueSize, err = cfg.intSetting("QUEUE_SIZE", fileCfg.QueueSize, defaultQueueSize, minQueueSize, maxQueueSize); err != nil {
		return cfg, err
	}
	if cfg.QueueSize < cfg.WorkerCount {
		cfg.warn("QUEUE_SIZE must be >= WORKER_COUNT; using %d", cfg.WorkerCount)
		cfg.QueueSize = cfg.WorkerCount
	}
	if cfg.SampleSize, err = cfg.intSetting("SAMPLE_SIZE", fileCfg.SampleSize, defaultSampleSize, minSampleSize, maxSampleSize); err != nil {
		return cfg, err
	}
	if cfg.MailboxHorizonDays, err = cfg.intSetting("MAILBOX_HORIZON_DAYS", fileCfg.MailboxHorizonDays, defaultHorizonDays, 1, maxHorizonDays); err != nil {
		return cfg, err
	}

	cfg.Timezone = firstNonEmpty(os.Getenv("TIMEZONE"), fileCfg.Timezone, defaultTimezone)
	loc, locErr := time.LoadLocation(cfg.Timezone)
	if locErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, locErr)
		}
		cfg.warn("invalid TIMEZONE %q: %v (using UTC)", cfg.Timezone, locErr)
		cfg.Timezone = "UTC"
		loc = time.UTC
	}
	cfg.Location = loc

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		cfg.warn("config validation failed: %v (continuing)", err)
	}
	return cfg, nil
}

// intSetting resolves an integer from env, then file, then default, and
// clamps it into [min, max].
func (c *Config) intSetting(key string, fileVal *int, def, min, max int) (int, error) {
	n := def
	if fileVal != nil {
		n = *fileVal
	}
	v, ok, err := parseIntEnv(key)
	if err != nil {
		if c.StrictConfig {
			return def, fmt.Errorf("invalid %s: %w", key, err)
		}
		c.warn("invalid %s=%q, using default %d", key, os.Getenv(key), def)
		return def, nil
	}
	if ok {
		n = v
	}
	if n < min {
		c.warn("%s raised to minimum %d (was %d)", key, min, n)
		n = min
	}
	if n > max {
		c.warn("%s capped at %d (was %d)", key, max, n)
		n = max
	}
	return n, nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	seen := make(map[string]bool, len(cfg.MailboxCalendars))
	for i, cal := range cfg.MailboxCalendars {
		if strings.TrimSpace(cal.ID) == "" || strings.TrimSpace(cal.MemberID) == "" || strings.TrimSpace(cal.URL) == "" {
			return fmt.Errorf("mailbox_calendars[%d]: id, member_id and url are required", i)
		}
		if seen[cal.ID] {
			return fmt.Errorf("mailbox_calendars[%d]: duplicate id %q", i, cal.ID)
		}
		seen[cal.ID] = true
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}
