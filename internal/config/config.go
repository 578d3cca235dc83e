// Package config loads the broker kernel's configuration surface from an
// optional YAML file plus environment overrides. A YAML document supplies
// the base values, env vars override individual fields, and a missing or
// invalid file silently falls back to the hardcoded defaults below rather
// than failing startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jobbroker/core/internal/platform/logger"
)

// EnvConfigFile names the environment variable holding the path to an
// optional YAML config file. Unset or unreadable is not an error.
const EnvConfigFile = "CONFIG_FILE"

// fileConfig mirrors Config's fields for YAML decoding. Every field is a
// pointer so an absent key leaves the compiled-in default untouched.
type fileConfig struct {
	Store struct {
		URL    *string `yaml:"url"`
		Prefix *string `yaml:"prefix"`
	} `yaml:"store"`
	Broker struct {
		ClaimScanDepth    *int   `yaml:"claim_scan_depth"`
		DefaultMaxRetries *int   `yaml:"default_max_retries"`
		DefaultTimeoutMs  *int64 `yaml:"default_timeout_ms"`
	} `yaml:"broker"`
	Recovery struct {
		TickMs            *int64 `yaml:"tick_ms"`
		WorkerStaleMs     *int64 `yaml:"worker_stale_ms"`
		ProgressSilenceMs *int64 `yaml:"progress_silence_ms"`
		WorkerGCMs        *int64 `yaml:"worker_gc_ms"`
	} `yaml:"recovery"`
	Events struct {
		MainMaxLen       *int64 `yaml:"main_maxlen"`
		ErrorsMaxLen     *int64 `yaml:"errors_maxlen"`
		RetentionMsMain  *int64 `yaml:"retention_ms_main"`
		RetentionMsError *int64 `yaml:"retention_ms_errors"`
	} `yaml:"events"`
	Dispatcher struct {
		UnknownTypePolicy *string `yaml:"unknown_type_policy"`
	} `yaml:"dispatcher"`
	Monitor struct {
		HeartbeatTimeoutMs *int64 `yaml:"heartbeat_timeout_ms"`
	} `yaml:"monitor"`
	// Services holds per-service timeout and progress-silence overrides,
	// keyed by the same tag jobs carry as service_required. Env vars can't
	// express a map, so these are YAML-only.
	Services map[string]fileServiceOverride `yaml:"services"`
}

type fileServiceOverride struct {
	DefaultTimeoutMs  *int64 `yaml:"default_timeout_ms"`
	ProgressSilenceMs *int64 `yaml:"progress_silence_ms"`
}

// loadFile reads and parses the YAML config file named by EnvConfigFile, if
// set. A missing file, unset env var, or parse error all yield a zero-value
// fileConfig (every override absent); an unreadable or missing file and a
// parse failure each also write a warning log line.
func loadFile(log *logger.Logger) fileConfig {
	var fc fileConfig
	path := strings.TrimSpace(os.Getenv(EnvConfigFile))
	if path == "" {
		return fc
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if log != nil {
			log.Warn("config file unreadable, using defaults", "path", path, "error", err.Error())
		}
		return fc
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		if log != nil {
			log.Warn("config file invalid YAML, using defaults", "path", path, "error", err.Error())
		}
		return fileConfig{}
	}
	return fc
}

// UnknownTypePolicy controls how the dispatcher reacts to a message type it
// doesn't recognize.
type UnknownTypePolicy string

const (
	UnknownTypeWarn  UnknownTypePolicy = "warn"
	UnknownTypeError UnknownTypePolicy = "error"
)

// Config is the full configuration surface recognized by the kernel.
type Config struct {
	// Store
	StoreURL    string
	StorePrefix string

	// Broker
	ClaimScanDepth     int
	DefaultMaxRetries  int
	DefaultTimeoutMs   int64

	// Recovery
	RecoveryTickMs           int64
	WorkerStaleMs            int64
	ProgressSilenceMs        int64
	WorkerGCMs               int64

	// Events
	EventsMainMaxLen       int64
	EventsErrorsMaxLen     int64
	EventsRetentionMsMain  int64
	EventsRetentionMsError int64

	// Dispatcher
	UnknownTypePolicy UnknownTypePolicy

	// Monitor
	MonitorHeartbeatTimeoutMs int64

	// Per-service overrides, YAML-only (see fileConfig.Services).
	DefaultTimeoutMsByService  map[string]int64
	ProgressSilenceMsByService map[string]int64

	// Process-level settings
	LogMode     string
	MetricsAddr string
}

// Load reads the configuration surface from an optional YAML file (named by
// EnvConfigFile) overlaid with environment variables, falling back to the
// compiled-in defaults wherever neither supplies a value. log is used
// only to report malformed overrides; it may be nil during early bootstrap.
func Load(log *logger.Logger) Config {
	fc := loadFile(log)

	return Config{
		StoreURL:    getEnv("STORE_URL", orString(fc.Store.URL, "redis://localhost:6379/0"), log),
		StorePrefix: getEnv("STORE_PREFIX", orString(fc.Store.Prefix, "jobbroker:"), log),

		ClaimScanDepth:    getEnvInt("BROKER_CLAIM_SCAN_DEPTH", orInt(fc.Broker.ClaimScanDepth, 256), log),
		DefaultMaxRetries: getEnvInt("BROKER_DEFAULT_MAX_RETRIES", orInt(fc.Broker.DefaultMaxRetries, 3), log),
		DefaultTimeoutMs:  getEnvInt64("BROKER_DEFAULT_TIMEOUT_MS", orInt64(fc.Broker.DefaultTimeoutMs, 300_000), log),

		RecoveryTickMs:    getEnvInt64("RECOVERY_TICK_MS", orInt64(fc.Recovery.TickMs, 30_000), log),
		WorkerStaleMs:     getEnvInt64("RECOVERY_WORKER_STALE_MS", orInt64(fc.Recovery.WorkerStaleMs, 90_000), log),
		ProgressSilenceMs: getEnvInt64("RECOVERY_PROGRESS_SILENCE_MS", orInt64(fc.Recovery.ProgressSilenceMs, 300_000), log),
		WorkerGCMs:        getEnvInt64("RECOVERY_WORKER_GC_MS", orInt64(fc.Recovery.WorkerGCMs, 3_600_000), log),

		EventsMainMaxLen:       getEnvInt64("EVENTS_MAIN_MAXLEN", orInt64(fc.Events.MainMaxLen, 10_000), log),
		EventsErrorsMaxLen:     getEnvInt64("EVENTS_ERRORS_MAXLEN", orInt64(fc.Events.ErrorsMaxLen, 50_000), log),
		EventsRetentionMsMain:  getEnvInt64("EVENTS_RETENTION_MS_MAIN", orInt64(fc.Events.RetentionMsMain, 86_400_000), log),
		EventsRetentionMsError: getEnvInt64("EVENTS_RETENTION_MS_ERRORS", orInt64(fc.Events.RetentionMsError, 604_800_000), log),

		UnknownTypePolicy: unknownTypePolicy(getEnv("DISPATCHER_UNKNOWN_TYPE_POLICY", orString(fc.Dispatcher.UnknownTypePolicy, "warn"), log)),

		MonitorHeartbeatTimeoutMs: getEnvInt64("MONITOR_HEARTBEAT_TIMEOUT_MS", orInt64(fc.Monitor.HeartbeatTimeoutMs, 60_000), log),

		DefaultTimeoutMsByService:  serviceOverrides(fc.Services, func(s fileServiceOverride) *int64 { return s.DefaultTimeoutMs }),
		ProgressSilenceMsByService: serviceOverrides(fc.Services, func(s fileServiceOverride) *int64 { return s.ProgressSilenceMs }),

		LogMode:     getEnv("LOG_MODE", "development", log),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090", log),
	}
}

func orString(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func orInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func orInt64(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

// serviceOverrides extracts one YAML-only override field across every
// service entry, dropping services that leave it unset.
func serviceOverrides(services map[string]fileServiceOverride, field func(fileServiceOverride) *int64) map[string]int64 {
	if len(services) == 0 {
		return nil
	}
	out := make(map[string]int64, len(services))
	for svc, override := range services {
		if v := field(override); v != nil {
			out[svc] = *v
		}
	}
	return out
}

func (c Config) RecoveryTick() time.Duration    { return time.Duration(c.RecoveryTickMs) * time.Millisecond }
func (c Config) WorkerStale() time.Duration     { return time.Duration(c.WorkerStaleMs) * time.Millisecond }
func (c Config) ProgressSilence() time.Duration { return time.Duration(c.ProgressSilenceMs) * time.Millisecond }
func (c Config) WorkerGC() time.Duration        { return time.Duration(c.WorkerGCMs) * time.Millisecond }
func (c Config) MonitorHeartbeatTimeout() time.Duration {
	return time.Duration(c.MonitorHeartbeatTimeoutMs) * time.Millisecond
}

func unknownTypePolicy(v string) UnknownTypePolicy {
	if strings.EqualFold(v, string(UnknownTypeError)) {
		return UnknownTypeError
	}
	return UnknownTypeWarn
}

func getEnv(key, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid integer env override, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return i
}

func getEnvInt64(key string, def int64, log *logger.Logger) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		if log != nil {
			log.Warn("invalid integer env override, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return i
}
