// Package config loads the agenthub static configuration from environment
// variables and an optional config file, layered through viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the effective static configuration resolved at startup. The
// mutable config document served over /state/config and /patch/apply lives
// in internal/configstate and is seeded from this struct.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Egress  EgressConfig  `mapstructure:"egress"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Events  EventsConfig  `mapstructure:"events"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Projects ProjectsConfig `mapstructure:"projects"`
	Actions ActionsConfig `mapstructure:"actions"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Bind            string        `mapstructure:"bind"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
}

// StorageConfig controls the kernel store backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // "sqlite" | "postgres"
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url"`
	KernelEnable bool  `mapstructure:"kernel_enable"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// CacheConfig controls the optional Redis-backed lease cache.
type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	Enabled   bool          `mapstructure:"enabled"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// EgressConfig seeds the default egress posture and allowlist.
type EgressConfig struct {
	Posture               string   `mapstructure:"posture"`
	Allowlist             []string `mapstructure:"allowlist"`
	MultiLabelSuffixes    []string `mapstructure:"multi_label_suffixes"`
	ProxyEnable           bool     `mapstructure:"proxy_enable"`
	LedgerEnable          bool     `mapstructure:"ledger_enable"`
	DNSGuardEnable        bool     `mapstructure:"dns_guard_enable"`
	BlockIPLiterals       bool     `mapstructure:"block_ip_literals"`
}

// RuntimeConfig controls the restart budget defaults.
type RuntimeConfig struct {
	RestartMax      int `mapstructure:"restart_max"`
	RestartWindowSec int `mapstructure:"restart_window_sec"`
}

// EventsConfig controls journal persistence.
type EventsConfig struct {
	JournalPath string `mapstructure:"journal_path"`
	Enabled     bool   `mapstructure:"enabled"`
}

// AdminConfig controls admin-endpoint authentication.
type AdminConfig struct {
	Token     string `mapstructure:"token"`
	TokenSHA  string `mapstructure:"token_sha256"`
}

// ProjectsConfig controls the project file tree root.
type ProjectsConfig struct {
	Dir           string `mapstructure:"dir"`
	MaxFileMB     int    `mapstructure:"max_file_mb"`
}

// ActionsConfig sizes the worker pool and the admission rate limiter
// guarding POST /actions (spec §4.4 admission, backpressure metrics).
type ActionsConfig struct {
	Workers          int     `mapstructure:"workers"`
	HighWater        int     `mapstructure:"high_water"`
	RateLimitPerSec  float64 `mapstructure:"rate_limit_per_sec"`
	RateBurst        int     `mapstructure:"rate_burst"`
}

// Load resolves Config from environment (ARW_ prefix) then an optional
// config file, falling back to defaults matching spec.md §6.3.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8091)
	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_concurrency", 1024)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "./state/events.db")
	v.SetDefault("storage.kernel_enable", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("egress.posture", "standard")
	v.SetDefault("egress.proxy_enable", true)
	v.SetDefault("egress.ledger_enable", true)
	v.SetDefault("egress.dns_guard_enable", true)
	v.SetDefault("egress.block_ip_literals", true)

	v.SetDefault("runtime.restart_max", 3)
	v.SetDefault("runtime.restart_window_sec", 600)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.journal_path", "./state/events.jsonl")

	v.SetDefault("projects.dir", "./state/projects")
	v.SetDefault("projects.max_file_mb", 16)

	v.SetDefault("actions.workers", 4)
	v.SetDefault("actions.high_water", 256)
	v.SetDefault("actions.rate_limit_per_sec", 50.0)
	v.SetDefault("actions.rate_burst", 100)
}

// bindEnv wires the exact ARW_* environment variables named in spec.md §6.3
// to config keys that don't already match the automatic "." -> "_" mapping.
func bindEnv(v *viper.Viper) {
	binds := map[string]string{
		"server.port":                     "ARW_PORT",
		"server.bind":                     "ARW_BIND",
		"server.max_concurrency":          "ARW_HTTP_MAX_CONC",
		"storage.kernel_enable":           "ARW_KERNEL_ENABLE",
		"admin.token":                     "ARW_ADMIN_TOKEN",
		"admin.token_sha256":              "ARW_ADMIN_TOKEN_SHA256",
		"events.journal_path":             "ARW_EVENTS_JOURNAL",
		"egress.posture":                  "ARW_NET_POSTURE",
		"egress.allowlist":                "ARW_NET_ALLOWLIST",
		"egress.multi_label_suffixes":     "ARW_EGRESS_MULTI_LABEL_SUFFIXES",
		"egress.proxy_enable":             "ARW_EGRESS_PROXY_ENABLE",
		"egress.ledger_enable":            "ARW_EGRESS_LEDGER_ENABLE",
		"egress.dns_guard_enable":         "ARW_DNS_GUARD_ENABLE",
		"egress.block_ip_literals":        "ARW_EGRESS_BLOCK_IP_LITERALS",
		"runtime.restart_max":             "ARW_RUNTIME_RESTART_MAX",
		"runtime.restart_window_sec":      "ARW_RUNTIME_RESTART_WINDOW_SEC",
		"projects.dir":                    "ARW_PROJECTS_DIR",
		"projects.max_file_mb":            "ARW_PROJECT_MAX_FILE_MB",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}
