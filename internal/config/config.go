// Package config loads process configuration from the environment, an
// optional .env file and the host registry file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	defaultDataDir        = "./data"
	defaultCommandTimeout = 30 * time.Second
	defaultScriptTimeout  = 10 * time.Minute
	defaultConnectTimeout = 30 * time.Second
	defaultConcurrency    = 4
)

// Config is the resolved process configuration.
type Config struct {
	DataDir     string
	DBPath      string
	ScriptsDir  string
	HostsFile   string
	PolicyFile  string
	KnownHosts  string
	MetricsAddr string

	CommandTimeout time.Duration
	ScriptTimeout  time.Duration
	ConnectTimeout time.Duration
	Concurrency    int

	LogLevel  string
	LogFormat string
	LogFile   string

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// AnalysisScript is the scripted audit entrypoint under ScriptsDir.
func (c *Config) AnalysisScript() string {
	return filepath.Join(c.ScriptsDir, "analysis", "audit.sh")
}

// RemediationDir holds the per-identifier remediation scripts.
func (c *Config) RemediationDir() string {
	return filepath.Join(c.ScriptsDir, "remediation")
}

// ArtifactsDir is the root of the local audit trail.
func (c *Config) ArtifactsDir() string {
	return c.DataDir
}

// Load reads .env files and the environment.
func Load() (*Config, error) {
	dataDir := defaultDataDir
	if dir := strings.TrimSpace(os.Getenv("HOSTAUDIT_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from current directory")
	}

	cfg := &Config{
		DataDir:        dataDir,
		ScriptsDir:     "./scripts",
		CommandTimeout: defaultCommandTimeout,
		ScriptTimeout:  defaultScriptTimeout,
		ConnectTimeout: defaultConnectTimeout,
		Concurrency:    defaultConcurrency,
		LogLevel:       "info",
		LogFormat:      "auto",
		EnvOverrides:   make(map[string]bool),
	}
	if dir := strings.TrimSpace(os.Getenv("HOSTAUDIT_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
		cfg.EnvOverrides["dataDir"] = true
	}

	cfg.stringEnv("HOSTAUDIT_DB_PATH", "dbPath", &cfg.DBPath)
	cfg.stringEnv("HOSTAUDIT_SCRIPTS_DIR", "scriptsDir", &cfg.ScriptsDir)
	cfg.stringEnv("HOSTAUDIT_HOSTS_FILE", "hostsFile", &cfg.HostsFile)
	cfg.stringEnv("HOSTAUDIT_POLICY_FILE", "policyFile", &cfg.PolicyFile)
	cfg.stringEnv("HOSTAUDIT_KNOWN_HOSTS", "knownHosts", &cfg.KnownHosts)
	cfg.stringEnv("HOSTAUDIT_METRICS_ADDR", "metricsAddr", &cfg.MetricsAddr)
	cfg.stringEnv("LOG_LEVEL", "logLevel", &cfg.LogLevel)
	cfg.stringEnv("LOG_FORMAT", "logFormat", &cfg.LogFormat)
	cfg.stringEnv("LOG_FILE", "logFile", &cfg.LogFile)

	var errs []string
	for _, d := range []struct {
		env, key string
		dst      *time.Duration
	}{
		{"HOSTAUDIT_COMMAND_TIMEOUT", "commandTimeout", &cfg.CommandTimeout},
		{"HOSTAUDIT_SCRIPT_TIMEOUT", "scriptTimeout", &cfg.ScriptTimeout},
		{"HOSTAUDIT_CONNECT_TIMEOUT", "connectTimeout", &cfg.ConnectTimeout},
	} {
		raw := strings.TrimSpace(os.Getenv(d.env))
		if raw == "" {
			continue
		}
		v, err := parseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", d.env, err))
			continue
		}
		*d.dst = v
		cfg.EnvOverrides[d.key] = true
	}
	if raw := strings.TrimSpace(os.Getenv("HOSTAUDIT_CONCURRENCY")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("HOSTAUDIT_CONCURRENCY: %v", err))
		} else {
			cfg.Concurrency = n
			cfg.EnvOverrides["concurrency"] = true
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "history.db")
	}
	if cfg.KnownHosts == "" {
		cfg.KnownHosts = filepath.Join(cfg.DataDir, "known_hosts")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) stringEnv(name, key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
		c.EnvOverrides[key] = true
	}
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.CommandTimeout < time.Second {
		return fmt.Errorf("command timeout must be at least 1 second")
	}
	if c.ConnectTimeout < time.Second {
		return fmt.Errorf("connect timeout must be at least 1 second")
	}
	if c.ScriptTimeout < c.CommandTimeout {
		return fmt.Errorf("script timeout (%s) must not be shorter than command timeout (%s)", c.ScriptTimeout, c.CommandTimeout)
	}
	if c.Concurrency < 1 || c.Concurrency > 256 {
		return fmt.Errorf("concurrency must be between 1 and 256, got %d", c.Concurrency)
	}
	return nil
}
