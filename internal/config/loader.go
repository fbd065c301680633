package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from defaults, an optional YAML file and the environment.
// Languages declared in the file are merged over the built-in table.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if path := discoverConfigFile(configPath); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if cfg.Sandbox.BindSource == "" {
		cfg.Sandbox.BindSource = cfg.Worker.StagingDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// discoverConfigFile returns the first config file found, or "" when none exists.
// An explicit path is returned as-is so a missing file surfaces as an error.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("GOXEC_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"goxec.yaml", "/etc/goxec/goxec.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps GOXEC_* variables onto the config.
// REDIS_ADDR is still honoured for deployments of the single-node goxec.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cluster.RedisAddr = v
	}

	str := map[string]*string{
		"GOXEC_NODE_ID":        &cfg.Node.ID,
		"GOXEC_NODE_ADDR":      &cfg.Node.Addr,
		"GOXEC_REDIS_ADDR":     &cfg.Cluster.RedisAddr,
		"GOXEC_REDIS_PASSWORD": &cfg.Cluster.RedisPassword,
		"GOXEC_SERVICE_KEY":    &cfg.Cluster.ServiceKey,
		"GOXEC_STAGING_DIR":    &cfg.Worker.StagingDir,
		"GOXEC_BIND_SOURCE":    &cfg.Sandbox.BindSource,
		"GOXEC_LOG_LEVEL":      &cfg.Log.Level,
		"GOXEC_LOG_FORMAT":     &cfg.Log.Format,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GOXEC_PORT":             &cfg.Server.Port,
		"GOXEC_REDIS_DB":         &cfg.Cluster.RedisDB,
		"GOXEC_BALANCERS":        &cfg.Gateway.Balancers,
		"GOXEC_POOL_SIZE":        &cfg.Worker.PoolSize,
		"GOXEC_MAILBOX_SIZE":     &cfg.Worker.MailboxSize,
		"GOXEC_MAX_OUTPUT_BYTES": &cfg.Sandbox.MaxOutputBytes,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"GOXEC_SANDBOX_TIMEOUT": &cfg.Sandbox.Timeout,
		"GOXEC_REPLY_TIMEOUT":   &cfg.Gateway.ReplyTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("GOXEC_TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GOXEC_TRUST_PROXY: %w", err)
		}
		cfg.Gateway.RateLimit.TrustProxy = b
	}

	if v := os.Getenv("GOXEC_MEMORY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("GOXEC_MEMORY_BYTES: %w", err)
		}
		cfg.Sandbox.MemoryBytes = n
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
