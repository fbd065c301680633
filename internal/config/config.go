// Package config provides the configuration shared by gateway and worker nodes.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML config file (explicit path, GOXEC_CONFIG, ./goxec.yaml, /etc/goxec/goxec.yaml)
//  3. Environment variable overrides (GOXEC_ prefix, plus the legacy REDIS_ADDR)
//  4. Validation
package config

import (
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/goxec-cluster/internal/domain"
)

// Config holds all configuration for a goxec node.
type Config struct {
	Node      NodeConfig       `yaml:"node"`
	Cluster   ClusterConfig    `yaml:"cluster"`
	Server    ServerConfig     `yaml:"server"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Worker    WorkerConfig     `yaml:"worker"`
	Sandbox   SandboxConfig    `yaml:"sandbox"`
	Languages domain.Languages `yaml:"languages"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// NodeConfig identifies this node. An empty ID is replaced by a random one at startup.
type NodeConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// ClusterConfig holds the Redis connection and discovery timings.
type ClusterConfig struct {
	RedisAddr         string        `yaml:"redis_addr"`         // default: localhost:6379
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	ServiceKey        string        `yaml:"service_key"`        // default: goxec-worker-pool
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default: 1s
	NodeTTL           time.Duration `yaml:"node_ttl"`           // default: 5s
	RefreshInterval   time.Duration `yaml:"refresh_interval"`   // default: 2s
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`           // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`  // default: 30s
	MaxBodyBytes int64         `yaml:"max_body_bytes"` // default: 64 KiB
}

// GatewayConfig holds settings of the gateway role.
type GatewayConfig struct {
	Balancers    int             `yaml:"balancers"`     // default: 4
	ReplyTimeout time.Duration   `yaml:"reply_timeout"` // default: 3s
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures the per-client token bucket on submissions.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"` // default: true
	Rate    float64 `yaml:"rate"`    // tokens per second, default: 0.5
	Burst   int     `yaml:"burst"`   // default: 5

	// TrustProxy keys buckets by the first X-Forwarded-For entry. Enable it
	// only behind a proxy that overwrites the header. Default: false.
	TrustProxy bool `yaml:"trust_proxy"`
}

// WorkerConfig holds settings of the worker role.
type WorkerConfig struct {
	PoolSize         int           `yaml:"pool_size"`         // default: 8
	MailboxSize      int           `yaml:"mailbox_size"`      // default: 4
	StagingDir       string        `yaml:"staging_dir"`       // default: /tmp/goxec
	RecoveryInterval time.Duration `yaml:"recovery_interval"` // default: 30s
}

// SandboxConfig holds the resource limits applied to every run.
type SandboxConfig struct {
	Timeout        time.Duration `yaml:"timeout"`          // default: 2s
	MemoryBytes    int64         `yaml:"memory_bytes"`     // default: 20 MiB
	CPUShares      int64         `yaml:"cpu_shares"`       // default: 512
	PidsLimit      int64         `yaml:"pids_limit"`       // default: 64
	MaxOutputBytes int           `yaml:"max_output_bytes"` // default: 409600
	MountPath      string        `yaml:"mount_path"`       // default: /sandbox
	// BindSource is the host path of the staging dir, when the worker itself
	// runs in a container. Defaults to worker.staging_dir.
	BindSource string `yaml:"bind_source"`
	PullImages bool   `yaml:"pull_images"` // default: true
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default: info
	Format string `yaml:"format"` // text|json, default: text
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: /metrics
}

// DefaultLanguages is the built-in language table.
func DefaultLanguages() domain.Languages {
	return domain.Languages{
		"python": {
			Command:   []string{"python3", "-u"},
			Extension: ".py",
			Image:     "python:3.12-alpine",
		},
		"javascript": {
			Command:   []string{"node"},
			Extension: ".js",
			Image:     "node:22-alpine",
		},
		"ruby": {
			Command:   []string{"ruby"},
			Extension: ".rb",
			Image:     "ruby:3.3-alpine",
		},
		"shell": {
			Command:   []string{"sh"},
			Extension: ".sh",
			Image:     "alpine:3.20",
		},
	}
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Cluster: ClusterConfig{
			RedisAddr:         "localhost:6379",
			ServiceKey:        "goxec-worker-pool",
			HeartbeatInterval: time.Second,
			NodeTTL:           5 * time.Second,
			RefreshInterval:   2 * time.Second,
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 64 * 1024,
		},
		Gateway: GatewayConfig{
			Balancers:    4,
			ReplyTimeout: 3 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled: true,
				Rate:    0.5,
				Burst:   5,
			},
		},
		Worker: WorkerConfig{
			PoolSize:         8,
			MailboxSize:      4,
			StagingDir:       "/tmp/goxec",
			RecoveryInterval: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Timeout:        2 * time.Second,
			MemoryBytes:    20 * 1024 * 1024,
			CPUShares:      512,
			PidsLimit:      64,
			MaxOutputBytes: 409600,
			MountPath:      "/sandbox",
			PullImages:     true,
		},
		Languages: DefaultLanguages(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// NodeID returns the configured node id, or a random one prefixed with role.
func (c *Config) NodeID(role domain.Role) string {
	if c.Node.ID == "" {
		c.Node.ID = string(role) + "-" + uuid.NewString()[:8]
	}
	return c.Node.ID
}
