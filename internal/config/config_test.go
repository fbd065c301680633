package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goxec.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Sandbox.Timeout != 2*time.Second {
		t.Errorf("sandbox timeout = %v, want 2s", cfg.Sandbox.Timeout)
	}
	if cfg.Sandbox.MaxOutputBytes != 409600 {
		t.Errorf("max output = %d, want 409600", cfg.Sandbox.MaxOutputBytes)
	}
	if cfg.Gateway.ReplyTimeout != 3*time.Second {
		t.Errorf("reply timeout = %v, want 3s", cfg.Gateway.ReplyTimeout)
	}
	if _, ok := cfg.Languages.Lookup("python"); !ok {
		t.Error("python should be a default language")
	}
}

func TestLoadYAMLMergesLanguages(t *testing.T) {
	path := writeConfig(t, `
cluster:
  redis_addr: redis:6379
worker:
  pool_size: 3
sandbox:
  timeout: 5s
languages:
  lua:
    command: [lua]
    extension: .lua
    image: nickblah/lua:5.4-alpine
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cluster.RedisAddr != "redis:6379" {
		t.Errorf("redis addr = %q", cfg.Cluster.RedisAddr)
	}
	if cfg.Worker.PoolSize != 3 {
		t.Errorf("pool size = %d, want 3", cfg.Worker.PoolSize)
	}
	if cfg.Sandbox.Timeout != 5*time.Second {
		t.Errorf("sandbox timeout = %v, want 5s", cfg.Sandbox.Timeout)
	}
	if _, ok := cfg.Languages.Lookup("lua"); !ok {
		t.Error("lua should be loaded from file")
	}
	if _, ok := cfg.Languages.Lookup("python"); !ok {
		t.Error("python should survive the merge")
	}
	if cfg.Sandbox.BindSource != cfg.Worker.StagingDir {
		t.Errorf("bind source = %q, want staging dir %q", cfg.Sandbox.BindSource, cfg.Worker.StagingDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GOXEC_CONFIG", "")
	t.Setenv("REDIS_ADDR", "legacy:6379")
	t.Setenv("GOXEC_POOL_SIZE", "12")
	t.Setenv("GOXEC_SANDBOX_TIMEOUT", "750ms")
	t.Setenv("GOXEC_MEMORY_BYTES", "33554432")

	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cluster.RedisAddr != "legacy:6379" {
		t.Errorf("redis addr = %q, want legacy:6379", cfg.Cluster.RedisAddr)
	}
	if cfg.Worker.PoolSize != 12 {
		t.Errorf("pool size = %d, want 12", cfg.Worker.PoolSize)
	}
	if cfg.Sandbox.Timeout != 750*time.Millisecond {
		t.Errorf("sandbox timeout = %v", cfg.Sandbox.Timeout)
	}
	if cfg.Sandbox.MemoryBytes != 32*1024*1024 {
		t.Errorf("memory = %d", cfg.Sandbox.MemoryBytes)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("GOXEC_POOL_SIZE", "many")
	if _, err := Load(writeConfig(t, "{}")); err == nil {
		t.Fatal("expected error for non-numeric pool size")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero pool", func(c *Config) { c.Worker.PoolSize = 0 }, "worker.pool_size"},
		{"no balancers", func(c *Config) { c.Gateway.Balancers = 0 }, "gateway.balancers"},
		{"relative staging", func(c *Config) { c.Worker.StagingDir = "tmp" }, "worker.staging_dir"},
		{"ttl below heartbeat", func(c *Config) { c.Cluster.NodeTTL = c.Cluster.HeartbeatInterval }, "cluster.node_ttl"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"write timeout below reply timeout", func(c *Config) {
			c.Server.WriteTimeout = 2 * time.Second
			c.Gateway.ReplyTimeout = 3 * time.Second
		}, "server.write_timeout"},
		{"write timeout equal to reply timeout", func(c *Config) {
			c.Server.WriteTimeout = c.Gateway.ReplyTimeout
		}, "server.write_timeout"},
		{"incomplete language", func(c *Config) {
			c.Languages["broken"] = c.Languages["python"]
			p := c.Languages["broken"]
			p.Image = ""
			c.Languages["broken"] = p
		}, `language "broken"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateAllowsUnboundedWriteTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.Server.WriteTimeout = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadTrustProxyFromEnv(t *testing.T) {
	t.Setenv("GOXEC_CONFIG", "")
	t.Setenv("GOXEC_TRUST_PROXY", "true")
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Gateway.RateLimit.TrustProxy {
		t.Error("GOXEC_TRUST_PROXY=true not applied")
	}
	if Defaults().Gateway.RateLimit.TrustProxy {
		t.Error("forwarded headers must not be trusted by default")
	}
}

func TestNodeID(t *testing.T) {
	cfg := Defaults()
	id := cfg.NodeID(domain.RoleWorker)
	if !strings.HasPrefix(id, "worker-") || len(id) != len("worker-")+8 {
		t.Fatalf("generated id = %q", id)
	}
	if again := cfg.NodeID(domain.RoleWorker); again != id {
		t.Errorf("id changed from %q to %q", id, again)
	}

	cfg.Node.ID = "gw-eu-1"
	if got := cfg.NodeID(domain.RoleGateway); got != "gw-eu-1" {
		t.Errorf("configured id ignored: %q", got)
	}
}
