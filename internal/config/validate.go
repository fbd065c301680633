package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks the configuration for values the nodes cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Cluster.ServiceKey == "" {
		errs = append(errs, errors.New("cluster.service_key is required"))
	}
	if c.Cluster.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("cluster.heartbeat_interval must be positive"))
	}
	if c.Cluster.NodeTTL <= c.Cluster.HeartbeatInterval {
		errs = append(errs, errors.New("cluster.node_ttl must exceed cluster.heartbeat_interval"))
	}
	if c.Cluster.RefreshInterval <= 0 {
		errs = append(errs, errors.New("cluster.refresh_interval must be positive"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Gateway.Balancers < 1 {
		errs = append(errs, errors.New("gateway.balancers must be at least 1"))
	}
	if c.Gateway.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("gateway.reply_timeout must be positive"))
	}
	// Zero disables the server's write deadline.
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Gateway.ReplyTimeout {
		errs = append(errs, fmt.Errorf("server.write_timeout %s must exceed gateway.reply_timeout %s",
			c.Server.WriteTimeout, c.Gateway.ReplyTimeout))
	}
	if rl := c.Gateway.RateLimit; rl.Enabled && (rl.Rate <= 0 || rl.Burst < 1) {
		errs = append(errs, errors.New("gateway.rate_limit needs a positive rate and burst"))
	}
	if c.Worker.PoolSize < 1 {
		errs = append(errs, errors.New("worker.pool_size must be at least 1"))
	}
	if c.Worker.MailboxSize < 1 {
		errs = append(errs, errors.New("worker.mailbox_size must be at least 1"))
	}
	if !filepath.IsAbs(c.Worker.StagingDir) {
		errs = append(errs, fmt.Errorf("worker.staging_dir %q must be absolute", c.Worker.StagingDir))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	if c.Sandbox.MemoryBytes <= 0 {
		errs = append(errs, errors.New("sandbox.memory_bytes must be positive"))
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("sandbox.max_output_bytes must be positive"))
	}
	if !strings.HasPrefix(c.Sandbox.MountPath, "/") {
		errs = append(errs, fmt.Errorf("sandbox.mount_path %q must be absolute", c.Sandbox.MountPath))
	}
	if len(c.Languages) == 0 {
		errs = append(errs, errors.New("at least one language is required"))
	}
	for id, p := range c.Languages {
		if len(p.Command) == 0 || p.Image == "" || p.Extension == "" {
			errs = append(errs, fmt.Errorf("language %q needs command, extension and image", id))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}
