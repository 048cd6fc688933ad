package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STACKDEPLOY_"

type envBinding struct {
	name  string
	apply func(c *Config, value string) error
}

var envBindings = []envBinding{
	{"DB_PATH", func(c *Config, v string) error { c.Database.Path = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil }},
	{"CLUSTER_ID", func(c *Config, v string) error { c.Orchestrator.ClusterID = v; return nil }},
	{"MAX_PARALLEL", func(c *Config, v string) error { return setInt(&c.Orchestrator.MaxParallel, v) }},
	{"DISPATCH_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Orchestrator.DispatchTimeout, v) }},
	{"TOLERANT_ROLES", func(c *Config, v string) error { c.Orchestrator.TolerantRoles = splitList(v); return nil }},
	{"STRICT_MERGE", func(c *Config, v string) error { return setBool(&c.Orchestrator.StrictMerge, v) }},
	{"HEALTH_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Health.Interval, v) }},
	{"HEALTH_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Health.Timeout, v) }},
	{"SSH_USER", func(c *Config, v string) error { c.SSH.User = v; return nil }},
	{"SSH_KEY_FILE", func(c *Config, v string) error { c.SSH.KeyFile = v; return nil }},
	{"SSH_PASSWORD", func(c *Config, v string) error { c.SSH.Password = v; return nil }},
	{"SSH_INSECURE", func(c *Config, v string) error { return setBool(&c.SSH.Insecure, v) }},
	{"METADATA_DIR", func(c *Config, v string) error { c.Metadata.Dir = v; return nil }},
	{"POLICY_DIR", func(c *Config, v string) error { c.Policy.Dir = v; return nil }},
	{"METRICS_ADDR", func(c *Config, v string) error { c.Telemetry.Metrics.ListenAddress = v; return nil }},
}

// ApplyEnv overlays STACKDEPLOY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
