package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
	"github.com/stackdeploy/stackdeploy/pkg/stores"
	"github.com/stackdeploy/stackdeploy/pkg/telemetry"
	"github.com/stackdeploy/stackdeploy/pkg/transports/ssh"
)

// Config is the configuration of the stackctl controller.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Health       HealthConfig       `yaml:"health"`
	SSH          SSHConfig          `yaml:"ssh"`
	Telemetry    telemetry.Config   `yaml:"telemetry" validate:"-"`
	Metadata     MetadataConfig     `yaml:"metadata"`
	Policy       PolicyConfig       `yaml:"policy"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file, or ":memory:".
	Path         string        `yaml:"path" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// OrchestratorConfig tunes deployment transactions.
type OrchestratorConfig struct {
	// ClusterID is used when a deployment names no cluster.
	ClusterID       string        `yaml:"cluster_id" validate:"required"`
	MaxParallel     int           `yaml:"max_parallel" validate:"gte=1"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" validate:"gt=0"`
	TolerantRoles   []string      `yaml:"tolerant_roles" validate:"dive,required"`
	AttributePrefix string        `yaml:"attribute_prefix" validate:"required"`
	StrictMerge     bool          `yaml:"strict_merge"`
	PlanCacheSize   int           `yaml:"plan_cache_size" validate:"gte=0"`

	// AbortPollInterval is how often a deploying process checks for an
	// abort issued by another stackctl invocation.
	AbortPollInterval time.Duration `yaml:"abort_poll_interval" validate:"gt=0"`
}

// HealthConfig configures the node health monitor.
type HealthConfig struct {
	// Interval is the time between liveness sweeps.
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// Timeout is how long a node may go without a heartbeat.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// ProbeTimeout bounds one SSH probe when the monitor collects heartbeats.
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`
}

// SSHConfig is the connection template of the SSH transport.
type SSHConfig struct {
	User           string        `yaml:"user" validate:"required"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	Auth           string        `yaml:"auth" validate:"oneof=key agent password"`
	KeyFile        string        `yaml:"key_file" validate:"required_if=Auth key"`
	Password       string        `yaml:"password" validate:"required_if=Auth password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	KnownHosts     string        `yaml:"known_hosts"`
	Insecure       bool          `yaml:"insecure"`
	UseSudo        bool          `yaml:"use_sudo"`
	KeepAlive      time.Duration `yaml:"keep_alive" validate:"gte=0"`
}

// MetadataConfig locates release definitions.
type MetadataConfig struct {
	Dir              string        `yaml:"dir"`
	Watch            bool          `yaml:"watch"`
	ConditionTimeout time.Duration `yaml:"condition_timeout" validate:"gte=0"`
}

// PolicyConfig configures the deployment policy gate.
type PolicyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Database: DatabaseConfig{
			Path:        "stackdeploy.db",
			BusyTimeout: 5 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			ClusterID:       engine.DefaultClusterID,
			MaxParallel:     50,
			DispatchTimeout: 30 * time.Minute,
			TolerantRoles:   []string{"compute"},
			AttributePrefix: "fault_tolerance.",
			PlanCacheSize:   64,

			AbortPollInterval: 2 * time.Second,
		},
		Health: HealthConfig{
			Interval:     30 * time.Second,
			Timeout:      90 * time.Second,
			ProbeTimeout: 10 * time.Second,
		},
		SSH: SSHConfig{
			User:           "root",
			Port:           22,
			Auth:           "key",
			KeyFile:        filepath.Join(home, ".ssh", "id_rsa"),
			ConnectTimeout: 30 * time.Second,
			KnownHosts:     filepath.Join(home, ".ssh", "known_hosts"),
		},
		Telemetry: *telemetry.DefaultConfig(),
		Metadata: MetadataConfig{
			Dir:              "releases",
			ConditionTimeout: 5 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
	}
}

// Load reads the configuration. Defaults are overlaid with the YAML file
// at path, if any, and then with STACKDEPLOY_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays a YAML document on cfg. Unknown keys are errors.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Health.Timeout < c.Health.Interval {
		return fmt.Errorf("invalid configuration: health timeout %s is shorter than the interval %s",
			c.Health.Timeout, c.Health.Interval)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// StoreConfig returns the SQLite store configuration.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:         c.Database.Path,
		MaxOpenConns: c.Database.MaxOpenConns,
		BusyTimeout:  c.Database.BusyTimeout,
	}
}

// EngineConfig returns the orchestrator configuration.
func (c *Config) EngineConfig() engine.OrchestratorConfig {
	return engine.OrchestratorConfig{
		MaxParallel:     c.Orchestrator.MaxParallel,
		DispatchTimeout: c.Orchestrator.DispatchTimeout,
		TolerantRoles:   append([]string(nil), c.Orchestrator.TolerantRoles...),
		AttributePrefix: c.Orchestrator.AttributePrefix,
		StrictMerge:     c.Orchestrator.StrictMerge,
		PlanCacheSize:   c.Orchestrator.PlanCacheSize,

		AbortPollInterval: c.Orchestrator.AbortPollInterval,
	}
}

// SSHTransportConfig returns the connection template of the SSH transport.
// The host is filled in per node.
func (c *Config) SSHTransportConfig() *ssh.Config {
	sc := ssh.DefaultConfig("", c.SSH.User)
	sc.Port = c.SSH.Port
	sc.AuthMethod = ssh.AuthMethod(c.SSH.Auth)
	sc.PrivateKeyPath = c.SSH.KeyFile
	sc.Password = c.SSH.Password
	sc.ConnectionTimeout = c.SSH.ConnectTimeout
	sc.KnownHostsPath = c.SSH.KnownHosts
	sc.StrictHostKeyChecking = !c.SSH.Insecure
	sc.UseSudo = c.SSH.UseSudo
	sc.KeepAliveInterval = c.SSH.KeepAlive
	return sc
}
