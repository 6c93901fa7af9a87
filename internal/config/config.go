// Package config loads orchestrator configuration. Values are layered:
// defaults, then an optional YAML file, then environment variables. Command
// line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/orchestrator/internal/cloud"
)

// ErrMissingCredentials is returned by Validate when the AWS credential pair
// is incomplete. The process must not start without it.
var ErrMissingCredentials = errors.New("aws credentials are missing")

// Environment variables.
const (
	EnvAccessKey   = "AWS_ACCESS_KEY"
	EnvSecretKey   = "AWS_SECRET_KEY"
	EnvGroup       = "ORCHESTRATOR_GROUP"
	EnvRegion      = "ORCHESTRATOR_REGION"
	EnvListen      = "ORCHESTRATOR_LISTEN"
	EnvBuffer      = "ORCHESTRATOR_BUFFER_TARGET"
	EnvMaxCapacity = "ORCHESTRATOR_MAX_CAPACITY"
	EnvInterval    = "ORCHESTRATOR_RECONCILE_INTERVAL"
	EnvTimeout     = "ORCHESTRATOR_CALL_TIMEOUT"
	EnvAddressKind = "ORCHESTRATOR_ADDRESS_KIND"
	EnvNATSURL     = "ORCHESTRATOR_NATS_URL"
	EnvLogLevel    = "ORCHESTRATOR_LOG_LEVEL"
)

// Config is the full service configuration.
type Config struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	Group  string `yaml:"group"`
	Region string `yaml:"region"`
	Listen string `yaml:"listen"`

	BufferTarget      int           `yaml:"buffer_target"`
	MaxCapacity       int           `yaml:"max_capacity"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	AddressKind       string        `yaml:"address_kind"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	LogLevel string `yaml:"log_level"`
	LogDev   bool   `yaml:"log_dev"`
	Trace    bool   `yaml:"trace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Group:             "vscode-asg",
		Region:            "us-east-1",
		Listen:            ":9092",
		BufferTarget:      5,
		ReconcileInterval: 10 * time.Second,
		CallTimeout:       5 * time.Second,
		AddressKind:       string(cloud.AddressPublic),
		NATSSubject:       "orchestrator.machines",
		LogLevel:          "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment given by lookup. Pass os.LookupEnv in
// production.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str(EnvAccessKey, &c.AccessKey)
	str(EnvSecretKey, &c.SecretKey)
	str(EnvGroup, &c.Group)
	str(EnvRegion, &c.Region)
	str(EnvListen, &c.Listen)
	str(EnvAddressKind, &c.AddressKind)
	str(EnvNATSURL, &c.NATSURL)
	str(EnvLogLevel, &c.LogLevel)

	return errors.Join(
		num(EnvBuffer, &c.BufferTarget),
		num(EnvMaxCapacity, &c.MaxCapacity),
		dur(EnvInterval, &c.ReconcileInterval),
		dur(EnvTimeout, &c.CallTimeout),
	)
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.AccessKey == "" || c.SecretKey == "" {
		errs = append(errs, ErrMissingCredentials)
	}
	if c.Group == "" {
		errs = append(errs, errors.New("group is required"))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if c.BufferTarget < 0 {
		errs = append(errs, fmt.Errorf("buffer_target must be >= 0, got %d", c.BufferTarget))
	}
	if c.MaxCapacity < 0 {
		errs = append(errs, fmt.Errorf("max_capacity must be >= 0, got %d", c.MaxCapacity))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("reconcile_interval must be positive, got %s", c.ReconcileInterval))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call_timeout must be positive, got %s", c.CallTimeout))
	}
	if _, err := cloud.ParseAddressKind(c.AddressKind); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
