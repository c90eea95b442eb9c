/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for spgd.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for spgd.
type Config struct {
	Listen     string     `yaml:"listen"`
	Backend    string     `yaml:"backend"`
	PolicyFile string     `yaml:"policy_file"`
	LogDir     string     `yaml:"log_dir"`
	Verbose    bool       `yaml:"verbose"`
	DataDir    string     `yaml:"data_dir"`
	Timeouts   Timeouts   `yaml:"timeouts"`
	Management Management `yaml:"management"`
	Stats      Stats      `yaml:"stats"`
}

// Timeouts holds gateway timeout configuration.
type Timeouts struct {
	Shutdown Duration `yaml:"shutdown"`
	Connect  Duration `yaml:"connect"`
}

// Management holds management endpoint configuration. An empty Listen
// disables the management server.
type Management struct {
	Listen     string `yaml:"listen"`
	PathPrefix string `yaml:"path_prefix"`
}

// Stats holds statistics collection configuration.
type Stats struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listen:  ":8843",
		Backend: "127.0.0.1:8080",
		LogDir:  "logs",
		Verbose: false,
		DataDir: ".",
		Timeouts: Timeouts{
			Shutdown: Duration{5 * time.Second},
			Connect:  Duration{10 * time.Second},
		},
		Management: Management{
			Listen:     "127.0.0.1:9843",
			PathPrefix: "/spg",
		},
		Stats: Stats{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for spgd.yml or spgd.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"spgd.yml", "spgd.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	Addr       *string
	Backend    *string
	PolicyFile *string
	LogDir     *string
	Verbose    *bool
	DataDir    *string
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Addr != nil {
		c.Listen = *o.Addr
	}
	if o.Backend != nil {
		c.Backend = *o.Backend
	}
	if o.PolicyFile != nil {
		c.PolicyFile = *o.PolicyFile
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	// The backend needs a host and port; a bare port would silently
	// relay to ourselves.
	if host, _, err := net.SplitHostPort(c.Backend); err != nil {
		errs = append(errs, fmt.Sprintf("backend: invalid address %q: %v", c.Backend, err))
	} else if host == "" {
		errs = append(errs, fmt.Sprintf("backend: address %q is missing a host", c.Backend))
	}

	// The policy document is the whole point of the gateway; refusing
	// to start beats serving nothing.
	if c.PolicyFile == "" {
		errs = append(errs, "policy_file: required, no policy document configured")
	}

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.Connect.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.connect: must be positive, got %s", c.Timeouts.Connect))
	}

	if c.Stats.Enabled && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	if c.Management.Listen != "" {
		if _, err := net.ResolveTCPAddr("tcp", c.Management.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("management.listen: invalid address %q: %v", c.Management.Listen, err))
		}
		if !strings.HasPrefix(c.Management.PathPrefix, "/") {
			errs = append(errs, fmt.Sprintf("management.path_prefix: must start with /, got %q", c.Management.PathPrefix))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
