package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the top-level process configuration for a pipeline server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Metadata MetadataConfig `yaml:"metadata"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// PipelineConfig declares the nodes this process hosts. Action node
// hooks cannot be expressed in YAML; nodes declared here get default
// behavior and are meant to be replaced or augmented programmatically
// by embedding applications.
type PipelineConfig struct {
	Name  string       `yaml:"name"`
	Nodes []NodeConfig `yaml:"nodes"`
}

// NodeConfig declares one node of the pipeline.
type NodeConfig struct {
	Name string `yaml:"name"`
	// Type is one of "metadata_store", "resource", "action".
	Type string `yaml:"type"`
	// Path is the monitored directory for resource nodes; empty
	// disables monitoring (the node only joins the handshake).
	Path string `yaml:"path"`
	// Trigger is an optional expr-lang condition over artifact counts
	// replacing the default "NewCount > 0" rule for resource nodes.
	Trigger           string   `yaml:"trigger"`
	Predecessors      []string `yaml:"predecessors"`
	RemoteSuccessors  []string `yaml:"remote_successors"`
	WaitForConnection bool     `yaml:"wait_for_connection"`
}

// ServerConfig holds HTTP server settings for the pipeline server's
// own listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MetadataConfig selects and configures the metadata store backend.
type MetadataConfig struct {
	Backend string `yaml:"backend"` // "memory" (default) or "postgres"
	URL     string `yaml:"url"`     // postgres connection string, required when backend == "postgres"
}

// MonitorConfig controls the polling cadence of metadata-store and
// resource-node monitor loops.
type MonitorConfig struct {
	IntervalMillis int `yaml:"interval_millis"` // default 50 (20Hz, satisfies the >=10Hz floor)
}

// Interval returns the configured monitor interval as a time.Duration.
func (m MonitorConfig) Interval() time.Duration {
	if m.IntervalMillis <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(m.IntervalMillis) * time.Millisecond
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Metadata: MetadataConfig{
			Backend: "memory",
		},
		Monitor: MonitorConfig{
			IntervalMillis: 50,
		},
		Pipeline: PipelineConfig{
			Name: "anacostia",
		},
	}
}

// Load reads a YAML configuration file at path and returns a Config,
// starting from defaults so a partial file only overrides what it sets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadDefault tries to load "config.yaml" from the current directory.
// If the file does not exist, it returns sensible defaults. Any other
// error (e.g. permission denied, malformed YAML) is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults(), nil
		}
		return nil, err
	}
	return cfg, nil
}
