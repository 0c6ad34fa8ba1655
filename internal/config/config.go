package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Database  Database  `yaml:"database"`
	Snapshots Snapshots `yaml:"snapshots"`
	Ingest    Ingest    `yaml:"ingest"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

type Database struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type Snapshots struct {
	Dir string `yaml:"dir"`
}

type Ingest struct {
	BatchSize   int      `yaml:"batch_size"`
	Workers     int      `yaml:"workers"`
	MaxAttempts int      `yaml:"max_attempts"`
	RetryDelay  Duration `yaml:"retry_delay"`
	RunTimeout  Duration `yaml:"run_timeout"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Duration parses YAML values like "2s" or "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ConfigDir returns the XDG config directory for markethist.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "markethist")
}

// DataDir returns the XDG data directory for markethist.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "markethist")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/markethist/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'markethist init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Database: Database{
			Driver: "sqlite",
		},
		Snapshots: Snapshots{Dir: "snapshots"},
		Ingest: Ingest{
			BatchSize:   1000,
			Workers:     4,
			MaxAttempts: 3,
			RetryDelay:  Duration(2 * time.Second),
			RunTimeout:  Duration(30 * time.Minute),
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// DatabasePath returns the effective SQLite path from config or XDG default.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(DataDir(), "markethist.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
