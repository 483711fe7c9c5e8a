// Package config loads the orchestrator's TOML configuration and applies
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"orchestra/internal/agent"
)

// FileName is the config file looked up in the data directory when no path
// is given.
const FileName = "orchestra.toml"

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port        int    `toml:"port"`
	StaticDir   string `toml:"static_dir"`
	MaxSessions int    `toml:"max_sessions"`
}

// Config holds server configuration, loaded from a TOML file and then the
// environment.
type Config struct {
	Server  ServerConfig       `toml:"server"`
	DataDir string             `toml:"data_dir"`
	Shell   string             `toml:"shell"`
	Agents  []agent.Definition `toml:"agents"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        8420,
			StaticDir:   "./frontend/dist",
			MaxSessions: 10,
		},
		DataDir: defaultDataDir(),
		Shell:   defaultShell(),
	}
}

func defaultDataDir() string {
	if v := os.Getenv("ORCHESTRA_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestra"
	}
	return filepath.Join(home, ".orchestra")
}

func defaultShell() string {
	if v := os.Getenv("SHELL"); v != "" {
		return v
	}
	return "/bin/sh"
}

// DefaultPath returns the config file path used when --config is not set.
func DefaultPath() string {
	return filepath.Join(expandHome(defaultDataDir()), FileName)
}

// Load reads path over the defaults. A missing file is not an error.
// Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Server.StaticDir = expandHome(cfg.Server.StaticDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadAgents reads only the agent definitions of path.
func LoadAgents(path string) ([]agent.Definition, error) {
	var cfg struct {
		Agents []agent.Definition `toml:"agents"`
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.Agents, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.MaxSessions = n
		}
	}
	if v := os.Getenv("ORCHESTRA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ORCHESTRA_SHELL"); v != "" {
		c.Shell = v
	}
}

// Validate checks ranges and the agent definitions.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.Server.MaxSessions)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is empty")
	}
	if c.Shell == "" {
		return fmt.Errorf("shell is empty")
	}
	for i := range c.Agents {
		d := c.Agents[i]
		if d.Delivery == "" {
			d.Delivery = agent.DeliveryBatch
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ReloadAgents replaces catalog's configured agents with those in path. On
// any error the catalog is left as it was.
func ReloadAgents(catalog *agent.Catalog, path string) (int, error) {
	defs, err := LoadAgents(path)
	if err != nil {
		return 0, err
	}
	if err := catalog.Replace(defs); err != nil {
		return 0, fmt.Errorf("reload agents: %w", err)
	}
	return len(defs), nil
}
