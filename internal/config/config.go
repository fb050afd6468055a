package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/diffsyncd/internal/delivery"
)

const (
	DefaultStoreDir      = "/tmp/diffedit"
	DefaultTabWidth      = 4
	DefaultRate          = "50"
	DefaultProgressEvery = 100
	DefaultLineEnding    = "\r\n"
)

// Config represents the complete diffsyncd configuration
type Config struct {
	StoreDir       string                   `yaml:"store_dir"`
	TabWidth       *int                     `yaml:"tab_width"`
	Rate           string                   `yaml:"rate"`
	ProgressEvery  *int                     `yaml:"progress_every"`
	DefaultSession string                   `yaml:"default_session"`
	Sessions       map[string]SessionConfig `yaml:"sessions"`
	Serve          ServeConfig              `yaml:"serve"`
}

// SessionConfig describes how to reach one remote session. Exactly one of
// Address or Command is set.
type SessionConfig struct {
	// Address is a host:port to open a line-oriented TCP connection to.
	Address string `yaml:"address"`
	// Command is run once; lines are written to its stdin.
	Command []string `yaml:"command"`
	// Login lines are sent once right after connecting.
	Login []string `yaml:"login"`
	// LineEnding terminates every sent line. Defaults to CRLF.
	LineEnding string `yaml:"line_ending"`
}

// ServeConfig configures the control daemon
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// Load reads and parses the configuration file. Files ending in .json or
// .jsonc may carry comments and trailing commas.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	// YAML is a superset of JSON, so one decoder serves both
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// expandEnv expands environment variables in path and secret fields.
// Login lines are expanded too so passwords can live in the environment.
func (c *Config) expandEnv() {
	c.StoreDir = os.ExpandEnv(c.StoreDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	for name, s := range c.Sessions {
		s.Address = os.ExpandEnv(s.Address)
		for i := range s.Command {
			s.Command[i] = os.ExpandEnv(s.Command[i])
		}
		for i := range s.Login {
			s.Login[i] = os.ExpandEnv(s.Login[i])
		}
		c.Sessions[name] = s
	}
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.StoreDir == "" {
		c.StoreDir = DefaultStoreDir
	}
	if c.TabWidth == nil {
		w := DefaultTabWidth
		c.TabWidth = &w
	}
	if c.Rate == "" {
		c.Rate = DefaultRate
	}
	if c.ProgressEvery == nil {
		n := DefaultProgressEvery
		c.ProgressEvery = &n
	}
	for name, s := range c.Sessions {
		if s.LineEnding == "" {
			s.LineEnding = DefaultLineEnding
		}
		c.Sessions[name] = s
	}
	if c.DefaultSession == "" && len(c.Sessions) == 1 {
		for name := range c.Sessions {
			c.DefaultSession = name
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.TabWidth != nil && *c.TabWidth < 0 {
		return fmt.Errorf("tab_width must not be negative: %d", *c.TabWidth)
	}
	if _, err := delivery.ParseRate(c.Rate); err != nil {
		return fmt.Errorf("rate: %w", err)
	}
	if c.ProgressEvery != nil && *c.ProgressEvery < 0 {
		return fmt.Errorf("progress_every must not be negative: %d", *c.ProgressEvery)
	}

	for _, name := range c.SessionNames() {
		s := c.Sessions[name]
		if s.Address == "" && len(s.Command) == 0 {
			return fmt.Errorf("sessions.%s: one of address or command is required", name)
		}
		if s.Address != "" && len(s.Command) > 0 {
			return fmt.Errorf("sessions.%s: only one of address or command may be set", name)
		}
	}
	if c.DefaultSession != "" && len(c.Sessions) > 0 {
		if _, ok := c.Sessions[c.DefaultSession]; !ok {
			return fmt.Errorf("default_session %q is not a configured session", c.DefaultSession)
		}
	}

	if c.Serve.ListenAddr != "" && c.Serve.SecretFile == "" {
		return fmt.Errorf("serve.secret_file is required when serve.listen_addr is set")
	}

	return nil
}

// DefaultRateValue returns the parsed default rate.
func (c *Config) DefaultRateValue() delivery.Rate {
	r, err := delivery.ParseRate(c.Rate)
	if err != nil {
		return 0
	}
	return r
}

// TabWidthValue returns the effective tab width.
func (c *Config) TabWidthValue() int {
	if c.TabWidth == nil {
		return DefaultTabWidth
	}
	return *c.TabWidth
}

// ProgressEveryValue returns the progress interval used by a bare
// --progress. 0 disables progress reports.
func (c *Config) ProgressEveryValue() int {
	if c.ProgressEvery == nil {
		return DefaultProgressEvery
	}
	return *c.ProgressEvery
}

// SessionNames returns the configured session names in sorted order.
func (c *Config) SessionNames() []string {
	names := make([]string, 0, len(c.Sessions))
	for name := range c.Sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
