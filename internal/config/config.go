package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the main application configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	MUC     MUCConfig     `toml:"muc"`
	Upload  UploadConfig  `toml:"upload"`
	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`
}

// ServerConfig describes how to reach and identify against the XMPP server
type ServerConfig struct {
	// Host is the dial target. Defaults to Domain.
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// Domain is the XMPP domain appended to bare usernames.
	Domain string `toml:"domain"`

	// Resource is the resource part of the bound JID.
	Resource string `toml:"resource"`

	// Priority is broadcast with every presence.
	Priority int `toml:"priority"`
}

// MUCConfig contains multi-user chat settings
type MUCConfig struct {
	// ConferenceDomain hosts the chat rooms. Defaults to
	// "conference." + server domain.
	ConferenceDomain string `toml:"conference_domain"`

	// SettleDelayMS is the wait between the room-creating join presence
	// and the configuration form. The configuring IQ must not reach the
	// server before it has processed the join.
	SettleDelayMS int `toml:"settle_delay_ms"`
}

// UploadConfig contains HTTP file upload settings
type UploadConfig struct {
	// Service is the upload-slot service JID. Defaults to
	// "httpfileupload." + server domain.
	Service string `toml:"service"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// DataDir holds the session database. Defaults to the XDG data dir.
	DataDir string `toml:"data_dir"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     5222,
			Domain:   "alumchat.lol",
			Resource: "PROJECT_1",
			Priority: 50,
		},
		MUC: MUCConfig{
			SettleDelayMS: 1000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: false,
		},
	}
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "chat")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "chat")

	return &Paths{ConfigDir: configDir, DataDir: dataDir}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file, then applies
// environment overrides (a .env file in the working directory is honored).
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Missing .env is fine; the environment still applies.
	_ = godotenv.Load()
	applyEnv(cfg)

	cfg.applyDefaults(paths)
	return cfg, nil
}

// applyDefaults fills the fields derived from others.
func (c *Config) applyDefaults(paths *Paths) {
	if c.Server.Host == "" {
		c.Server.Host = c.Server.Domain
	}
	if c.MUC.ConferenceDomain == "" {
		c.MUC.ConferenceDomain = "conference." + c.Server.Domain
	}
	if c.Upload.Service == "" {
		c.Upload.Service = "httpfileupload." + c.Server.Domain
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = paths.DataDir
	} else {
		c.Storage.DataDir = expandPath(c.Storage.DataDir)
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.Storage.DataDir, "chat.log")
	} else {
		c.Logging.File = expandPath(c.Logging.File)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHAT_DOMAIN"); v != "" {
		cfg.Server.Domain = v
	}
	if v := os.Getenv("CHAT_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CHAT_RESOURCE"); v != "" {
		cfg.Server.Resource = v
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHAT_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
