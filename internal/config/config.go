package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Cache   CacheConfig   `koanf:"cache" yaml:"cache"`
	Worker  WorkerConfig  `koanf:"worker" yaml:"worker"`
	Network NetworkConfig `koanf:"network" yaml:"network"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port  int         `koanf:"port" yaml:"port"`
	HTTPS HTTPSConfig `koanf:"https" yaml:"https"`
}

// HTTPSConfig controls TLS interception of CONNECT tunnels
type HTTPSConfig struct {
	Enabled         bool   `koanf:"enabled" yaml:"enabled"`
	CACertFile      string `koanf:"ca_cert_file" yaml:"ca_cert_file"`
	CAKeyFile       string `koanf:"ca_key_file" yaml:"ca_key_file"`
	TransparentPort int    `koanf:"transparent_port" yaml:"transparent_port"`
}

// CacheConfig selects where generations are stored and which one is current
type CacheConfig struct {
	// Version is the name of the current cache generation
	Version string `koanf:"version" yaml:"version"`
	// Backend is "disk" or "sqlite"
	Backend string `koanf:"backend" yaml:"backend"`
	// Path is a folder for the disk backend, a database file for sqlite
	Path string `koanf:"path" yaml:"path"`
}

// WorkerConfig describes the page the proxy caches for
type WorkerConfig struct {
	// Scope is the origin (and base URL) of the page
	Scope string `koanf:"scope" yaml:"scope"`
	// Required resources, relative to Scope. Install fails if any of them fails.
	Required []string `koanf:"required" yaml:"required"`
	// Optional resources, absolute URLs. Failures are logged and ignored.
	Optional    []string `koanf:"optional" yaml:"optional"`
	OfflineText string   `koanf:"offline_text" yaml:"offline_text"`
}

// NetworkConfig tunes the upstream HTTP client
type NetworkConfig struct {
	Timeout  string `koanf:"timeout" yaml:"timeout"`
	RetryMax int    `koanf:"retry_max" yaml:"retry_max"`
}

type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:  8080,
			HTTPS: HTTPSConfig{Enabled: true},
		},
		Cache: CacheConfig{
			Version: "product-query-v1",
			Backend: "sqlite",
			Path:    "./pagecache.db",
		},
		Worker: WorkerConfig{
			Scope: "http://localhost:8000/",
			Required: []string{
				"./index.html",
				"./manifest.json",
				"./icon-192.png",
				"./icon-512.png",
			},
			Optional: []string{
				"https://cdn.jsdelivr.net/npm/ag-grid-community@31.0.3/styles/ag-grid.min.css",
				"https://cdn.jsdelivr.net/npm/ag-grid-community@31.0.3/styles/ag-theme-alpine.min.css",
				"https://cdn.jsdelivr.net/npm/ag-grid-community@31.0.3/dist/ag-grid-community.min.js",
				"https://cdn.jsdelivr.net/npm/xlsx@0.18.5/dist/xlsx.full.min.js",
				"https://cdn.jsdelivr.net/npm/pinyin-pro@3.18.2/dist/index.js",
			},
			OfflineText: "离线状态，请检查网络连接",
		},
		Network: NetworkConfig{
			Timeout:  "30s",
			RetryMax: 1,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from a YAML file on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &config, nil
}

// GetTimeout parses and returns the upstream request timeout
func (c *Config) GetTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Network.Timeout)
}

// GetScope parses the worker scope URL
func (c *Config) GetScope() (*url.URL, error) {
	u, err := url.Parse(c.Worker.Scope)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scope must be an http(s) URL, got: %s", c.Worker.Scope)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("scope has no host: %s", c.Worker.Scope)
	}
	return u, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.HTTPS.TransparentPort < 0 || c.Server.HTTPS.TransparentPort > 65535 {
		return fmt.Errorf("invalid transparent HTTPS port: %d", c.Server.HTTPS.TransparentPort)
	}

	if (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("ca_cert_file and ca_key_file must be set together")
	}

	if c.Cache.Version == "" {
		return fmt.Errorf("cache version is required")
	}

	if c.Cache.Backend != "disk" && c.Cache.Backend != "sqlite" {
		return fmt.Errorf("cache backend must be 'disk' or 'sqlite', got: %s", c.Cache.Backend)
	}

	if c.Cache.Path == "" {
		return fmt.Errorf("cache path is required")
	}

	if _, err := c.GetScope(); err != nil {
		return fmt.Errorf("invalid worker scope: %w", err)
	}

	for _, raw := range c.Worker.Optional {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("optional resource must be an absolute URL: %s", raw)
		}
	}

	if c.Network.Timeout == "" {
		return fmt.Errorf("network timeout is required")
	}

	if _, err := c.GetTimeout(); err != nil {
		return fmt.Errorf("invalid network timeout format: %w", err)
	}

	if c.Network.RetryMax < 0 {
		return fmt.Errorf("retry_max must not be negative, got: %d", c.Network.RetryMax)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

// YAML renders the configuration in the same layout Load reads
func (c *Config) YAML() ([]byte, error) {
	return yamlv3.Marshal(c)
}
