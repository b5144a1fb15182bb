// Package config manages revindex configuration and the .revindex directory.
// It handles loading, saving, validating and initializing the configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	RepoDir    = ".revindex"
	ConfigFile = "config"
)

// Supported index backends.
const (
	BackendBolt   = "bbolt"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config represents the revindex configuration
type Config struct {
	Index     IndexConfig     `toml:"index"`
	Branching BranchingConfig `toml:"branching"`
	Compare   CompareConfig   `toml:"compare"`
	Purge     PurgeConfig     `toml:"purge"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Notify    NotifyConfig    `toml:"notify"`
	Types     []TypeConfig    `toml:"types"`
	path      string          // path to .revindex directory
}

// IndexConfig selects and tunes the document index backend.
type IndexConfig struct {
	Backend   string `toml:"backend"`
	Path      string `toml:"path"` // relative paths resolve against the .revindex directory
	Compress  bool   `toml:"compress"`
	BatchSize int    `toml:"batch_size"`
}

// BranchingConfig tunes the per-path branch locks.
type BranchingConfig struct {
	LockIdleTimeout string `toml:"lock_idle_timeout"`
	LockWaitTimeout string `toml:"lock_wait_timeout"`
	LockCacheSize   int    `toml:"lock_cache_size"`
}

// CompareConfig holds compare defaults.
type CompareConfig struct {
	DefaultLimit int `toml:"default_limit"`
}

// PurgeConfig holds purge defaults.
type PurgeConfig struct {
	BatchSize int `toml:"batch_size"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// MetricsConfig names the file the prometheus metrics of a run are written
// to, in the text format read by the node exporter textfile collector.
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// NotifyConfig lists the webhooks told about branch events.
type NotifyConfig struct {
	WebhookURLs []string `toml:"webhook_urls"`
	Timeout     string   `toml:"timeout"`
}

// Kinds of document types.
const (
	KindRevision = "revision"
	KindPlain    = "plain"
	KindNested   = "nested"
)

// TypeConfig declares one document type of the index.
type TypeConfig struct {
	Name           string   `toml:"name"`
	Kind           string   `toml:"kind"`
	Parent         string   `toml:"parent,omitempty"`
	Field          string   `toml:"field,omitempty"`
	ContainerType  string   `toml:"container_type,omitempty"`
	ContainerField string   `toml:"container_field,omitempty"`
	Tracked        []string `toml:"tracked,omitempty"`
}

// Default returns a configuration with every field set.
func Default() *Config {
	return &Config{
		Index: IndexConfig{
			Backend:   BackendBolt,
			Path:      "index.db",
			BatchSize: 1000,
		},
		Branching: BranchingConfig{
			LockIdleTimeout: "5m",
			LockWaitTimeout: "1m",
			LockCacheSize:   10000,
		},
		Compare: CompareConfig{DefaultLimit: 10000},
		Purge:   PurgeConfig{BatchSize: 1000},
		Log:     LogConfig{Level: "info"},
		Notify:  NotifyConfig{Timeout: "10s"},
	}
}

// FindRoot finds the .revindex directory by walking up from current directory
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return FindRootFrom(dir)
}

// FindRootFrom finds the .revindex directory by walking up from dir.
func FindRootFrom(dir string) (string, error) {
	for {
		repoPath := filepath.Join(dir, RepoDir)
		if info, err := os.Stat(repoPath); err == nil && info.IsDir() {
			return repoPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a revindex repository (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the configuration from the .revindex directory
func Load() (*Config, error) {
	repoPath, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadDir(repoPath)
}

// LoadDir loads the configuration stored in the given .revindex directory.
// Missing fields keep their defaults.
func LoadDir(repoPath string) (*Config, error) {
	configPath := filepath.Join(repoPath, ConfigFile)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.path = repoPath
	return cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	configPath := filepath.Join(c.path, ConfigFile)
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// Validate checks enum fields and durations.
func (c *Config) Validate() error {
	switch c.Index.Backend {
	case BackendBolt, BackendBadger, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
	if _, err := c.LockIdleTimeout(); err != nil {
		return err
	}
	if _, err := c.LockWaitTimeout(); err != nil {
		return err
	}
	if c.Compare.DefaultLimit <= 0 {
		return fmt.Errorf("compare.default_limit must be positive")
	}
	if _, err := c.NotifyTimeout(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Types))
	for _, t := range c.Types {
		if t.Name == "" {
			return fmt.Errorf("document type without a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("document type %q declared twice", t.Name)
		}
		seen[t.Name] = true
		switch t.Kind {
		case "", KindRevision, KindPlain:
		case KindNested:
			if t.Parent == "" || t.Field == "" {
				return fmt.Errorf("nested type %q needs parent and field", t.Name)
			}
		default:
			return fmt.Errorf("document type %q: unknown kind %q", t.Name, t.Kind)
		}
	}
	return nil
}

// RepoPath returns the path to the .revindex directory
func (c *Config) RepoPath() string {
	return c.path
}

// IndexPath returns the resolved location of the index data.
func (c *Config) IndexPath() string {
	if filepath.IsAbs(c.Index.Path) || c.path == "" {
		return c.Index.Path
	}
	return filepath.Join(c.path, c.Index.Path)
}

// LockIdleTimeout is how long an unused branch lock is kept.
func (c *Config) LockIdleTimeout() (time.Duration, error) {
	return parseDuration("branching.lock_idle_timeout", c.Branching.LockIdleTimeout)
}

// LockWaitTimeout bounds the wait for a branch lock.
func (c *Config) LockWaitTimeout() (time.Duration, error) {
	return parseDuration("branching.lock_wait_timeout", c.Branching.LockWaitTimeout)
}

// NotifyTimeout bounds a single webhook delivery.
func (c *Config) NotifyTimeout() (time.Duration, error) {
	return parseDuration("notify.timeout", c.Notify.Timeout)
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	return d, nil
}

// Initialize creates a new .revindex directory under dir with the default
// configuration and the given backend.
func Initialize(dir, backend string) (*Config, error) {
	repoPath := filepath.Join(dir, RepoDir)

	// Check if already initialized
	if _, err := os.Stat(repoPath); err == nil {
		return nil, fmt.Errorf("revindex repository already exists")
	}

	if err := os.MkdirAll(repoPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", RepoDir, err)
	}

	cfg := Default()
	if backend != "" {
		cfg.Index.Backend = backend
	}
	cfg.path = repoPath
	if err := cfg.Validate(); err != nil {
		os.RemoveAll(repoPath)
		return nil, err
	}

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(repoPath)
		return nil, err
	}

	return cfg, nil
}
