package config

import (
	"fmt"
	"os"
	"path/filepath"

	"casparianflow/internal/logging"

	"gopkg.in/yaml.v3"
)

// Config holds all casparianflow configuration.
type Config struct {
	// Name and Version identify the running build. They are loaded and
	// saved with the rest of the config; no other package reads them.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Queue         QueueConfig         `yaml:"queue"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Validator     ValidatorConfig     `yaml:"validator"`
	ArtifactStore ArtifactStoreConfig `yaml:"artifact_store"`
	Sink          SinkConfig          `yaml:"sink"`
	Sentinel      SentinelConfig      `yaml:"sentinel"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "casparianflow",
		Version: "0.1.0",

		Queue:         DefaultQueueConfig(),
		Bridge:        DefaultBridgeConfig(),
		Validator:     DefaultValidatorConfig(),
		ArtifactStore: DefaultArtifactStoreConfig(),
		Sink:          DefaultSinkConfig(),
		Sentinel:      DefaultSentinelConfig(),

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			File:      "casparian.log",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("Loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("Failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("Config loaded: queue.database_path=%s artifact_store.home_dir=%s", cfg.Queue.DatabasePath, cfg.ArtifactStore.HomeDir)

	return cfg, nil
}

// Save writes the configuration to a YAML file, creating parent directories
// as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever was loaded from the config file.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("CASPARIAN_DB"); path != "" {
		c.Queue.DatabasePath = path
	}
	if dir := os.Getenv("CASPARIAN_HOME"); dir != "" {
		c.ArtifactStore.HomeDir = dir
	}
	if v := os.Getenv("CASPARIAN_OFFLINE"); v == "1" || v == "true" {
		c.ArtifactStore.Offline = true
	}
	if v := os.Getenv("CASPARIAN_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
	if socket := os.Getenv("CASPARIAN_CONTROL_SOCKET"); socket != "" {
		c.Sentinel.ControlSocket = socket
	}
}

// DefaultHomeDir resolves the artifact store home directory, honoring an
// explicit config value before falling back to $HOME/.casparian.
func (c *Config) DefaultHomeDir() (string, error) {
	if c.ArtifactStore.HomeDir != "" {
		return c.ArtifactStore.HomeDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user home directory: %w", err)
	}
	return filepath.Join(home, ".casparian"), nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Sentinel.MaxConcurrentJobs < 1 {
		return fmt.Errorf("sentinel.max_concurrent_jobs must be >= 1")
	}
	if c.Queue.MaxRetryCount < 0 {
		return fmt.Errorf("queue.max_retry_count must be >= 0")
	}
	if c.Validator.QuarantineThreshold < 0 || c.Validator.QuarantineThreshold > 1 {
		return fmt.Errorf("validator.quarantine_threshold must be between 0 and 1")
	}
	return nil
}
