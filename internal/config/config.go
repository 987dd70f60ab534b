// Package config holds the YAML configuration for carbon-vault.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "5m" or "90s" (plain integers are taken as nanoseconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RepositoryConfig selects and configures the object store backend.
type RepositoryConfig struct {
	// Backend is "filesystem" or "s3".
	Backend string `yaml:"backend"`
	// Path is the repository directory for the filesystem backend.
	Path string `yaml:"path"`
	// S3 configures the S3 backend; ignored for filesystem.
	S3 BackendConfig `yaml:"s3"`
}

// BackendConfig holds S3-compatible backend settings.
type BackendConfig struct {
	Provider  string `yaml:"provider"` // "aws", "minio", "garage", ...
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// CryptoConfig configures key derivation.
type CryptoConfig struct {
	// PassphraseFile points at a file whose trimmed contents are the
	// repository passphrase. Empty means the CARBON_VAULT_PASSPHRASE
	// environment variable is consulted instead.
	PassphraseFile string `yaml:"passphrase_file"`
	// KeyFile is where the key envelope parameters (salt, KDF settings)
	// are persisted. Defaults to <cache_dir>/key.
	KeyFile string `yaml:"key_file"`
}

// ArchiveConfig tunes the ingest pipeline.
type ArchiveConfig struct {
	// CheckpointInterval bounds work lost on a crash during long ingests.
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	// NumericOwner stores and restores numeric uid/gid only.
	NumericOwner bool `yaml:"numeric_owner"`
}

// CacheConfig locates the local chunk cache.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig configures the operation audit trail.
type AuditConfig struct {
	Enabled   bool       `yaml:"enabled"`
	MaxEvents int        `yaml:"max_events"`
	Sink      SinkConfig `yaml:"sink"`
}

// SinkConfig selects where audit events are written.
type SinkConfig struct {
	// Type is "stdout", "file" or "" (stdout).
	Type          string   `yaml:"type"`
	FilePath      string   `yaml:"file_path"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig configures the optional prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Repository: RepositoryConfig{
			Backend: "filesystem",
		},
		Archive: ArchiveConfig{
			CheckpointInterval: Duration(5 * time.Minute),
		},
		Audit: AuditConfig{
			MaxEvents: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Repository.Backend {
	case "filesystem", "":
		// Path may still come from the command line.
	case "s3":
		if c.Repository.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires a bucket")
		}
		if c.Repository.S3.Region == "" && c.Repository.S3.Endpoint == "" {
			return fmt.Errorf("s3 backend requires a region or an endpoint")
		}
	default:
		return fmt.Errorf("unknown repository backend %q", c.Repository.Backend)
	}

	if c.Archive.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint_interval must not be negative")
	}

	switch c.Audit.Sink.Type {
	case "", "stdout", "file":
	default:
		return fmt.Errorf("unknown audit sink type %q", c.Audit.Sink.Type)
	}

	return nil
}

// Passphrase resolves the repository passphrase from the configured
// file or from the environment.
func (c *Config) Passphrase() (string, error) {
	if c.Crypto.PassphraseFile != "" {
		data, err := os.ReadFile(c.Crypto.PassphraseFile)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		return trimNewline(string(data)), nil
	}
	if pw, ok := os.LookupEnv("CARBON_VAULT_PASSPHRASE"); ok {
		return pw, nil
	}
	return "", fmt.Errorf("no passphrase configured")
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
