// Package config loads configuration from environment variables and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix = "CHEAPTRAINER"

	DefaultMirrorRoot = "input"
	DefaultBackend    = "drive"
	DefaultChunkSize  = 1 << 20
	DefaultS3Region   = "us-east-1"
)

// Config holds all cheaptrainer configuration.
type Config struct {
	// Local mirror root; one subdirectory per remote folder.
	MirrorRoot string `json:"mirror_root" mapstructure:"mirror_root"`

	// Remote backend: "drive", "gcs" or "s3".
	Backend string `json:"backend" mapstructure:"backend"`

	// Service-account credentials (drive, gcs). Inline JSON wins over the file.
	CredentialsFile string `json:"credentials_file,omitempty" mapstructure:"credentials_file"`
	CredentialsJSON string `json:"-"                          mapstructure:"credentials_json"`

	S3  S3Config  `json:"s3"  mapstructure:"s3"`
	GCS GCSConfig `json:"gcs" mapstructure:"gcs"`

	// Download chunk size in bytes.
	ChunkSize int64 `json:"chunk_size" mapstructure:"chunk_size"`
	// Attempts per remote call for transient failures (1 = no retry).
	RetryAttempts int `json:"retry_attempts" mapstructure:"retry_attempts"`

	// Logging
	LogLevel  string `json:"log_level"  mapstructure:"log_level"`
	LogFormat string `json:"log_format" mapstructure:"log_format"`

	// Prometheus listener; empty disables it.
	MetricsAddr string `json:"metrics_addr,omitempty" mapstructure:"metrics_addr"`
}

// S3Config holds S3/MinIO connection settings.
type S3Config struct {
	Endpoint  string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Bucket    string `json:"bucket"             mapstructure:"bucket"`
	AccessKey string `json:"-"                  mapstructure:"access_key"`
	SecretKey string `json:"-"                  mapstructure:"secret_key"`
	Region    string `json:"region"             mapstructure:"region"`
	UseSSL    bool   `json:"use_ssl"            mapstructure:"use_ssl"`
}

// GCSConfig holds Google Cloud Storage settings.
type GCSConfig struct {
	Bucket  string `json:"bucket"            mapstructure:"bucket"`
	Project string `json:"project,omitempty" mapstructure:"project"`
}

var defaults = map[string]any{
	"mirror_root":      DefaultMirrorRoot,
	"backend":          DefaultBackend,
	"credentials_file": "",
	"credentials_json": "",
	"s3.endpoint":      "",
	"s3.bucket":        "",
	"s3.access_key":    "",
	"s3.secret_key":    "",
	"s3.region":        DefaultS3Region,
	"s3.use_ssl":       true,
	"gcs.bucket":       "",
	"gcs.project":      "",
	"chunk_size":       DefaultChunkSize,
	"retry_attempts":   3,
	"log_level":        "info",
	"log_format":       "console",
	"metrics_addr":     "",
}

// Load reads configuration from the environment (CHEAPTRAINER_*) and, when
// path is not empty, from a config file. Environment values win.
func Load(path string) (*Config, error) {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)

	v.SetEnvPrefix(DefaultEnvPrefix)
	v.AllowEmptyEnv(false)
	v.AutomaticEnv()

	for key, value := range defaults {
		_ = v.BindEnv(key)
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	decodeHooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks)); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings the selected backend needs.
func (c *Config) Validate() error {
	var errs []error
	if c.MirrorRoot == "" {
		errs = append(errs, errors.New("mirror_root is required"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}

	switch c.Backend {
	case "drive":
		if c.CredentialsJSON == "" && c.CredentialsFile == "" {
			errs = append(errs, errors.New("drive backend requires credentials_json or credentials_file"))
		}
	case "gcs":
		if c.GCS.Bucket == "" {
			errs = append(errs, errors.New("gcs backend requires gcs.bucket"))
		}
	case "s3":
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 backend requires s3.bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want drive, gcs or s3)", c.Backend))
	}

	return errors.Join(errs...)
}

// Credentials returns the service-account JSON, or nil when none is set.
func (c *Config) Credentials() ([]byte, error) {
	if c.CredentialsJSON != "" {
		return []byte(c.CredentialsJSON), nil
	}
	if c.CredentialsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return data, nil
}
