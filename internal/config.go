package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// S3I transports.
const (
	TransportREST = "rest"
	TransportAMQP = "amqp"
)

// Secret providers.
const (
	SecretsEnv  = "env"
	SecretsFile = "file"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Blob    BlobConfig        `yaml:"blob"`
	Files   FilesConfig       `yaml:"files"`
	S3I     S3IConfig         `yaml:"s3i"`
	Ingest  IngestConfig      `yaml:"ingest"`
	Secrets SecretsConfig     `yaml:"secrets"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.SQLite, &c.Blob, &c.Files, &c.S3I, &c.Ingest, &c.Secrets} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the ops listener configuration (health, metrics, events).
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// BlobConfig holds the root of the blob area.
type BlobConfig struct {
	Root string `yaml:"root"`
}

func (c *BlobConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// FilesConfig configures the synced files directory. An empty SyncDir
// disables syncing.
type FilesConfig struct {
	SyncDir string `yaml:"sync_dir"`
	Watch   bool   `yaml:"watch"`
}

func (c *FilesConfig) Validate() error {
	if c.Watch && c.SyncDir == "" {
		return errors.New("files: watch is enabled but sync_dir is empty")
	}
	return nil
}

// S3IConfig holds the broker connection settings. Credentials are not part
// of the configuration; they come from the secret provider.
type S3IConfig struct {
	Transport    string        `yaml:"transport"`
	BrokerURL    string        `yaml:"broker_url"`
	IdPURL       string        `yaml:"idp_url"`
	AMQPURL      string        `yaml:"amqp_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReceiveAll   bool          `yaml:"receive_all"`
	Prefetch     int           `yaml:"prefetch"`
	// DeadLetter is the broker endpoint rejected messages are forwarded to.
	DeadLetter string `yaml:"dead_letter"`
}

// Validate validates the S3I configuration.
func (c *S3IConfig) Validate() error {
	if c.Transport == "" {
		c.Transport = TransportREST
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Transport, validation.In(TransportREST, TransportAMQP)),
		validation.Field(&c.AMQPURL, validation.When(c.Transport == TransportAMQP, validation.Required)),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.Prefetch, validation.Min(0)),
	)
}

// IngestConfig tunes the ingestion consumers.
type IngestConfig struct {
	Consumers      int           `yaml:"consumers"`
	DedupCacheSize int           `yaml:"dedup_cache_size"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

func (c *IngestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Consumers, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.DedupCacheSize, validation.Min(0)),
		validation.Field(&c.MaxBackoff, validation.Required, validation.Min(time.Second)),
	)
}

// SecretsConfig selects where the S3I credentials are read from.
//
// Provider controls the source:
//   - "env" (default): variables named Prefix + upper-cased key, optionally from EnvFiles.
//   - "file": one file per key in Dir.
type SecretsConfig struct {
	Provider string   `yaml:"provider"`
	Prefix   string   `yaml:"prefix"`
	Dir      string   `yaml:"dir"`
	EnvFiles []string `yaml:"env_files"`
}

// Validate validates the secrets configuration.
func (c *SecretsConfig) Validate() error {
	if c.Provider == "" {
		c.Provider = SecretsEnv
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.In(SecretsEnv, SecretsFile)),
		validation.Field(&c.Dir, validation.When(c.Provider == SecretsFile, validation.Required)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./rhizocam.db",
		},
		Blob: BlobConfig{
			Root: "./blobs",
		},
		S3I: S3IConfig{
			Transport:    TransportREST,
			PollInterval: 5 * time.Second,
			Prefetch:     4,
		},
		Ingest: IngestConfig{
			Consumers:      2,
			DedupCacheSize: 4096,
			MaxBackoff:     time.Minute,
		},
		Secrets: SecretsConfig{
			Provider: SecretsEnv,
			Prefix:   "RHIZOCAM_",
		},
	}
}
