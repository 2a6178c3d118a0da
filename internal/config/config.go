package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Upload providers
const (
	ProviderLocal  = "local"
	ProviderS3     = "s3"
	ProviderGCS    = "gcs"
	ProviderGDrive = "gdrive"
)

// Ledger drivers
const (
	LedgerSQLite = "sqlite"
	LedgerRedis  = "redis"
)

// DefaultFamily is the key in Families whose settings apply to every family
// without its own entry.
const DefaultFamily = "default"

// Config represents the application configuration
type Config struct {
	Server struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		BodyLimitMB int    `yaml:"body_limit_mb"`
	} `yaml:"server"`

	Auth struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"auth"`

	Storage struct {
		Root      string `yaml:"root"`
		OutputDir string `yaml:"output_dir"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"storage"`

	Ledger struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"ledger"`

	Cleanup struct {
		FileInterval   time.Duration `yaml:"file_interval"`
		FileTTL        time.Duration `yaml:"file_ttl"`
		LedgerInterval time.Duration `yaml:"ledger_interval"`
		LedgerTTL      time.Duration `yaml:"ledger_ttl"`
	} `yaml:"cleanup"`

	Queue struct {
		MaxQueueLength int `yaml:"max_queue_length"`
	} `yaml:"queue"`

	Families map[string]Family `yaml:"families"`

	Webhook struct {
		Timeout        time.Duration `yaml:"timeout"`
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
	} `yaml:"webhook"`

	Upload Upload `yaml:"upload"`

	Tools struct {
		FFmpeg       string `yaml:"ffmpeg"`
		FFprobe      string `yaml:"ffprobe"`
		Python       string `yaml:"python"`
		WhisperModel string `yaml:"whisper_model"`
		ChromePath   string `yaml:"chrome_path"`
	} `yaml:"tools"`

	Logging struct {
		Level       string `yaml:"level"`
		Format      string `yaml:"format"`
		BufferLines int    `yaml:"buffer_lines"`
	} `yaml:"logging"`
}

// Family holds per-family pool settings. Zero values inherit from the
// "default" entry.
type Family struct {
	Workers    int           `yaml:"workers"`
	MaxRetries *int          `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Upload selects and configures the delivery adapter
type Upload struct {
	Provider string `yaml:"provider"`

	Breaker struct {
		Enabled     bool          `yaml:"enabled"`
		MaxFailures uint32        `yaml:"max_failures"`
		OpenTimeout time.Duration `yaml:"open_timeout"`
	} `yaml:"breaker"`

	S3 struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		UseSSL    bool   `yaml:"use_ssl"`
		// PresignTTL > 0 returns presigned GET URLs instead of public ones
		PresignTTL time.Duration `yaml:"presign_ttl"`
	} `yaml:"s3"`

	GCS struct {
		Bucket          string `yaml:"bucket"`
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"gcs"`

	GDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"gdrive"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.BodyLimitMB = 50

	cfg.Storage.Root = "/tmp/media-toolkit"
	cfg.Storage.OutputDir = "outputs"
	cfg.Storage.PublicURL = "http://localhost:8080"

	cfg.Ledger.Driver = LedgerSQLite
	cfg.Ledger.Path = "data/jobs.db"
	cfg.Ledger.Redis.Addr = "localhost:6379"
	cfg.Ledger.Redis.Prefix = "media-toolkit"

	cfg.Cleanup.FileInterval = time.Hour
	cfg.Cleanup.FileTTL = time.Hour
	cfg.Cleanup.LedgerInterval = 24 * time.Hour
	cfg.Cleanup.LedgerTTL = 24 * time.Hour

	cfg.Queue.MaxQueueLength = 0

	one := 1
	cfg.Families = map[string]Family{
		DefaultFamily: {Workers: 2, MaxRetries: &one},
	}

	cfg.Webhook.Timeout = 30 * time.Second
	cfg.Webhook.MaxAttempts = 1
	cfg.Webhook.InitialBackoff = time.Second
	cfg.Webhook.MaxBackoff = 30 * time.Second

	cfg.Upload.Breaker.MaxFailures = 5
	cfg.Upload.Breaker.OpenTimeout = 30 * time.Second

	cfg.Tools.FFmpeg = "ffmpeg"
	cfg.Tools.FFprobe = "ffprobe"
	cfg.Tools.Python = "python"
	cfg.Tools.WhisperModel = "small"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.BufferLines = 1000
	return &cfg
}

// Load reads the YAML file at path (optional: a missing file keeps the
// defaults), loads a .env file when present, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(file, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// .env is optional, exactly like running with plain environment variables
	_ = godotenv.Load()

	cfg.applyEnv(os.Getenv)
	cfg.detectProvider()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&c.Auth.APIKey, "API_KEY")
	setString(&c.Storage.Root, "LOCAL_STORAGE_PATH")
	setString(&c.Storage.PublicURL, "PUBLIC_URL")
	setInt(&c.Server.Port, "PORT")
	setInt(&c.Queue.MaxQueueLength, "MAX_QUEUE_LENGTH")
	setString(&c.Logging.Level, "LOG_LEVEL")

	setString(&c.Ledger.Driver, "LEDGER_DRIVER")
	setString(&c.Ledger.Redis.Addr, "REDIS_ADDR")
	setString(&c.Ledger.Redis.Password, "REDIS_PASSWORD")

	setString(&c.Upload.Provider, "STORAGE_PROVIDER")
	setString(&c.Upload.S3.Endpoint, "S3_ENDPOINT_URL")
	setString(&c.Upload.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&c.Upload.S3.SecretKey, "S3_SECRET_KEY")
	setString(&c.Upload.S3.Bucket, "S3_BUCKET_NAME")
	setString(&c.Upload.S3.Region, "S3_REGION")
	setString(&c.Upload.GCS.Bucket, "GCP_BUCKET_NAME")
	setString(&c.Upload.GCS.CredentialsFile, "GCP_SA_CREDENTIALS")
}

// detectProvider picks a provider from the credentials present. An S3
// endpoint wins over a GCS bucket; local output is the fallback.
func (c *Config) detectProvider() {
	if c.Upload.Provider != "" {
		return
	}
	switch {
	case c.Upload.S3.Endpoint != "":
		c.Upload.Provider = ProviderS3
	case c.Upload.GCS.Bucket != "":
		c.Upload.Provider = ProviderGCS
	default:
		c.Upload.Provider = ProviderLocal
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.APIKey == "" {
		errs = append(errs, "API_KEY is not set")
	}
	if c.Storage.Root == "" {
		errs = append(errs, "storage.root is empty")
	}
	if c.Queue.MaxQueueLength < 0 {
		errs = append(errs, "queue.max_queue_length must be >= 0")
	}
	for name, f := range c.Families {
		if f.Workers < 0 {
			errs = append(errs, fmt.Sprintf("families.%s.workers must be >= 0", name))
		}
		if f.MaxRetries != nil && *f.MaxRetries < 0 {
			errs = append(errs, fmt.Sprintf("families.%s.max_retries must be >= 0", name))
		}
		if f.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("families.%s.timeout must be >= 0", name))
		}
	}
	if c.Webhook.MaxAttempts < 1 {
		errs = append(errs, "webhook.max_attempts must be >= 1")
	}

	switch c.Ledger.Driver {
	case LedgerSQLite:
		if c.Ledger.Path == "" {
			errs = append(errs, "ledger.path is empty")
		}
	case LedgerRedis:
		if c.Ledger.Redis.Addr == "" {
			errs = append(errs, "ledger.redis.addr is empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown ledger driver %q", c.Ledger.Driver))
	}

	switch c.Upload.Provider {
	case ProviderLocal:
	case ProviderS3:
		for k, v := range map[string]string{
			"S3_ENDPOINT_URL": c.Upload.S3.Endpoint,
			"S3_ACCESS_KEY":   c.Upload.S3.AccessKey,
			"S3_SECRET_KEY":   c.Upload.S3.SecretKey,
		} {
			if v == "" {
				errs = append(errs, "missing "+k+" for s3 storage")
			}
		}
		if c.Upload.S3.Bucket == "" && !strings.Contains(strings.ToLower(c.Upload.S3.Endpoint), "digitalocean") {
			errs = append(errs, "missing S3_BUCKET_NAME for s3 storage")
		}
	case ProviderGCS:
		if c.Upload.GCS.Bucket == "" {
			errs = append(errs, "missing GCP_BUCKET_NAME for gcs storage")
		}
	case ProviderGDrive:
		if c.Upload.GDrive.CredentialsFile == "" {
			errs = append(errs, "missing upload.gdrive.credentials_file")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown upload provider %q", c.Upload.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// builtinTimeouts cap families whose work can hang on a remote peer.
// Any configured timeout replaces them.
var builtinTimeouts = map[string]time.Duration{
	"screenshot": 2 * time.Minute,
}

// FamilySettings resolves the effective settings for one family
func (c *Config) FamilySettings(name string) Family {
	one := 1
	out := Family{Workers: 2, MaxRetries: &one, Timeout: builtinTimeouts[name]}

	if d, ok := c.Families[DefaultFamily]; ok {
		out = merge(out, d)
	}
	if f, ok := c.Families[name]; ok {
		out = merge(out, f)
	}
	return out
}

func merge(base, over Family) Family {
	if over.Workers > 0 {
		base.Workers = over.Workers
	}
	if over.MaxRetries != nil {
		r := *over.MaxRetries
		base.MaxRetries = &r
	}
	if over.Timeout > 0 {
		base.Timeout = over.Timeout
	}
	return base
}

// Addr is the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
