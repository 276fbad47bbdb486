package config

import (
	"fmt"
	"path/filepath"
	"time"
)

type Config struct {
	Database   DatabaseConfig
	Storage    StorageConfig
	Server     ServerConfig
	Ollama     OllamaConfig
	Vectors    VectorsConfig
	Cluster    ClusterConfig
	Image      ImageConfig
	Blob       BlobConfig
	Writer     WriterConfig
	Supervisor SupervisorConfig
	TFIDF      TFIDFConfig
	Log        LogConfig
	MCP        MCPConfig
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string
	DSN      string
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type ServerConfig struct {
	Port  int
	Token string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type VectorsConfig struct {
	WatchInterval time.Duration
	// RetrainAt is the local "HH:MM" of the daily full pass.
	RetrainAt string
}

type ClusterConfig struct {
	Count            int
	WatchInterval    time.Duration
	RetrainEveryDays int
	Balance          bool
}

type ImageConfig struct {
	WatchInterval time.Duration
	RPS           float64
}

type BlobConfig struct {
	// Backend is "local", "minio" or "s3".
	Backend   string
	Dir       string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type WriterConfig struct {
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

type SupervisorConfig struct {
	Backoff time.Duration
}

type TFIDFConfig struct {
	MaxFeatures int
	// StopWords is a path to a newline separated list replacing the
	// built-in French one.
	StopWords string
}

type LogConfig struct {
	Level string
}

type MCPConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			MaxConns: 8,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Vectors: VectorsConfig{
			WatchInterval: 300 * time.Second,
			RetrainAt:     "01:00",
		},
		Cluster: ClusterConfig{
			Count:            5,
			WatchInterval:    300 * time.Second,
			RetrainEveryDays: 7,
		},
		Image: ImageConfig{
			WatchInterval: time.Hour,
			RPS:           5,
		},
		Blob: BlobConfig{
			Backend: "local",
			Bucket:  "catalogd",
			UseSSL:  true,
		},
		Writer: WriterConfig{
			BatchSize:   100,
			MaxAttempts: 3,
			RetryDelay:  30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Backoff: 30 * time.Second,
		},
		TFIDF: TFIDFConfig{
			MaxFeatures: 4096,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	return appDir("XDG_DATA_HOME", ".local", "share")
}

// BlobDir is the local blob directory, defaulting to blobs/ under the data
// directory.
func (c Config) BlobDir() string {
	if c.Blob.Dir != "" {
		return c.Blob.Dir
	}
	return filepath.Join(c.Storage.DataDir, "blobs")
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/catalogd/config.json, then applies CATALOGD_* environment
// overrides. Secrets are never read from the config file: they come from the
// environment or from $XDG_DATA_HOME/catalogd/secrets.json.
func Load() (Config, error) {
	return loadWith(loadConfigFile(), newFileSecrets(secretsFilePath()))
}

// secretReader abstracts the secret store for testing.
type secretReader interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("missing required config: database.dsn for the postgres driver. " +
				"Set it via catalogd config set database.dsn or CATALOGD_DATABASE_DSN")
		}
	default:
		return fmt.Errorf("invalid database.driver %q: want sqlite or postgres", c.Database.Driver)
	}
	switch c.Blob.Backend {
	case "local":
	case "minio", "s3":
		if c.Blob.Endpoint == "" {
			return fmt.Errorf("missing required config: blob.endpoint for the %s backend", c.Blob.Backend)
		}
	default:
		return fmt.Errorf("invalid blob.backend %q: want local, minio or s3", c.Blob.Backend)
	}
	if _, _, err := parseClock(c.Vectors.RetrainAt); err != nil {
		return fmt.Errorf("invalid vectors.retrain_at: %w", err)
	}
	for key, v := range map[string]int{
		"database.max_conns":         c.Database.MaxConns,
		"cluster.count":              c.Cluster.Count,
		"cluster.retrain_every_days": c.Cluster.RetrainEveryDays,
		"writer.batch_size":          c.Writer.BatchSize,
		"writer.max_attempts":        c.Writer.MaxAttempts,
		"tfidf.max_features":         c.TFIDF.MaxFeatures,
	} {
		if v <= 0 {
			return fmt.Errorf("invalid %s: %d must be positive", key, v)
		}
	}
	for key, d := range map[string]time.Duration{
		"vectors.watch_interval": c.Vectors.WatchInterval,
		"cluster.watch_interval": c.Cluster.WatchInterval,
		"image.watch_interval":   c.Image.WatchInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s must be positive", key, d)
		}
	}
	return nil
}

func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
