package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "database.driver", typ: kString, env: "CATALOGD_DATABASE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Database.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.Driver },
	},
	{
		key: "database.dsn", typ: kString, env: "CATALOGD_DATABASE_DSN",
		apply:   func(cfg *Config, v any) { cfg.Database.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.DSN },
	},
	{
		key: "database.max_conns", typ: kInt, env: "CATALOGD_DATABASE_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Database.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Database.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CATALOGD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "server.port", typ: kInt, env: "CATALOGD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "CATALOGD_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CATALOGD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "CATALOGD_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "vectors.watch_interval", typ: kDuration, env: "CATALOGD_VECTORS_WATCH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Vectors.WatchInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Vectors.WatchInterval },
	},
	{
		key: "vectors.retrain_at", typ: kString, env: "CATALOGD_VECTORS_RETRAIN_AT",
		apply:   func(cfg *Config, v any) { cfg.Vectors.RetrainAt = v.(string) },
		extract: func(cfg Config) any { return cfg.Vectors.RetrainAt },
	},
	{
		key: "cluster.count", typ: kInt, env: "CATALOGD_CLUSTER_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Cluster.Count = v.(int) },
		extract: func(cfg Config) any { return cfg.Cluster.Count },
	},
	{
		key: "cluster.watch_interval", typ: kDuration, env: "CATALOGD_CLUSTER_WATCH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cluster.WatchInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cluster.WatchInterval },
	},
	{
		key: "cluster.retrain_every_days", typ: kInt, env: "CATALOGD_CLUSTER_RETRAIN_EVERY_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Cluster.RetrainEveryDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Cluster.RetrainEveryDays },
	},
	{
		key: "cluster.balance", typ: kBool, env: "CATALOGD_CLUSTER_BALANCE",
		apply:   func(cfg *Config, v any) { cfg.Cluster.Balance = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cluster.Balance },
	},
	{
		key: "image.watch_interval", typ: kDuration, env: "CATALOGD_IMAGE_WATCH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Image.WatchInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Image.WatchInterval },
	},
	{
		key: "image.rps", typ: kFloat, env: "CATALOGD_IMAGE_RPS",
		apply:   func(cfg *Config, v any) { cfg.Image.RPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Image.RPS },
	},
	{
		key: "blob.backend", typ: kString, env: "CATALOGD_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.dir", typ: kString, env: "CATALOGD_BLOB_DIR",
		apply:   func(cfg *Config, v any) { cfg.Blob.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Dir },
	},
	{
		key: "blob.endpoint", typ: kString, env: "CATALOGD_BLOB_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Blob.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Endpoint },
	},
	{
		key: "blob.bucket", typ: kString, env: "CATALOGD_BLOB_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Blob.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Bucket },
	},
	{
		key: "blob.access_key", typ: kString, env: "CATALOGD_BLOB_ACCESS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Blob.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.AccessKey },
	},
	{
		key: "blob.secret_key", typ: kString, env: "CATALOGD_BLOB_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Blob.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.SecretKey },
	},
	{
		key: "blob.use_ssl", typ: kBool, env: "CATALOGD_BLOB_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Blob.UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Blob.UseSSL },
	},
	{
		key: "writer.batch_size", typ: kInt, env: "CATALOGD_WRITER_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Writer.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Writer.BatchSize },
	},
	{
		key: "writer.max_attempts", typ: kInt, env: "CATALOGD_WRITER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Writer.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Writer.MaxAttempts },
	},
	{
		key: "writer.retry_delay", typ: kDuration, env: "CATALOGD_WRITER_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Writer.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Writer.RetryDelay },
	},
	{
		key: "supervisor.backoff", typ: kDuration, env: "CATALOGD_SUPERVISOR_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Supervisor.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Supervisor.Backoff },
	},
	{
		key: "tfidf.max_features", typ: kInt, env: "CATALOGD_TFIDF_MAX_FEATURES",
		apply:   func(cfg *Config, v any) { cfg.TFIDF.MaxFeatures = v.(int) },
		extract: func(cfg Config) any { return cfg.TFIDF.MaxFeatures },
	},
	{
		key: "tfidf.stop_words", typ: kString, env: "CATALOGD_TFIDF_STOP_WORDS",
		apply:   func(cfg *Config, v any) { cfg.TFIDF.StopWords = v.(string) },
		extract: func(cfg Config) any { return cfg.TFIDF.StopWords },
	},
	{
		key: "log.level", typ: kString, env: "CATALOGD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "mcp.enabled", typ: kBool, env: "CATALOGD_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.MCP.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.MCP.Enabled },
	},
}

// parse converts raw into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

// applyBackend reads every non-secret key from b. A value that does not
// parse is an error: unlike the environment, the file is only written by
// `catalogd config set` or by hand.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		if !ok {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("config file: invalid value %q for %s: %w", raw, s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
