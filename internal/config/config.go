// Package config loads settings from defaults, .env files, the environment,
// an optional config file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment variables: split.max_input_mb is PDFSPLIT_SPLIT_MAX_INPUT_MB.
const EnvPrefix = "PDFSPLIT"

const (
	BackendFile      = "file"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
)

type Config struct {
	Log       LogConfig
	History   HistoryConfig
	Firestore FirestoreConfig
	Postgres  PostgresConfig
	Split     SplitConfig
	Publish   PublishConfig
	Workflow  WorkflowConfig
	Server    ServerConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type HistoryConfig struct {
	Backend        string
	Dir            string
	RecoverOnStart bool
}

type FirestoreConfig struct {
	ProjectID  string
	Collection string
}

type PostgresConfig struct {
	DSN string
}

// SplitConfig holds job defaults. Strategy, Ranges and PagesPerFile are only
// used where no caller supplies them (the Cloud Function).
type SplitConfig struct {
	OutputPrefix     string
	ZeroPadDigits    int
	PreserveMetadata bool
	MaxInputMB       int
	Strategy         string
	Ranges           string
	PagesPerFile     int
}

type PublishConfig struct {
	Bucket      string
	Prefix      string
	Concurrency int
}

type WorkflowConfig struct {
	ProjectID string
	Location  string
	ID        string
}

type ServerConfig struct {
	Addr string
}

// flagKeys maps pflag names onto config keys.
var flagKeys = map[string]string{
	"log-level":         "log.level",
	"log-format":        "log.format",
	"history-backend":   "history.backend",
	"history-dir":       "history.dir",
	"recover":           "history.recover_on_start",
	"firestore-project": "firestore.project_id",
	"postgres-dsn":      "postgres.dsn",
	"prefix":            "split.output_prefix",
	"pad":               "split.zero_pad_digits",
	"preserve-metadata": "split.preserve_metadata",
	"max-input-mb":      "split.max_input_mb",
	"strategy":          "split.strategy",
	"ranges":            "split.ranges",
	"every":             "split.pages_per_file",
	"bucket":            "publish.bucket",
	"addr":              "server.addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("history.backend", BackendFile)
	v.SetDefault("history.dir", "")
	v.SetDefault("history.recover_on_start", false)
	v.SetDefault("firestore.project_id", "")
	v.SetDefault("firestore.collection", "split_jobs")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("split.output_prefix", models.DefaultOutputPrefix)
	v.SetDefault("split.zero_pad_digits", models.DefaultZeroPadDigits)
	v.SetDefault("split.preserve_metadata", true)
	v.SetDefault("split.max_input_mb", 0)
	v.SetDefault("split.strategy", models.StrategyEachPage.String())
	v.SetDefault("split.ranges", "")
	v.SetDefault("split.pages_per_file", 0)
	v.SetDefault("publish.bucket", "")
	v.SetDefault("publish.prefix", "")
	v.SetDefault("publish.concurrency", 10)
	v.SetDefault("workflow.project_id", "")
	v.SetDefault("workflow.location", "us-central1")
	v.SetDefault("workflow.id", "")
	v.SetDefault("server.addr", ":8080")
}

// LoadDotEnv loads each .env file that exists. Variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load builds the configuration. flags may be nil; only flags the user set
// override other sources. PDFSPLIT_CONFIG names an optional YAML/JSON/TOML file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		History: HistoryConfig{
			Backend:        strings.ToLower(v.GetString("history.backend")),
			Dir:            v.GetString("history.dir"),
			RecoverOnStart: v.GetBool("history.recover_on_start"),
		},
		Firestore: FirestoreConfig{
			ProjectID:  v.GetString("firestore.project_id"),
			Collection: v.GetString("firestore.collection"),
		},
		Postgres: PostgresConfig{DSN: v.GetString("postgres.dsn")},
		Split: SplitConfig{
			OutputPrefix:     v.GetString("split.output_prefix"),
			ZeroPadDigits:    v.GetInt("split.zero_pad_digits"),
			PreserveMetadata: v.GetBool("split.preserve_metadata"),
			MaxInputMB:       v.GetInt("split.max_input_mb"),
			Strategy:         v.GetString("split.strategy"),
			Ranges:           v.GetString("split.ranges"),
			PagesPerFile:     v.GetInt("split.pages_per_file"),
		},
		Publish: PublishConfig{
			Bucket:      v.GetString("publish.bucket"),
			Prefix:      v.GetString("publish.prefix"),
			Concurrency: v.GetInt("publish.concurrency"),
		},
		Workflow: WorkflowConfig{
			ProjectID: v.GetString("workflow.project_id"),
			Location:  v.GetString("workflow.location"),
			ID:        v.GetString("workflow.id"),
		},
		Server: ServerConfig{Addr: v.GetString("server.addr")},
	}
	if cfg.History.Backend == BackendFile && cfg.History.Dir == "" {
		dir, err := defaultHistoryDir()
		if err != nil {
			return nil, err
		}
		cfg.History.Dir = dir
	}
	if cfg.Workflow.ProjectID == "" {
		cfg.Workflow.ProjectID = cfg.Firestore.ProjectID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultHistoryDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve a default history directory (set %s_HISTORY_DIR): %w", EnvPrefix, err)
	}
	return filepath.Join(base, "pdfsplit", "history"), nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.History.Backend {
	case BackendFile:
		if c.History.Dir == "" {
			return errors.New("history.dir is required for the file backend")
		}
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			return errors.New("firestore.project_id is required for the firestore backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown history.backend %q (want file, firestore or postgres)", c.History.Backend)
	}
	if _, err := models.ParseStrategy(c.Split.Strategy); err != nil {
		return fmt.Errorf("split.strategy: %w", err)
	}
	if c.Split.ZeroPadDigits < 0 || c.Split.ZeroPadDigits > models.MaxZeroPadDigits {
		return fmt.Errorf("split.zero_pad_digits must be between 0 and %d", models.MaxZeroPadDigits)
	}
	if c.Split.MaxInputMB < 0 {
		return errors.New("split.max_input_mb cannot be negative")
	}
	if c.Workflow.ID != "" && c.Workflow.ProjectID == "" {
		return errors.New("workflow.project_id (or firestore.project_id) is required when workflow.id is set")
	}
	return nil
}

// MaxInputBytes is the input size limit in bytes, zero meaning unlimited.
func (s SplitConfig) MaxInputBytes() int64 {
	return int64(s.MaxInputMB) * 1024 * 1024
}

// Params builds job params from the configured defaults.
func (s SplitConfig) Params(inputPath, outputDir string) (models.SplitJobParams, error) {
	strategy, err := models.ParseStrategy(s.Strategy)
	if err != nil {
		return models.SplitJobParams{}, err
	}
	params := models.NewSplitJobParams(inputPath, outputDir, strategy)
	params.RangesText = s.Ranges
	params.PagesPerFile = s.PagesPerFile
	params.OutputPrefix = s.OutputPrefix
	params.ZeroPadDigits = s.ZeroPadDigits
	params.PreserveMetadata = s.PreserveMetadata
	return params, nil
}
