package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/Brownie44l1/breed-api/internal/logging"
	"github.com/Brownie44l1/breed-api/internal/model"
	"github.com/Brownie44l1/breed-api/internal/storage"
	"github.com/Brownie44l1/breed-api/internal/store"
)

const (
	BaseConfigFile       = "config.toml"
	OverlayConfigPattern = "config.%s.toml"
	DotEnvFile           = ".env"

	EnvBreedEnv         = "BREED_ENV"
	EnvHost             = "BREED_HOST"
	EnvPort             = "PORT"
	EnvBodyLimit        = "BREED_BODY_LIMIT"
	EnvTopK             = "BREED_TOP_K"
	EnvInferenceTimeout = "BREED_INFERENCE_TIMEOUT"
	EnvMaxPixels        = "BREED_MAX_PIXELS"
)

var modelEnv = &model.Env{
	ModelPath:      "BREED_MODEL_PATH",
	MetadataPath:   "BREED_METADATA_PATH",
	LibraryPath:    "ONNXRUNTIME_LIB_PATH",
	Device:         "BREED_DEVICE",
	IntraOpThreads: "BREED_INTRA_OP_THREADS",
	ClassCount:     "BREED_CLASS_COUNT",
}

var storeEnv = &store.Env{
	URI:             "MONGO_URI",
	Database:        "DB_NAME",
	Collection:      "COLLECTION_NAME",
	BreedCollection: "BREED_COLLECTION",
	UserCollection:  "USER_COLLECTION",
	ConnectTimeout:  "MONGO_CONNECT_TIMEOUT",
}

var storageEnv = &storage.Env{
	ContainerName:    "BREED_STORAGE_CONTAINER_NAME",
	ConnectionString: "BREED_STORAGE_CONNECTION_STRING",
	Folder:           "BREED_STORAGE_FOLDER",
}

var loggingEnv = &logging.Env{
	Level:  "BREED_LOG_LEVEL",
	Format: "BREED_LOG_FORMAT",
}

// Config is the root configuration for the breed service.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Model     model.Config    `toml:"model"`
	Inference InferenceConfig `toml:"inference"`
	Store     store.Config    `toml:"store"`
	Storage   storage.Config  `toml:"storage"`
	Logging   logging.Config  `toml:"logging"`
	Version   string          `toml:"version"`
}

// Env returns the BREED_ENV value, defaulting to "local".
func (c *Config) Env() string {
	if env := os.Getenv(EnvBreedEnv); env != "" {
		return env
	}
	return "local"
}

// Load reads .env (if present), the base config at path (if present) and any
// environment overlay next to it, then finalizes all values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", DotEnvFile, err)
	}

	if path == "" {
		path = BaseConfigFile
	}

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		loaded, err := load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if overlay := overlayPath(path); overlay != "" {
		loaded, err := load(overlay)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", overlay, err)
		}
		cfg.Merge(loaded)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}
	return cfg, nil
}

// Merge overwrites non-zero fields from overlay across all sub-configs.
func (c *Config) Merge(overlay *Config) {
	if overlay.Version != "" {
		c.Version = overlay.Version
	}
	c.Server.Merge(&overlay.Server)
	c.Model.Merge(&overlay.Model)
	c.Inference.Merge(&overlay.Inference)
	c.Store.Merge(&overlay.Store)
	c.Storage.Merge(&overlay.Storage)
	c.Logging.Merge(&overlay.Logging)
}

func (c *Config) finalize() error {
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	if err := c.Server.Finalize(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Model.Finalize(modelEnv); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Inference.Finalize(); err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	if err := c.Store.Finalize(storeEnv); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Storage.Finalize(storageEnv); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Logging.Finalize(loggingEnv); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func overlayPath(base string) string {
	env := os.Getenv(EnvBreedEnv)
	if env == "" {
		return ""
	}
	path := filepath.Join(filepath.Dir(base), fmt.Sprintf(OverlayConfigPattern, strings.ToLower(env)))
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}
