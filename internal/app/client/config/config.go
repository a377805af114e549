package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"datasync/internal/utils/logger"
)

const (
	defaultServerAddress = "localhost:8080"
	defaultConfigDir     = ".datasync"
	defaultSchemaPath    = "configs/schema.yaml"

	ConflictRemote = "remote"
	ConflictLocal  = "local"
)

type Config struct {
	Env           string
	ServerAddress string
	EnableTLS     bool
	APIKey        string
	ConfigDir     string
	DataPath      string
	SchemaPath    string
	// Offline runs the engine without a remote.
	Offline bool

	SyncInterval     time.Duration
	FullSyncInterval time.Duration
	SyncPageSize     int
	SyncMaxRecords   int
	ConflictStrategy string
	RequestTimeout   time.Duration
	HealthInterval   time.Duration
}

// MustLoad panics on an invalid configuration.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("config error: %v", err))
	}
	return cfg
}

// Load reads .env (here or one directory up) and the environment.
func Load() (*Config, error) {
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = "../.env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			fmt.Printf("failed to load %s: %v\n", envPath, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("app_env", logger.EnvLocal)
	v.SetDefault("server_address", defaultServerAddress)
	v.SetDefault("config_dir", defaultConfigDir)
	v.SetDefault("schema_path", defaultSchemaPath)
	v.SetDefault("sync_interval", 60*time.Minute)
	v.SetDefault("full_sync_interval", 24*time.Hour)
	v.SetDefault("sync_page_size", 1000)
	v.SetDefault("sync_max_records", 10000)
	v.SetDefault("conflict_strategy", ConflictRemote)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("health_interval", 10*time.Second)

	cfg := &Config{
		Env:              v.GetString("app_env"),
		ServerAddress:    v.GetString("server_address"),
		EnableTLS:        v.GetBool("enable_tls"),
		APIKey:           v.GetString("api_key"),
		ConfigDir:        v.GetString("config_dir"),
		DataPath:         v.GetString("data_path"),
		SchemaPath:       v.GetString("schema_path"),
		Offline:          v.GetBool("offline"),
		SyncInterval:     v.GetDuration("sync_interval"),
		FullSyncInterval: v.GetDuration("full_sync_interval"),
		SyncPageSize:     v.GetInt("sync_page_size"),
		SyncMaxRecords:   v.GetInt("sync_max_records"),
		ConflictStrategy: v.GetString("conflict_strategy"),
		RequestTimeout:   v.GetDuration("request_timeout"),
		HealthInterval:   v.GetDuration("health_interval"),
	}

	if cfg.ConfigDir == defaultConfigDir {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.ConfigDir = filepath.Join(home, defaultConfigDir)
	}
	if cfg.DataPath == "" {
		cfg.DataPath = filepath.Join(cfg.ConfigDir, "datasync.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerAddress == "" && !c.Offline {
		return fmt.Errorf("server_address must not be empty")
	}
	if c.SchemaPath == "" {
		return fmt.Errorf("schema_path must not be empty")
	}
	switch c.ConflictStrategy {
	case ConflictRemote, ConflictLocal:
	default:
		return fmt.Errorf("conflict_strategy must be %q or %q, got %q", ConflictRemote, ConflictLocal, c.ConflictStrategy)
	}
	return nil
}

// BaseURL is the server URL derived from ServerAddress.
func (c *Config) BaseURL() string {
	scheme := "http://"
	if c.EnableTLS {
		scheme = "https://"
	}
	return scheme + c.ServerAddress
}

func (c *Config) IsProd() bool {
	return c.Env == logger.EnvProd
}
