package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"datasync/internal/utils/logger"
)

const envPath = ".env"

type Config struct {
	Env    string
	DB     DB
	Server Server
	Auth   Auth
	// SchemaPath is the YAML descriptor of the record types served.
	SchemaPath string
}

type DB struct {
	// DatabaseURI empty keeps records in memory (local environment only).
	DatabaseURI string
}

type Server struct {
	RunAddress      string
	ShutdownTimeout time.Duration
}

type Auth struct {
	// APIKeyHashes are bcrypt hashes of the accepted API keys. Empty
	// disables authentication.
	APIKeyHashes []string
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalln(err)
	}
	return cfg
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("app_env", logger.EnvLocal)
	v.SetDefault("run_address", ":8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("schema_path", "configs/schema.yaml")

	cfg := &Config{
		Env:        v.GetString("app_env"),
		DB:         DB{DatabaseURI: v.GetString("database_uri")},
		Server:     Server{RunAddress: v.GetString("run_address"), ShutdownTimeout: v.GetDuration("shutdown_timeout")},
		Auth:       Auth{APIKeyHashes: splitList(v.GetString("api_key_hashes"))},
		SchemaPath: v.GetString("schema_path"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.DatabaseURI == "" && c.Env != logger.EnvLocal {
		return fmt.Errorf("DATABASE_URI is required outside the local environment")
	}
	if c.Server.RunAddress == "" {
		return fmt.Errorf("RUN_ADDRESS is required")
	}
	if c.SchemaPath == "" {
		return fmt.Errorf("SCHEMA_PATH is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
