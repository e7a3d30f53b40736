// Package config provides configuration management for the SPE services.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the SPE coordinator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DataStore DataStoreConfig `mapstructure:"datastore"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	API       APIConfig       `mapstructure:"api"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MongoDBConfig holds MongoDB connection configuration.
type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// RedisConfig holds Redis connection configuration for execution events.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DataStoreConfig holds the clinical (OMOP CDM) PostgreSQL connection
// parameters. These are also the environment variables injected into
// every sandboxed script run.
type DataStoreConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// SandboxConfig holds script execution configuration.
type SandboxConfig struct {
	// DefaultTimeout bounds a script run unless overridden per request.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// MaxTimeout caps any requested timeout.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	// MaxConcurrent bounds simultaneously running scripts.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// RscriptPath and PythonPath locate the interpreters.
	RscriptPath string `mapstructure:"rscript_path"`
	PythonPath  string `mapstructure:"python_path"`
	// WorkDir is where per-execution scratch directories are created.
	// Empty means the OS temp directory.
	WorkDir string `mapstructure:"work_dir"`
}

// APIConfig holds API-level options.
type APIConfig struct {
	// ServiceToken, when set, is required as a bearer token on all
	// /api/v1 routes. Empty disables authentication (local harness).
	ServiceToken string `mapstructure:"service_token"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "spe_core")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("datastore.host", "omop-db")
	v.SetDefault("datastore.port", 5432)
	v.SetDefault("datastore.database", "omop_cdm")
	v.SetDefault("datastore.user", "omop_user")
	v.SetDefault("datastore.password", "")
	v.SetDefault("datastore.sslmode", "disable")

	v.SetDefault("sandbox.default_timeout", 300*time.Second)
	v.SetDefault("sandbox.max_timeout", time.Hour)
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.rscript_path", "Rscript")
	v.SetDefault("sandbox.python_path", "python3")
	v.SetDefault("sandbox.work_dir", "")

	v.SetDefault("api.service_token", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/spe-core")
	}

	v.SetEnvPrefix("SPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The data store settings also honor the bare DATABASE_* names the
	// deployment environment already provides to study scripts.
	v.BindEnv("datastore.host", "SPE_DATASTORE_HOST", "DATABASE_HOST")
	v.BindEnv("datastore.port", "SPE_DATASTORE_PORT", "DATABASE_PORT")
	v.BindEnv("datastore.database", "SPE_DATASTORE_DATABASE", "DATABASE_NAME")
	v.BindEnv("datastore.user", "SPE_DATASTORE_USER", "DATABASE_USER")
	v.BindEnv("datastore.password", "SPE_DATASTORE_PASSWORD", "DATABASE_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
