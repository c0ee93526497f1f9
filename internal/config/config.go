// Package config provides configuration management for factgraph.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with FG_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./configs/config.yaml, ~/.factgraph/config.yaml, /etc/factgraph/config.yaml)
//  3. .env files
//  4. Environment variables (FG_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("SurrealDB: %s\n", cfg.SurrealDB.URL)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use FG_ prefix and underscores for nested keys:
//   - FG_SERVER_PORT=8095
//   - FG_SURREALDB_URL=ws://localhost:8000/rpc
//   - FG_ELASTICSEARCH_URL=http://localhost:9200
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for factgraph.
type Config struct {
	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server"`

	// SurrealDB contains graph database connection and pool settings
	SurrealDB SurrealDBConfig `mapstructure:"surrealdb"`

	// Elasticsearch contains search engine connection settings
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`

	// Security contains rate limiting and CORS settings
	Security SecurityConfig `mapstructure:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and error details in responses
	Debug bool `mapstructure:"debug"`
}

// SurrealDBConfig contains SurrealDB connection and pool settings.
type SurrealDBConfig struct {
	// URL is the SurrealDB endpoint (ws, wss, http or https scheme)
	URL string `mapstructure:"url"`

	// Namespace is the SurrealDB namespace to select after signin
	Namespace string `mapstructure:"namespace"`

	// Database is the SurrealDB database to select after signin
	Database string `mapstructure:"database"`

	// Username for root authentication
	Username string `mapstructure:"username"`

	// Password for root authentication
	Password string `mapstructure:"password"`

	// PoolSize is the fixed number of pooled connections
	PoolSize int `mapstructure:"pool_size"`

	// AcquireTimeout is how long an acquire waits for an idle connection
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// EmbeddingDimension is the vector dimension of the facts HNSW index
	EmbeddingDimension int `mapstructure:"embedding_dimension"`
}

// ElasticsearchConfig contains Elasticsearch connection settings.
type ElasticsearchConfig struct {
	// URL is the Elasticsearch endpoint (http or https scheme)
	URL string `mapstructure:"url"`

	// ConnectionsPerNode caps idle HTTP connections per node and bounds
	// the number of concurrent in-flight requests through the wrapper
	ConnectionsPerNode int `mapstructure:"connections_per_node"`

	// RequestTimeout is the per-request timeout
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Shards is the number_of_shards for provisioned indices
	Shards int `mapstructure:"shards"`

	// Replicas is the number_of_replicas for provisioned indices
	Replicas int `mapstructure:"replicas"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, console)
	Format string `mapstructure:"format"`
}

// SecurityConfig contains rate limiting and CORS settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client
	RateLimit int `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

var surrealSchemes = map[string]bool{"ws": true, "wss": true, "http": true, "https": true}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FG_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.factgraph")
		v.AddConfigPath("/etc/factgraph")
	}

	if err := v.ReadInConfig(); err != nil {
		// An explicitly given file may be missing (run on defaults), but any
		// other read error is fatal. For auto-discovery only fail on errors
		// other than ConfigFileNotFoundError.
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("FG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("surrealdb.url", "ws://localhost:8000/rpc")
	v.SetDefault("surrealdb.namespace", "knowledge")
	v.SetDefault("surrealdb.database", "facts")
	v.SetDefault("surrealdb.username", "root")
	v.SetDefault("surrealdb.password", "root")
	v.SetDefault("surrealdb.pool_size", 5)
	v.SetDefault("surrealdb.acquire_timeout", "10s")
	v.SetDefault("surrealdb.embedding_dimension", 768)

	v.SetDefault("elasticsearch.url", "http://localhost:9200")
	v.SetDefault("elasticsearch.connections_per_node", 25)
	v.SetDefault("elasticsearch.request_timeout", "10s")
	v.SetDefault("elasticsearch.shards", 1)
	v.SetDefault("elasticsearch.replicas", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.allowed_origins", []string{"*"})
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	parsed, err := url.Parse(cfg.SurrealDB.URL)
	if err != nil || !surrealSchemes[parsed.Scheme] || parsed.Host == "" {
		return fmt.Errorf("surrealdb url must use ws, wss, http or https: %q", cfg.SurrealDB.URL)
	}

	parsed, err = url.Parse(cfg.Elasticsearch.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("elasticsearch url must use http or https: %q", cfg.Elasticsearch.URL)
	}

	if cfg.SurrealDB.Namespace == "" {
		return fmt.Errorf("surrealdb namespace is required")
	}
	if cfg.SurrealDB.Database == "" {
		return fmt.Errorf("surrealdb database is required")
	}

	for name, value := range map[string]int{
		"surrealdb pool_size":                cfg.SurrealDB.PoolSize,
		"surrealdb embedding_dimension":      cfg.SurrealDB.EmbeddingDimension,
		"elasticsearch connections_per_node": cfg.Elasticsearch.ConnectionsPerNode,
		"elasticsearch shards":               cfg.Elasticsearch.Shards,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %d", name, value)
		}
	}

	if cfg.SurrealDB.AcquireTimeout <= 0 {
		return fmt.Errorf("surrealdb acquire_timeout must be positive, got %v", cfg.SurrealDB.AcquireTimeout)
	}
	if cfg.Elasticsearch.RequestTimeout <= 0 {
		return fmt.Errorf("elasticsearch request_timeout must be positive, got %v", cfg.Elasticsearch.RequestTimeout)
	}
	if cfg.Elasticsearch.Replicas < 0 {
		return fmt.Errorf("elasticsearch replicas must be zero or positive, got %d", cfg.Elasticsearch.Replicas)
	}

	return nil
}

func Get() *Config {
	return cfg
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
