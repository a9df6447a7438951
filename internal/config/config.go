package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PINPOINT"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "pinpoint.db"
	defaultLogLevel     = "info"
	defaultRedisURL     = "redis://localhost:6379/0"
	defaultBucket       = "pinpoint-attachments"
	defaultAuthIssuer   = "pinpoint-auth"
	defaultAuthAudience = "pinpoint-api"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	RedisURL      string
	SigningSecret string
	AuthIssuer    string
	AuthAudience  string
	MinioEndpoint string
	MinioAccess   string
	MinioSecret   string
	MinioBucket   string
	MinioUseTLS   bool
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("minio.bucket", defaultBucket)
	configViper.SetDefault("minio.use_tls", false)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		RedisURL:      configViper.GetString("redis.url"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:    configViper.GetString("auth.issuer"),
		AuthAudience:  configViper.GetString("auth.audience"),
		MinioEndpoint: configViper.GetString("minio.endpoint"),
		MinioAccess:   configViper.GetString("minio.access_key"),
		MinioSecret:   configViper.GetString("minio.secret_key"),
		MinioBucket:   configViper.GetString("minio.bucket"),
		MinioUseTLS:   configViper.GetBool("minio.use_tls"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if strings.TrimSpace(c.MinioEndpoint) != "" && strings.TrimSpace(c.MinioBucket) == "" {
		return fmt.Errorf("minio.bucket is required when minio.endpoint is set")
	}
	return nil
}
