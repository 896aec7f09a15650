package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "TEMPO"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "tempo.db"
	defaultLogLevel      = "info"
	defaultIssuer        = "tempo-api"
	defaultDeviceIssuer  = "tempo-provisioning"
	defaultBucketSize    = 10
	defaultMaxPageLimit  = 50
	defaultMaxInFlight   = 8
	defaultTokenTTLMin   = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	Issuer          string
	DeviceIssuer    string
	TokenTTLMinutes int
	BucketSize      int
	MaxPageLimit    int
	MaxInFlight     int
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.device_issuer", defaultDeviceIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("playlist.bucket_size", defaultBucketSize)
	configViper.SetDefault("playlist.max_page_limit", defaultMaxPageLimit)
	configViper.SetDefault("playlist.max_in_flight", defaultMaxInFlight)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		Issuer:          configViper.GetString("auth.issuer"),
		DeviceIssuer:    configViper.GetString("auth.device_issuer"),
		TokenTTLMinutes: configViper.GetInt("auth.token_ttl_minutes"),
		BucketSize:      configViper.GetInt("playlist.bucket_size"),
		MaxPageLimit:    configViper.GetInt("playlist.max_page_limit"),
		MaxInFlight:     configViper.GetInt("playlist.max_in_flight"),
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
	if c.BucketSize < 1 {
		return fmt.Errorf("playlist.bucket_size must be positive")
	}
	if c.MaxPageLimit < c.BucketSize {
		return fmt.Errorf("playlist.max_page_limit must be at least playlist.bucket_size")
	}
	return nil
}
