package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "NEBULA"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "nebula.db"
	defaultLogLevel         = "info"
	defaultIssuer           = "nebula-auth"
	defaultAudience         = "nebula-api"
	defaultBroadcastChannel = "nebula_events"
	defaultTokenTTL         = 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	Issuer           string
	Audience         string
	TokenTTL         time.Duration
	HostID           string
	BroadcastDSN     string
	BroadcastChannel string
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
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("bus.broadcast_channel", defaultBroadcastChannel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		Issuer:           configViper.GetString("auth.issuer"),
		Audience:         configViper.GetString("auth.audience"),
		TokenTTL:         configViper.GetDuration("auth.token_ttl"),
		HostID:           configViper.GetString("bus.host_id"),
		BroadcastDSN:     configViper.GetString("bus.broadcast_dsn"),
		BroadcastChannel: configViper.GetString("bus.broadcast_channel"),
	}
	if strings.TrimSpace(cfg.HostID) == "" {
		hostname, err := os.Hostname()
		if err == nil {
			cfg.HostID = hostname
		}
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
	if strings.TrimSpace(c.BroadcastDSN) != "" && strings.TrimSpace(c.HostID) == "" {
		return fmt.Errorf("bus.host_id is required when bus.broadcast_dsn is set")
	}
	return nil
}
