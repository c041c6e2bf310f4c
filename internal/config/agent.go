package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAgentDatabasePath    = "nebula-replica.db"
	defaultCursorsPath          = "nebula-cursors"
	defaultBackoffBaseDelay     = time.Second
	defaultBackoffMaxDelay      = 5 * time.Minute
	defaultInteractionDebounce  = 5 * time.Minute
	defaultOutboxBatchSize      = 20
	defaultOutboxPollInterval   = 30 * time.Second
	defaultSocketReconnectDelay = time.Second
)

// AgentConfig captures runtime configuration for the replica agent.
type AgentConfig struct {
	ServerURL           string
	Token               string
	WorkspaceID         string
	UserID              string
	DatabasePath        string
	CursorsPath         string
	LogLevel            string
	BackoffBaseDelay    time.Duration
	BackoffMaxDelay     time.Duration
	InteractionDebounce time.Duration
	OutboxBatchSize     int
	OutboxMaxRetries    int
	OutboxPollInterval  time.Duration
	ReconnectBaseDelay  time.Duration
}

// ApplyAgentDefaults configures agent defaults and env bindings on the provided viper instance.
func ApplyAgentDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultAgentDatabasePath)
	configViper.SetDefault("cursors.path", defaultCursorsPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("backoff.base_delay", defaultBackoffBaseDelay)
	configViper.SetDefault("backoff.max_delay", defaultBackoffMaxDelay)
	configViper.SetDefault("interactions.debounce", defaultInteractionDebounce)
	configViper.SetDefault("outbox.batch_size", defaultOutboxBatchSize)
	configViper.SetDefault("outbox.max_retries", 0)
	configViper.SetDefault("outbox.poll_interval", defaultOutboxPollInterval)
	configViper.SetDefault("socket.reconnect_base_delay", defaultSocketReconnectDelay)
}

// LoadAgent parses agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:           strings.TrimRight(configViper.GetString("server.url"), "/"),
		Token:               configViper.GetString("auth.token"),
		WorkspaceID:         configViper.GetString("workspace.id"),
		UserID:              configViper.GetString("user.id"),
		DatabasePath:        configViper.GetString("database.path"),
		CursorsPath:         configViper.GetString("cursors.path"),
		LogLevel:            configViper.GetString("log.level"),
		BackoffBaseDelay:    configViper.GetDuration("backoff.base_delay"),
		BackoffMaxDelay:     configViper.GetDuration("backoff.max_delay"),
		InteractionDebounce: configViper.GetDuration("interactions.debounce"),
		OutboxBatchSize:     configViper.GetInt("outbox.batch_size"),
		OutboxMaxRetries:    configViper.GetInt("outbox.max_retries"),
		OutboxPollInterval:  configViper.GetDuration("outbox.poll_interval"),
		ReconnectBaseDelay:  configViper.GetDuration("socket.reconnect_base_delay"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute url")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("auth.token is required")
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("workspace.id is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user.id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.BackoffBaseDelay <= 0 || c.BackoffMaxDelay < c.BackoffBaseDelay {
		return fmt.Errorf("backoff delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be positive")
	}
	if c.OutboxMaxRetries < 0 {
		return fmt.Errorf("outbox.max_retries must not be negative")
	}
	if c.InteractionDebounce < 0 {
		return fmt.Errorf("interactions.debounce must not be negative")
	}
	return nil
}
