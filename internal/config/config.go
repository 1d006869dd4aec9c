package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TESSELLA"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "tessella.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "tessella_session"
	defaultFlushWindowMillis  = 150
	defaultCheckpointInterval = 200
	defaultCachedOpsLimit     = 500
	defaultChatHistoryLimit   = 2000
)

// AppConfig captures runtime configuration for the sync server and tooling.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	CookieName         string
	FlushWindowMillis  int
	CheckpointInterval int
	CachedOpsLimit     int
	ChatHistoryLimit   int
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
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("sync.flush_window_ms", defaultFlushWindowMillis)
	configViper.SetDefault("sync.checkpoint_interval", defaultCheckpointInterval)
	configViper.SetDefault("sync.cached_ops_limit", defaultCachedOpsLimit)
	configViper.SetDefault("chat.history_limit", defaultChatHistoryLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		FlushWindowMillis:  configViper.GetInt("sync.flush_window_ms"),
		CheckpointInterval: configViper.GetInt("sync.checkpoint_interval"),
		CachedOpsLimit:     configViper.GetInt("sync.cached_ops_limit"),
		ChatHistoryLimit:   configViper.GetInt("chat.history_limit"),
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
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.FlushWindowMillis < 0 {
		return fmt.Errorf("sync.flush_window_ms must not be negative")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("sync.checkpoint_interval must be positive")
	}
	if c.CachedOpsLimit <= 0 {
		return fmt.Errorf("sync.cached_ops_limit must be positive")
	}
	if c.ChatHistoryLimit <= 0 {
		return fmt.Errorf("chat.history_limit must be positive")
	}
	return nil
}
