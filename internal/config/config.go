package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FIELDSYNC"
	defaultDatabasePath    = "fieldsync.db"
	defaultLogLevel        = "info"
	defaultHubAddress      = "0.0.0.0:8080"
	defaultHubDatabasePath = "fieldsync-hub.db"
	defaultRemoteTimeout   = 15 * time.Second
	defaultSyncInterval    = 30 * time.Second
	defaultHumanIDWidth    = 3
	defaultTokenTTL        = 90 * 24 * time.Hour
)

// DeviceConfig captures runtime configuration for a field device.
type DeviceConfig struct {
	DatabasePath  string
	LogLevel      string
	DeviceID      string
	RemoteURL     string
	RemoteToken   string
	RemoteTimeout time.Duration
	SyncInterval  time.Duration
	HumanIDWidth  int
}

// Online reports whether a hub is configured.
func (c DeviceConfig) Online() bool {
	return strings.TrimSpace(c.RemoteURL) != ""
}

// HubConfig captures runtime configuration for the hub server.
type HubConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("humanid.width", defaultHumanIDWidth)
	configViper.SetDefault("hub.address", defaultHubAddress)
	configViper.SetDefault("hub.database_path", defaultHubDatabasePath)
	configViper.SetDefault("hub.token_ttl", defaultTokenTTL)
}

// LoadDevice parses device configuration from viper.
func LoadDevice(configViper *viper.Viper) (DeviceConfig, error) {
	cfg := DeviceConfig{
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		DeviceID:      configViper.GetString("device.id"),
		RemoteURL:     configViper.GetString("remote.url"),
		RemoteToken:   configViper.GetString("remote.token"),
		RemoteTimeout: configViper.GetDuration("remote.timeout"),
		SyncInterval:  configViper.GetDuration("sync.interval"),
		HumanIDWidth:  configViper.GetInt("humanid.width"),
	}

	if err := cfg.validate(); err != nil {
		return DeviceConfig{}, err
	}

	return cfg, nil
}

// LoadHub parses hub configuration from viper.
func LoadHub(configViper *viper.Viper) (HubConfig, error) {
	cfg := HubConfig{
		HTTPAddress:   configViper.GetString("hub.address"),
		DatabasePath:  configViper.GetString("hub.database_path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("hub.signing_secret"),
		TokenTTL:      configViper.GetDuration("hub.token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return HubConfig{}, err
	}

	return cfg, nil
}

func (c DeviceConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Online() && strings.TrimSpace(c.RemoteToken) == "" {
		return fmt.Errorf("remote.token is required when remote.url is set")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.HumanIDWidth < 1 || c.HumanIDWidth > 9 {
		return fmt.Errorf("humanid.width must be between 1 and 9")
	}
	return nil
}

func (c HubConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("hub.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("hub.database_path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("hub.address is required")
	}
	return nil
}
