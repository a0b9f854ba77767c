package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "TABLESIDE"

	defaultLogLevel         = "info"
	defaultDeviceRole       = "waiter"
	defaultDeviceLocale     = "en"
	defaultQueuePath        = "tableside-queue.db"
	defaultHubListen        = "0.0.0.0:8787"
	defaultHubCachePath     = "tableside-hub.db"
	defaultHubFlushInterval = 30 * time.Second
	defaultHubFlushBatch    = 100
	defaultHubRetention     = 7 * 24 * time.Hour
	defaultCloudListen      = "0.0.0.0:8080"
	defaultCloudDriver      = DriverSQLite
	defaultCloudDSN         = "tableside-cloud.db"
	defaultAuthIssuer       = "tableside-cloud"
	defaultAuthAudience     = "tableside-api"
	defaultSyncInterval     = 30 * time.Second
	defaultSyncMaxRetries   = 5
	defaultProbeInterval    = 15 * time.Second
	defaultDiscoverTimeout  = 3 * time.Second
	defaultHubAdvertise     = true
	defaultAuthTokenTTL     = 15 * time.Minute
	defaultHubHeartbeat     = 15 * time.Second
)

// Supported cloud database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Log captures logging settings shared by every role.
type Log struct {
	Level string
	File  string
}

// Device configures a waiter or kitchen terminal.
type Device struct {
	ID              string
	Name            string
	Role            string
	RestaurantID    string
	Locale          string
	QueuePath       string
	HubURL          string
	CloudURL        string
	SyncInterval    time.Duration
	MaxRetries      int
	ProbeURL        string
	ProbeInterval   time.Duration
	DiscoverTimeout time.Duration
	NotifyURL       string
}

// Hub configures the premises relay station.
type Hub struct {
	StationID     string
	RestaurantID  string
	Listen        string
	CachePath     string
	FlushInterval time.Duration
	FlushBatch    int
	Retention     time.Duration
	Advertise     bool
	Heartbeat     time.Duration
	CloudURL      string
	NotifyURL     string
}

// Cloud configures the order API service.
type Cloud struct {
	Listen string
	Driver string
	DSN    string
}

// Auth configures bearer tokens between tiers.
type Auth struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// AppConfig captures runtime configuration for every tableside role.
type AppConfig struct {
	Log    Log
	Device Device
	Hub    Hub
	Cloud  Cloud
	Auth   Auth
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

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("device.role", defaultDeviceRole)
	configViper.SetDefault("device.locale", defaultDeviceLocale)
	configViper.SetDefault("queue.path", defaultQueuePath)
	configViper.SetDefault("hub.listen", defaultHubListen)
	configViper.SetDefault("hub.cache_path", defaultHubCachePath)
	configViper.SetDefault("hub.flush_interval", defaultHubFlushInterval)
	configViper.SetDefault("hub.flush_batch", defaultHubFlushBatch)
	configViper.SetDefault("hub.retention", defaultHubRetention)
	configViper.SetDefault("hub.advertise", defaultHubAdvertise)
	configViper.SetDefault("hub.heartbeat", defaultHubHeartbeat)
	configViper.SetDefault("cloud.listen", defaultCloudListen)
	configViper.SetDefault("cloud.driver", defaultCloudDriver)
	configViper.SetDefault("cloud.dsn", defaultCloudDSN)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.max_retries", defaultSyncMaxRetries)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("discovery.timeout", defaultDiscoverTimeout)
	configViper.SetDefault("notify.url", "")
}

// Load parses runtime configuration from viper without role validation.
func Load(configViper *viper.Viper) AppConfig {
	cloudURL := configViper.GetString("cloud.url")
	return AppConfig{
		Log: Log{
			Level: configViper.GetString("log.level"),
			File:  configViper.GetString("log.file"),
		},
		Device: Device{
			ID:              configViper.GetString("device.id"),
			Name:            configViper.GetString("device.name"),
			Role:            configViper.GetString("device.role"),
			RestaurantID:    configViper.GetString("restaurant.id"),
			Locale:          configViper.GetString("device.locale"),
			QueuePath:       configViper.GetString("queue.path"),
			HubURL:          configViper.GetString("hub.url"),
			CloudURL:        cloudURL,
			SyncInterval:    configViper.GetDuration("sync.interval"),
			MaxRetries:      configViper.GetInt("sync.max_retries"),
			ProbeURL:        probeURL(configViper.GetString("connectivity.probe_url"), cloudURL),
			ProbeInterval:   configViper.GetDuration("connectivity.probe_interval"),
			DiscoverTimeout: configViper.GetDuration("discovery.timeout"),
			NotifyURL:       configViper.GetString("notify.url"),
		},
		Hub: Hub{
			StationID:     configViper.GetString("hub.station_id"),
			RestaurantID:  configViper.GetString("restaurant.id"),
			Listen:        configViper.GetString("hub.listen"),
			CachePath:     configViper.GetString("hub.cache_path"),
			FlushInterval: configViper.GetDuration("hub.flush_interval"),
			FlushBatch:    configViper.GetInt("hub.flush_batch"),
			Retention:     configViper.GetDuration("hub.retention"),
			Advertise:     configViper.GetBool("hub.advertise"),
			Heartbeat:     configViper.GetDuration("hub.heartbeat"),
			CloudURL:      cloudURL,
			NotifyURL:     configViper.GetString("notify.url"),
		},
		Cloud: Cloud{
			Listen: configViper.GetString("cloud.listen"),
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("cloud.driver"))),
			DSN:    configViper.GetString("cloud.dsn"),
		},
		Auth: Auth{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
	}
}

// LoadDevice loads and validates the device role.
func LoadDevice(configViper *viper.Viper) (AppConfig, error) {
	cfg := Load(configViper)
	if err := cfg.validateDevice(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadHub loads and validates the hub role.
func LoadHub(configViper *viper.Viper) (AppConfig, error) {
	cfg := Load(configViper)
	if err := cfg.validateHub(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadCloud loads and validates the cloud role.
func LoadCloud(configViper *viper.Viper) (AppConfig, error) {
	cfg := Load(configViper)
	if err := cfg.validateCloud(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validateDevice() error {
	if strings.TrimSpace(c.Device.ID) == "" {
		return fmt.Errorf("device.id is required")
	}
	if strings.TrimSpace(c.Device.RestaurantID) == "" {
		return fmt.Errorf("restaurant.id is required")
	}
	if strings.TrimSpace(c.Device.QueuePath) == "" {
		return fmt.Errorf("queue.path is required")
	}
	if c.Device.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if strings.TrimSpace(c.Device.CloudURL) != "" && strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required when cloud.url is set")
	}
	return nil
}

func (c AppConfig) validateHub() error {
	if strings.TrimSpace(c.Hub.CachePath) == "" {
		return fmt.Errorf("hub.cache_path is required")
	}
	if strings.TrimSpace(c.Hub.Listen) == "" {
		return fmt.Errorf("hub.listen is required")
	}
	if c.Hub.FlushBatch <= 0 {
		return fmt.Errorf("hub.flush_batch must be positive")
	}
	if strings.TrimSpace(c.Hub.CloudURL) != "" && strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required when cloud.url is set")
	}
	return nil
}

func (c AppConfig) validateCloud() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Cloud.DSN) == "" {
		return fmt.Errorf("cloud.dsn is required")
	}
	switch c.Cloud.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("cloud.driver %q is not supported", c.Cloud.Driver)
	}
	return nil
}

func probeURL(explicit, cloudURL string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if strings.TrimSpace(cloudURL) == "" {
		return ""
	}
	return strings.TrimRight(cloudURL, "/") + "/healthz"
}
