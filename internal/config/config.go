package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/pubsub"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "ERDCOLLAB"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "erdcollab.db"
	defaultLogLevel            = "info"
	defaultIssuer              = "erdcollab"
	defaultBusDriver           = pubsub.DriverMemory
	defaultTopicPrefix         = "collaboration.project."
	defaultRedisAddress        = "127.0.0.1:6379"
	defaultNATSServers         = "nats://127.0.0.1:4222"
	defaultNATSName            = "erdcollab"
	defaultOutboundBuffer      = 64
	defaultTaskTimeout         = 10 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultCursorRelayInterval = time.Duration(0)
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress         string
	LogLevel            string
	SigningSecret       string
	Issuer              string
	DatabasePath        string
	AllowedOrigins      []string
	Bus                 pubsub.Config
	TopicPrefix         string
	OutboundBuffer      int
	CursorRelayInterval time.Duration
	TaskTimeout         time.Duration
	ShutdownTimeout     time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("bus.driver", defaultBusDriver)
	configViper.SetDefault("bus.topic_prefix", defaultTopicPrefix)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("nats.servers", defaultNATSServers)
	configViper.SetDefault("nats.name", defaultNATSName)
	configViper.SetDefault("collab.outbound_buffer", defaultOutboundBuffer)
	configViper.SetDefault("collab.cursor_relay_interval", defaultCursorRelayInterval)
	configViper.SetDefault("collab.task_timeout", defaultTaskTimeout)
	configViper.SetDefault("shutdown.timeout", defaultShutdownTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	driver, err := pubsub.NormalizeDriver(configViper.GetString("bus.driver"))
	if err != nil {
		return AppConfig{}, err
	}
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		DatabasePath:   configViper.GetString("database.path"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		Bus: pubsub.Config{
			Driver: driver,
			Redis: pubsub.RedisConfig{
				Address:  configViper.GetString("redis.address"),
				Password: configViper.GetString("redis.password"),
				DB:       configViper.GetInt("redis.db"),
			},
			NATS: pubsub.NATSConfig{
				Servers: splitList(configViper.GetStringSlice("nats.servers")),
				Name:    configViper.GetString("nats.name"),
			},
		},
		TopicPrefix:         configViper.GetString("bus.topic_prefix"),
		OutboundBuffer:      configViper.GetInt("collab.outbound_buffer"),
		CursorRelayInterval: configViper.GetDuration("collab.cursor_relay_interval"),
		TaskTimeout:         configViper.GetDuration("collab.task_timeout"),
		ShutdownTimeout:     configViper.GetDuration("shutdown.timeout"),
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
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TopicPrefix) == "" {
		return fmt.Errorf("bus.topic_prefix is required")
	}
	if strings.ContainsAny(c.TopicPrefix, " \t*>") {
		return fmt.Errorf("bus.topic_prefix %q contains characters not allowed in topic names", c.TopicPrefix)
	}
	switch c.Bus.Driver {
	case pubsub.DriverRedis:
		if strings.TrimSpace(c.Bus.Redis.Address) == "" {
			return fmt.Errorf("redis.address is required for the redis bus")
		}
	case pubsub.DriverNATS:
		if len(c.Bus.NATS.Servers) == 0 {
			return fmt.Errorf("nats.servers is required for the nats bus")
		}
	}
	if c.OutboundBuffer <= 0 {
		return fmt.Errorf("collab.outbound_buffer must be positive")
	}
	if c.CursorRelayInterval < 0 {
		return fmt.Errorf("collab.cursor_relay_interval must not be negative")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value,
// which is how list settings arrive from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
