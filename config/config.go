// Package config loads the server configuration from an optional YAML
// file, TASKSYNC_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Store     StoreConfig
	WebSocket WebSocketConfig
	Rollover  RolloverConfig
	Relay     RelayConfig
	Presence  PresenceConfig
	Redis     RedisConfig
	Metrics   MetricsConfig
	Log       LogConfig
	Protocol  ProtocolConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     int // Seconds
	WriteTimeout    int // Seconds
	ShutdownTimeout int // Seconds
	WSPath          string
	// ServerID identifies this instance on the relay. Generated when empty.
	ServerID string
}

type StoreConfig struct {
	Path           string
	PoolSize       int
	AcquireTimeout int // Milliseconds
	BusyTimeout    int // Milliseconds
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	ReconnectBackoff int // Milliseconds
	MaxRetries       int
	KeepAlive        bool
	SendQueueSize    int
	FanoutTimeout    int // Seconds
}

type RolloverConfig struct {
	Enabled  bool
	Hour     int
	Minute   int
	Timezone string
}

type RelayConfig struct {
	Type    string // none, memory, redis or kafka
	Channel string
	Kafka   KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	// GroupPrefix is suffixed with the server id: every instance must
	// consume every relayed message.
	GroupPrefix string
}

type PresenceConfig struct {
	Type string // memory or redis
	TTL  int    // Seconds
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LogConfig struct {
	Level  string
	Format string
}

type ProtocolConfig struct {
	// SplitCompletion also sends related_task_completed on completion.
	SplitCompletion bool
}

var (
	instance *AppConfig
	once     sync.Once
)

// Load reads the configuration into v. file, when set, is read as is;
// otherwise config.<env>.yaml is looked up in ./configs and the working
// directory and may be absent.
func Load(v *viper.Viper, env, file string) (*AppConfig, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TASKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Initialize loads the process-wide configuration once.
func Initialize(env, file string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = Load(viper.GetViper(), env, file)
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
