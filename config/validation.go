package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return errors.New("server.wsPath must start with '/'")
	}

	if c.Store.Path == "" {
		return errors.New("store.path must be set")
	}
	if c.Store.PoolSize < 1 {
		return errors.New("store pool size must be positive")
	}
	if c.Store.AcquireTimeout < 1 {
		return errors.New("store acquire timeout must be positive")
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}
	if c.WebSocket.SendQueueSize < 1 {
		return errors.New("send queue size must be positive")
	}

	if c.Rollover.Hour < 0 || c.Rollover.Hour > 23 || c.Rollover.Minute < 0 || c.Rollover.Minute > 59 {
		return fmt.Errorf("invalid rollover time %02d:%02d", c.Rollover.Hour, c.Rollover.Minute)
	}
	if _, err := time.LoadLocation(c.Rollover.Timezone); err != nil {
		return fmt.Errorf("invalid rollover timezone %q: %w", c.Rollover.Timezone, err)
	}

	// Validate relay configuration
	switch strings.ToLower(c.Relay.Type) {
	case "none":
	case "memory":
		if c.Relay.Channel == "" {
			return errors.New("relay channel must be configured")
		}
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis relay")
		}
		if c.Relay.Channel == "" {
			return errors.New("relay channel must be configured")
		}
	case "kafka":
		if len(c.Relay.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka relay")
		}
		if c.Relay.Kafka.GroupPrefix == "" {
			return errors.New("kafka group prefix must be specified for kafka relay")
		}
		if c.Relay.Channel == "" {
			return errors.New("relay channel must be configured")
		}
	default:
		return fmt.Errorf("invalid relay type: %s. Must be 'none', 'memory', 'redis' or 'kafka'", c.Relay.Type)
	}

	switch strings.ToLower(c.Presence.Type) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis presence")
		}
		if c.Presence.TTL <= c.WebSocket.ActivityTimeout {
			return errors.New("presence TTL should be greater than activity timeout")
		}
	default:
		return fmt.Errorf("invalid presence type: %s. Must be 'memory' or 'redis'", c.Presence.Type)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s. Must be 'text' or 'json'", c.Log.Format)
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "TASKSYNC_PORT")
	v.BindEnv("server.serverId", "TASKSYNC_SERVER_ID")

	// Store
	v.BindEnv("store.path", "TASKSYNC_DB_PATH")
	v.BindEnv("store.poolSize", "TASKSYNC_DB_POOL_SIZE")
	v.BindEnv("store.acquireTimeout", "TASKSYNC_DB_ACQUIRE_TIMEOUT")

	// Rollover
	v.BindEnv("rollover.enabled", "TASKSYNC_ROLLOVER_ENABLED")
	v.BindEnv("rollover.timezone", "TASKSYNC_ROLLOVER_TZ")

	// Relay
	v.BindEnv("relay.type", "TASKSYNC_RELAY_TYPE")
	v.BindEnv("relay.kafka.brokers", "TASKSYNC_KAFKA_BROKERS")
	v.BindEnv("relay.kafka.groupPrefix", "TASKSYNC_KAFKA_GROUP_PREFIX")

	// Presence
	v.BindEnv("presence.type", "TASKSYNC_PRESENCE_TYPE")

	// Redis
	v.BindEnv("redis.address", "TASKSYNC_REDIS_ADDRESS")
	v.BindEnv("redis.password", "TASKSYNC_REDIS_PASSWORD")

	// WebSocket
	v.BindEnv("websocket.pingInterval", "TASKSYNC_PING_INTERVAL")
	v.BindEnv("websocket.activityTimeout", "TASKSYNC_ACTIVITY_TIMEOUT")
	v.BindEnv("websocket.writeTimeout", "TASKSYNC_WRITE_TIMEOUT")

	// Log
	v.BindEnv("log.level", "TASKSYNC_LOG_LEVEL")
	v.BindEnv("log.format", "TASKSYNC_LOG_FORMAT")
}
