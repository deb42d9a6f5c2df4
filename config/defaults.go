package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.shutdownTimeout", 30)
	v.SetDefault("server.wsPath", "/ws/taskbar")
	v.SetDefault("server.serverId", "")

	// Store
	v.SetDefault("store.path", "tasksync.db")
	v.SetDefault("store.poolSize", 4)
	v.SetDefault("store.acquireTimeout", 5000)
	v.SetDefault("store.busyTimeout", 5000)

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 65536)
	v.SetDefault("websocket.reconnectBackoff", 200)
	v.SetDefault("websocket.maxRetries", 3)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 30)
	v.SetDefault("websocket.activityTimeout", 300)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.keepAlive", true)
	v.SetDefault("websocket.sendQueueSize", 256)
	v.SetDefault("websocket.fanoutTimeout", 10)

	// Rollover
	v.SetDefault("rollover.enabled", true)
	v.SetDefault("rollover.hour", 0)
	v.SetDefault("rollover.minute", 0)
	v.SetDefault("rollover.timezone", "America/Chicago")

	// Relay
	v.SetDefault("relay.type", "none")
	v.SetDefault("relay.channel", "tasksync-fanout")
	v.SetDefault("relay.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("relay.kafka.groupPrefix", "tasksync")

	// Presence
	v.SetDefault("presence.type", "memory")
	v.SetDefault("presence.ttl", 600)

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 100)
	v.SetDefault("redis.poolTimeout", 5)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Protocol
	v.SetDefault("protocol.splitCompletion", false)
}
