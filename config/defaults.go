package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off; reconnection token carries no signature either
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")
	viper.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Broker
	viper.SetDefault("broker.type", "redis")
	viper.SetDefault("broker.redis.address", "localhost:6379")
	viper.SetDefault("broker.redis.db", 0)
	viper.SetDefault("broker.redis.poolSize", 100)
	viper.SetDefault("broker.redis.poolTimeout", 5)
	viper.SetDefault("broker.redis.channels.inbound", "gw:inbound")
	viper.SetDefault("broker.redis.channels.outbound", "gw:outbound")
	viper.SetDefault("broker.redis.channels.system", "gw:system")
	viper.SetDefault("broker.redis.channels.connection", "gw:connections")
	viper.SetDefault("broker.kafka.groupID", "workbench-gateway")

	// WebSocket / Frame Layer / Persistent Protocol
	viper.SetDefault("websocket.maxConnections", 10000)
	viper.SetDefault("websocket.messageSizeLimit", 1<<20)
	viper.SetDefault("websocket.reconnectBackoff", 1000)
	viper.SetDefault("websocket.maxRetries", 5)
	viper.SetDefault("websocket.handshakeTimeout", 30)
	viper.SetDefault("websocket.pingInterval", 25)
	viper.SetDefault("websocket.pongTimeout", 30)
	viper.SetDefault("websocket.activityTimeout", 60)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.keepAlive", true)
	viper.SetDefault("websocket.sessionTTL", 90)
	viper.SetDefault("websocket.outgoingBufferLimit", 8<<20)
	viper.SetDefault("websocket.recordedInflateBytes", 32<<10)

	// Workbench (out-of-core HTTP surface)
	viper.SetDefault("workbench.staticRoot", "./static")
	viper.SetDefault("workbench.templatePath", "./static/workbench.html")
	viper.SetDefault("workbench.welcomeBanner", "")
	viper.SetDefault("workbench.productCommit", "dev")
	viper.SetDefault("workbench.defaultLocale", "en")

	// Extension Host Supervisor
	viper.SetDefault("extensionHost.workerPath", "./extension-host/worker")
	viper.SetDefault("extensionHost.uriTransformerPath", "./extension-host/uriTransformer.js")
	viper.SetDefault("extensionHost.debugPortRangeBase", 9229)
	viper.SetDefault("extensionHost.debugPortRangeSize", 10)
	viper.SetDefault("extensionHost.maxPortAttempts", 6000)
	viper.SetDefault("extensionHost.logLevel", "info")

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}
