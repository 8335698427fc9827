package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// AppConfig is the root configuration for the gateway process.
type AppConfig struct {
	Server        ServerConfig
	Auth          AuthConfig
	Broker        BrokerConfig
	WebSocket     WebSocketConfig
	Workbench     WorkbenchConfig
	ExtensionHost ExtensionHostConfig
	Metrics       MetricsConfig
}

// ServerConfig controls the HTTP listener that serves static assets and
// upgrades WebSocket connections.
type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

// AuthConfig gates the WebSocket upgrade behind a bearer JWT, independent
// of the reconnection-token identity model routing keys on. Disabled by
// default since the reconnection token itself carries no signature.
type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

// BrokerConfig selects and configures the cross-instance fan-out substrate
// used to route extension-host debug broadcasts between gateway replicas.
type BrokerConfig struct {
	Type  string // "redis" or "kafka"
	Redis RedisConfig
	Kafka KafkaConfig
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	Channels    RedisChannels
	PoolSize    int
	PoolTimeout int
}

type RedisChannels struct {
	Inbound    string
	Outbound   string
	System     string
	Connection string
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// WebSocketConfig configures the Frame Layer and Persistent Protocol. The
// gateway reads HandshakeTimeout, OutgoingBufferLimit, RecordedInflateBytes
// and SessionTTL; the remaining fields are validated but not read by any
// package in this module.
type WebSocketConfig struct {
	MaxConnections       int
	MessageSizeLimit     int
	HandshakeTimeout     int // Seconds; bounds writing the HTTP upgrade response
	PingInterval         int // Seconds
	PongTimeout          int // Seconds
	ActivityTimeout      int // Seconds
	WriteTimeout         int // Seconds
	ReconnectBackoff     int // Milliseconds
	MaxRetries           int
	KeepAlive            bool
	SessionTTL           int // Seconds; presence-directory TTL, not registry persistence
	OutgoingBufferLimit  int // Bytes; ProtocolOverflow threshold
	RecordedInflateBytes int // Bytes; size of the recorded-inflate-tail ring
}

// WorkbenchConfig describes the static editor asset tree and the HTML
// template the out-of-core HTTP surface fills in.
type WorkbenchConfig struct {
	StaticRoot       string
	TemplatePath     string
	WelcomeBanner    string
	ProductCommit    string
	DefaultLocale    string
}

// ExtensionHostConfig parameterizes the Extension-Host Supervisor's fork.
type ExtensionHostConfig struct {
	WorkerPath        string
	URITransformerPath string
	DebugPortRangeBase int
	DebugPortRangeSize int
	MaxPortAttempts    int
	NLSConfig          string
	LogLevel           string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads configuration for the given environment name exactly
// once per process.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("WSGATEWAY")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
			// No config file on disk is fine; defaults plus env vars still apply.
		}

		var cfg AppConfig
		if err := viper.Unmarshal(&cfg); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := cfg.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
		instance = &cfg
	})
	return initErr
}

// Get returns the process-wide configuration. Must be called after Initialize.
func Get() *AppConfig {
	return instance
}
