package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	libconfig "stationlink/backend/libs/config"
)

// Config defines OCPP server configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	OCPP      OCPPConfig      `yaml:"ocpp"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// HTTPConfig is the shared listener for stations and the admin API.
type HTTPConfig struct {
	Port       string `yaml:"port" env:"OCPP_HTTP_PORT"`
	PathPrefix string `yaml:"pathPrefix" env:"OCPP_PATH_PREFIX"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"pingInterval" env:"OCPP_PING_INTERVAL"`
	PongWait     time.Duration `yaml:"pongWait" env:"OCPP_PONG_WAIT"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"OCPP_WRITE_TIMEOUT"`
	ReadLimit    int64         `yaml:"readLimit" env:"OCPP_READ_LIMIT"`
	SendQueue    int           `yaml:"sendQueue" env:"OCPP_SEND_QUEUE"`
	Subprotocols []string      `yaml:"subprotocols" env:"OCPP_SUBPROTOCOLS"`
}

type OCPPConfig struct {
	CallTimeout       time.Duration `yaml:"callTimeout" env:"OCPP_CALL_TIMEOUT"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"OCPP_HEARTBEAT_INTERVAL"`
	SubscriberWait    time.Duration `yaml:"subscriberWait" env:"OCPP_SUBSCRIBER_WAIT"`
	NodeID            string        `yaml:"nodeId" env:"OCPP_NODE_ID"`
}

type AuthConfig struct {
	// BasicAuth requires stations to present HTTP Basic credentials; it needs the database.
	BasicAuth      bool          `yaml:"basicAuth" env:"OCPP_BASIC_AUTH"`
	AdminJWTSecret string        `yaml:"adminJwtSecret" env:"OCPP_ADMIN_JWT_SECRET"`
	AdminTokenTTL  time.Duration `yaml:"adminTokenTtl" env:"OCPP_ADMIN_TOKEN_TTL"`
	BcryptCost     int           `yaml:"bcryptCost" env:"OCPP_BCRYPT_COST"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn" env:"OCPP_POSTGRES_DSN"`
	MaxOpenConns int    `yaml:"maxOpenConns" env:"OCPP_POSTGRES_MAX_OPEN_CONNS"`
	FrameLog     bool   `yaml:"frameLog" env:"OCPP_FRAME_LOG"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"OCPP_REDIS_ADDR"`
	Password    string        `yaml:"password" env:"OCPP_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"OCPP_REDIS_DB"`
	PresenceTTL time.Duration `yaml:"presenceTtl" env:"OCPP_PRESENCE_TTL"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"OCPP_MQTT_BROKER"`
	ClientID    string `yaml:"clientId" env:"OCPP_MQTT_CLIENT_ID"`
	Username    string `yaml:"username" env:"OCPP_MQTT_USERNAME"`
	Password    string `yaml:"password" env:"OCPP_MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topicPrefix" env:"OCPP_MQTT_TOPIC_PREFIX"`
	QoS         int    `yaml:"qos" env:"OCPP_MQTT_QOS"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: "8081", PathPrefix: "/ocpp/"},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 15 * time.Second,
			ReadLimit:    1 << 20,
			SendQueue:    16,
			Subprotocols: []string{"ocpp1.6", "ocpp2.0.1"},
		},
		OCPP: OCPPConfig{
			CallTimeout:       30 * time.Second,
			HeartbeatInterval: 5 * time.Minute,
			SubscriberWait:    5 * time.Second,
		},
		Auth:     AuthConfig{AdminTokenTTL: time.Hour},
		Database: DatabaseConfig{MaxOpenConns: 10, FrameLog: true},
		Redis:    RedisConfig{PresenceTTL: 90 * time.Second},
		MQTT:     MQTTConfig{TopicPrefix: "stationlink/stations", QoS: 1},
	}
}

// Load uses shared config loader and validates the result.
func Load() (*Config, error) {
	return LoadWithLookup(os.LookupEnv)
}

// LoadWithLookup is Load with an injectable environment.
func LoadWithLookup(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfigWithLookup(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.HTTP.PathPrefix, "/") || !strings.HasSuffix(c.HTTP.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("http.pathPrefix %q must start and end with /", c.HTTP.PathPrefix))
	}
	if c.HTTP.PathPrefix == "/" || strings.HasPrefix(c.HTTP.PathPrefix, "/api/") || c.HTTP.PathPrefix == "/health/" {
		errs = append(errs, fmt.Errorf("http.pathPrefix %q collides with the admin API", c.HTTP.PathPrefix))
	}
	if c.WebSocket.PingInterval <= 0 {
		errs = append(errs, errors.New("websocket.pingInterval must be positive"))
	}
	if c.WebSocket.PongWait != 0 && c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		errs = append(errs, errors.New("websocket.pongWait must exceed websocket.pingInterval"))
	}
	if len(c.WebSocket.Subprotocols) == 0 {
		errs = append(errs, errors.New("websocket.subprotocols must not be empty"))
	}
	if c.OCPP.CallTimeout <= 0 {
		errs = append(errs, errors.New("ocpp.callTimeout must be positive"))
	}
	if c.Auth.BasicAuth && !c.DatabaseEnabled() {
		errs = append(errs, errors.New("auth.basicAuth requires database.dsn"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8081"
	}
	if strings.Contains(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// DatabaseEnabled reports whether Postgres is configured.
func (c *Config) DatabaseEnabled() bool { return strings.TrimSpace(c.Database.DSN) != "" }

// RedisEnabled reports whether the presence index is configured.
func (c *Config) RedisEnabled() bool { return strings.TrimSpace(c.Redis.Addr) != "" }

// MQTTEnabled reports whether event publishing is configured.
func (c *Config) MQTTEnabled() bool { return strings.TrimSpace(c.MQTT.Broker) != "" }

// NodeID names this process in presence records and MQTT events.
func (c *Config) NodeID() string {
	if c.OCPP.NodeID != "" {
		return c.OCPP.NodeID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ocpp-server"
	}
	return host
}
