package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	ICE            ICEConfig
	Relay          RelayConfig
	Call           CallConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ICEConfig lists the STUN and TURN servers handed to every peer connection.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

// RelayConfig selects the pub/sub relay the signaling transport runs on.
type RelayConfig struct {
	Kind       string // "websocket", "redis", "mqtt", "gossip" or "memory"
	URL        string // base URL of the signaling server for the websocket relay
	MQTTBroker string
	Token      string
	Gossip     GossipConfig
}

// GossipConfig configures the serverless libp2p relay.
type GossipConfig struct {
	ListenAddrs []string
	Peers       []string
	MDNSTag     string
	// LogLevel applies to libp2p's own loggers while a relay is running.
	LogLevel string
}

type CallConfig struct {
	RestartTimeout time.Duration
	CallTTL        time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := getEnvList("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		ICE: ICEConfig{
			STUNURLs:       getEnvList("STUN_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"),
			TURNURLs:       getEnvList("TURN_URLS", ""),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
		},
		Relay: RelayConfig{
			Kind:       getEnv("RELAY_KIND", "websocket"),
			URL:        getEnv("RELAY_URL", "http://localhost:8080"),
			MQTTBroker: getEnv("MQTT_BROKER", "tcp://localhost:1883"),
			Token:      getEnv("RELAY_TOKEN", ""),
			Gossip: GossipConfig{
				ListenAddrs: getEnvList("GOSSIP_LISTEN", "/ip4/0.0.0.0/tcp/0"),
				Peers:       getEnvList("GOSSIP_PEERS", ""),
				MDNSTag:     getEnv("GOSSIP_MDNS_TAG", "webrtc-calls"),
				LogLevel:    getEnv("GOSSIP_LOG_LEVEL", "error"),
			},
		},
		Call: CallConfig{
			RestartTimeout: getEnvDuration("ICE_RESTART_TIMEOUT", 15*time.Second),
			CallTTL:        getEnvDuration("CALL_TTL", 24*time.Hour),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
