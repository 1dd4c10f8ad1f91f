package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

var DefaultConfigPaths = []string{
	"chatsync.yaml",
	"chatsync.yml",
	"/etc/chatsync/config.yaml",
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Client: ClientConfig{
			SocketURL:        "ws://localhost:8080/ws",
			APIURL:           "http://localhost:8081",
			EchoTimeout:      10 * time.Second,
			EchoMatchWindow:  5 * time.Second,
			OrphanRetryDelay: 750 * time.Millisecond,
			TypingTTL:        5 * time.Second,
			TypingIdle:       2 * time.Second,
			SweepInterval:    time.Second,
			RequestTimeout:   15 * time.Second,
			PageSize:         50,
			Reconnect: ReconnectConfig{
				Enabled:     false,
				Initial:     time.Second,
				Max:         30 * time.Second,
				MaxAttempts: 8,
			},
		},
		Gateway: GatewayConfig{
			Addr:           ":8080",
			NodeID:         1,
			MaxMessageSize: 8192,
			RateLimit:      20,
			RateBurst:      40,
		},
		API: APIConfig{
			Addr:         ":8081",
			MaxLimit:     200,
			SupportAgent: "support",
		},
		Auth: AuthConfig{
			JWTSecret: "dev_secret_change_me",
			TokenTTL:  24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:19092"},
			Topic:   "chat-events",
			GroupID: "messaging-service-group",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Scylla: ScyllaConfig{
			Hosts:    []string{"localhost:9042"},
			Keyspace: "chat",
			Timeout:  5 * time.Second,
		},
	}
}

// Load layers defaults, an optional yaml file and environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"kafka.brokers",
	"scylla.hosts",
}

// processSliceFields splits comma separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"log_level":  "logging.level",
	"log_format": "logging.format",

	"chat_socket_url":         "client.socket_url",
	"chat_api_url":            "client.api_url",
	"chat_echo_timeout":       "client.echo_timeout",
	"chat_echo_match_window":  "client.echo_match_window",
	"chat_orphan_retry_delay": "client.orphan_retry_delay",
	"chat_typing_ttl":         "client.typing_ttl",
	"chat_typing_idle":        "client.typing_idle",
	"chat_page_size":          "client.page_size",
	"chat_request_timeout":    "client.request_timeout",
	"chat_reconnect_enabled":  "client.reconnect.enabled",
	"chat_reconnect_initial":  "client.reconnect.initial",
	"chat_reconnect_max":      "client.reconnect.max",
	"chat_reconnect_attempts": "client.reconnect.max_attempts",

	"gateway_addr":       "gateway.addr",
	"gateway_node_id":    "gateway.node_id",
	"gateway_rate_limit": "gateway.rate_limit",
	"gateway_rate_burst": "gateway.rate_burst",
	"api_addr":           "api.addr",
	"api_support_agent":  "api.support_agent",

	"jwt_secret":    "auth.jwt_secret",
	"jwt_token_ttl": "auth.token_ttl",

	"kafka_brokers":   "kafka.brokers",
	"kafka_topic":     "kafka.topic",
	"kafka_group_id":  "kafka.group_id",
	"redis_addr":      "redis.addr",
	"scylla_hosts":    "scylla.hosts",
	"scylla_keyspace": "scylla.keyspace",
}

// envTransformFunc maps known variables onto config keys and drops the rest.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
