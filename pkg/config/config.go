package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config is shared by the terminal client and the reference services. Each
// binary reads only the sections it needs.
type Config struct {
	Logging LoggingConfig `koanf:"logging"`
	Client  ClientConfig  `koanf:"client"`
	Gateway GatewayConfig `koanf:"gateway"`
	API     APIConfig     `koanf:"api"`
	Auth    AuthConfig    `koanf:"auth"`
	Kafka   KafkaConfig   `koanf:"kafka"`
	Redis   RedisConfig   `koanf:"redis"`
	Scylla  ScyllaConfig  `koanf:"scylla"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type ClientConfig struct {
	SocketURL string `koanf:"socket_url"`
	APIURL    string `koanf:"api_url"`

	// EchoTimeout bounds how long an optimistic send waits for its echo
	// before it is marked failed.
	EchoTimeout time.Duration `koanf:"echo_timeout"`
	// EchoMatchWindow is the createdAt tolerance used when an echo carries no
	// client id and has to be matched by content.
	EchoMatchWindow  time.Duration `koanf:"echo_match_window"`
	OrphanRetryDelay time.Duration `koanf:"orphan_retry_delay"`
	TypingTTL        time.Duration `koanf:"typing_ttl"`
	TypingIdle       time.Duration `koanf:"typing_idle"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	PageSize         int           `koanf:"page_size"`

	Reconnect ReconnectConfig `koanf:"reconnect"`
}

// ReconnectConfig is the opt-in backoff redial policy of the transport.
type ReconnectConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Initial     time.Duration `koanf:"initial"`
	Max         time.Duration `koanf:"max"`
	MaxAttempts int           `koanf:"max_attempts"`
}

type GatewayConfig struct {
	Addr           string  `koanf:"addr"`
	NodeID         int64   `koanf:"node_id"`
	MaxMessageSize int64   `koanf:"max_message_size"`
	RateLimit      float64 `koanf:"rate_limit"`
	RateBurst      int     `koanf:"rate_burst"`
}

type APIConfig struct {
	Addr     string `koanf:"addr"`
	MaxLimit int    `koanf:"max_limit"`
	// SupportAgent is the participant added to every admin support
	// conversation.
	SupportAgent string `koanf:"support_agent"`
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	GroupID string   `koanf:"group_id"`
}

type RedisConfig struct {
	Addr string `koanf:"addr"`
}

type ScyllaConfig struct {
	Hosts    []string      `koanf:"hosts"`
	Keyspace string        `koanf:"keyspace"`
	Timeout  time.Duration `koanf:"timeout"`
}

// Validate checks the values every binary depends on.
func (c *Config) Validate() error {
	var errs []error

	if _, err := url.Parse(c.Client.SocketURL); err != nil || c.Client.SocketURL == "" {
		errs = append(errs, fmt.Errorf("client.socket_url: invalid url %q", c.Client.SocketURL))
	}
	if _, err := url.Parse(c.Client.APIURL); err != nil || c.Client.APIURL == "" {
		errs = append(errs, fmt.Errorf("client.api_url: invalid url %q", c.Client.APIURL))
	}
	if c.Client.EchoTimeout <= 0 {
		errs = append(errs, errors.New("client.echo_timeout must be positive"))
	}
	if c.Client.TypingTTL <= 0 || c.Client.TypingIdle <= 0 {
		errs = append(errs, errors.New("client.typing_ttl and client.typing_idle must be positive"))
	}
	if c.Client.TypingIdle >= c.Client.TypingTTL {
		errs = append(errs, errors.New("client.typing_idle must be shorter than client.typing_ttl"))
	}
	if c.Client.PageSize <= 0 {
		errs = append(errs, errors.New("client.page_size must be positive"))
	}
	if r := c.Client.Reconnect; r.Enabled && (r.Initial <= 0 || r.Max < r.Initial) {
		errs = append(errs, errors.New("client.reconnect: initial must be positive and not exceed max"))
	}
	if c.Gateway.NodeID < 0 || c.Gateway.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("gateway.node_id %d out of range 0-1023", c.Gateway.NodeID))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	return errors.Join(errs...)
}
