// Package config loads svcbus configuration from a YAML file, defaults
// and SVCBUS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SVCBUS_"

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Broker  BrokerConfig  `koanf:"broker"`
	Service ServiceConfig `koanf:"service"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type BrokerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	Vhost          string        `koanf:"vhost"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	Heartbeat      time.Duration `koanf:"heartbeat"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
	MaxReconnects  int           `koanf:"max_reconnects"` // -1 = unlimited
}

type ServiceConfig struct {
	Name           string        `koanf:"name"`
	InstanceID     string        `koanf:"instance_id"` // empty = derive from host
	RequestTimeout time.Duration `koanf:"request_timeout"`
	Concurrency    int           `koanf:"concurrency"`
}

type LogConfig struct {
	Level    string `koanf:"level"`
	Encoding string `koanf:"encoding"`
	File     string `koanf:"file"`
}

type MetricsConfig struct {
	Address string `koanf:"address"` // empty disables the /metrics endpoint
}

// Load reads path (optional), then applies defaults and env overrides
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Apply defaults and environment variable overrides
	applyDefaults(k)
	applyEnvOverrides(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func applyDefaults(k *koanf.Koanf) {
	// Broker defaults
	setDefault(k, "broker.host", "rabbitmq")
	setDefault(k, "broker.port", 5672)
	setDefault(k, "broker.username", "guest")
	setDefault(k, "broker.password", "guest")
	setDefault(k, "broker.vhost", "/")
	setDefault(k, "broker.connect_timeout", 2*time.Second)
	setDefault(k, "broker.heartbeat", 10*time.Second)
	setDefault(k, "broker.publish_timeout", 2*time.Second)
	setDefault(k, "broker.reconnect_delay", time.Second)
	setDefault(k, "broker.max_reconnects", -1)

	// Service defaults
	setDefault(k, "service.request_timeout", 5*time.Second)
	setDefault(k, "service.concurrency", 20)

	// Log defaults
	setDefault(k, "log.level", "info")
	setDefault(k, "log.encoding", "json")
}

func applyEnvOverrides(k *koanf.Koanf) {
	// Broker config from env
	if host := getString("BROKER_HOST"); host != "" {
		k.Set("broker.host", host)
	}
	if port := getInt("BROKER_PORT"); port > 0 {
		k.Set("broker.port", port)
	}
	if user := getString("BROKER_USERNAME"); user != "" {
		k.Set("broker.username", user)
	}
	if password := getString("BROKER_PASSWORD"); password != "" {
		k.Set("broker.password", password)
	}
	if vhost := getString("BROKER_VHOST"); vhost != "" {
		k.Set("broker.vhost", vhost)
	}
	if d := getDuration("BROKER_CONNECT_TIMEOUT"); d > 0 {
		k.Set("broker.connect_timeout", d)
	}
	if d := getDuration("BROKER_HEARTBEAT"); d > 0 {
		k.Set("broker.heartbeat", d)
	}
	if d := getDuration("BROKER_PUBLISH_TIMEOUT"); d > 0 {
		k.Set("broker.publish_timeout", d)
	}

	// Service config from env
	if name := getString("SERVICE_NAME"); name != "" {
		k.Set("service.name", name)
	}
	if id := getString("SERVICE_INSTANCE_ID"); id != "" {
		k.Set("service.instance_id", id)
	}
	if d := getDuration("SERVICE_REQUEST_TIMEOUT"); d > 0 {
		k.Set("service.request_timeout", d)
	}

	// Log and metrics config from env
	if level := getString("LOG_LEVEL"); level != "" {
		k.Set("log.level", level)
	}
	if file := getString("LOG_FILE"); file != "" {
		k.Set("log.file", file)
	}
	if addr := getString("METRICS_ADDRESS"); addr != "" {
		k.Set("metrics.address", addr)
	}
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value interface{}) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}

func getString(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func getInt(key string) int {
	n, err := strconv.Atoi(getString(key))
	if err != nil {
		return 0
	}
	return n
}

func getDuration(key string) time.Duration {
	d, err := time.ParseDuration(getString(key))
	if err != nil {
		return 0
	}
	return d
}

// Validate checks the values a broker connection depends on
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Broker.Host) == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d out of range", c.Broker.Port))
	}
	if c.Broker.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("broker.connect_timeout must be positive"))
	}
	if c.Broker.Heartbeat <= 0 {
		errs = append(errs, errors.New("broker.heartbeat must be positive"))
	}
	if c.Broker.PublishTimeout <= 0 {
		errs = append(errs, errors.New("broker.publish_timeout must be positive"))
	}
	if c.Service.RequestTimeout <= 0 {
		errs = append(errs, errors.New("service.request_timeout must be positive"))
	}
	if c.Service.Concurrency <= 0 {
		errs = append(errs, errors.New("service.concurrency must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// URL returns the AMQP URL for the broker. The vhost travels separately
// in the connection config.
func (b BrokerConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.Username, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
		Path:   "/",
	}
	return u.String()
}
