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

	"github.com/joho/godotenv"
)

const (
	DriverAMQP  = "amqp"
	DriverKafka = "kafka"
)

// Config is built once at startup and passed by value to each component.
type Config struct {
	Broker   BrokerConfig
	Store    StoreConfig
	Worker   WorkerConfig
	Health   HealthConfig
	Gateway  GatewayConfig
	Logging  LoggingConfig
	EnvFound bool
}

type BrokerConfig struct {
	Driver                   string
	Host                     string
	Port                     int
	User                     string
	Password                 string
	VHost                    string
	Queue                    string
	Heartbeat                time.Duration
	BlockedConnectionTimeout time.Duration
	DialTimeout              time.Duration
	KafkaBrokers             []string
	KafkaGroupID             string
	MaxAttempts              int
	RetryDelay               time.Duration
}

// AMQPURL renders the connection URL for the AMQP driver.
func (b BrokerConfig) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.User, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
	if b.VHost != "" && b.VHost != "/" {
		u.Path = "/" + b.VHost
	}
	return u.String()
}

// Address is the broker address without credentials, safe to log.
func (b BrokerConfig) Address() string {
	if b.Driver == DriverKafka {
		return strings.Join(b.KafkaBrokers, ",")
	}
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

type StoreConfig struct {
	Path        string
	MaxMessages int
}

type WorkerConfig struct {
	ID              string
	ReconnectDelay  time.Duration
	MaxRedeliveries int
}

type HealthConfig struct {
	Addr string
}

type GatewayConfig struct {
	Addr  string
	Users map[string]string
}

type LoggingConfig struct {
	Level string
}

// Load reads envFile (if it exists) into the process environment and builds
// a Config from it. A missing env file is not an error.
func Load(envFile string) (Config, error) {
	found := false
	if envFile != "" {
		if err := godotenv.Load(envFile); err == nil {
			found = true
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := Config{
		Broker: BrokerConfig{
			Driver:                   strings.ToLower(getEnv("BROKER_DRIVER", DriverAMQP)),
			Host:                     getEnv("RABBITMQ_HOST", "localhost"),
			Port:                     getEnvInt("RABBITMQ_PORT", 5672),
			User:                     getEnv("RABBITMQ_USER", "admin"),
			Password:                 getEnv("RABBITMQ_PASS", "password123"),
			VHost:                    getEnv("RABBITMQ_VHOST", "/"),
			Queue:                    getEnv("RABBITMQ_QUEUE", "messages"),
			Heartbeat:                getEnvDuration("RABBITMQ_HEARTBEAT", 600*time.Second),
			BlockedConnectionTimeout: getEnvDuration("RABBITMQ_BLOCKED_CONNECTION_TIMEOUT", 300*time.Second),
			DialTimeout:              getEnvDuration("BROKER_DIAL_TIMEOUT", 30*time.Second),
			KafkaBrokers:             parseList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			KafkaGroupID:             getEnv("KAFKA_GROUP_ID", "consumer-worker"),
			MaxAttempts:              getEnvInt("CONNECT_MAX_ATTEMPTS", 10),
			RetryDelay:               getEnvDuration("CONNECT_RETRY_DELAY", 5*time.Second),
		},
		Store: StoreConfig{
			Path:        getEnv("PERSISTENCE_FILE", "/app/data/persistence.json"),
			MaxMessages: getEnvInt("PERSISTENCE_MAX_MESSAGES", 1000),
		},
		Worker: WorkerConfig{
			ID:              getEnv("WORKER_ID", getEnv("HOSTNAME", "unknown")),
			ReconnectDelay:  getEnvDuration("RECONNECT_DELAY", 10*time.Second),
			MaxRedeliveries: getEnvInt("WORKER_MAX_REDELIVERIES", 0),
		},
		Health: HealthConfig{
			Addr: getEnv("HEALTH_ADDR", ":8080"),
		},
		Gateway: GatewayConfig{
			Addr:  getEnv("GATEWAY_ADDR", ":5000"),
			Users: parseUsers(getEnv("GATEWAY_USERS", "admin:password123,user:userpass")),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		EnvFound: found,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Broker.Driver {
	case DriverAMQP:
		if c.Broker.Host == "" {
			return errors.New("RABBITMQ_HOST cannot be empty")
		}
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			return fmt.Errorf("RABBITMQ_PORT out of range: %d", c.Broker.Port)
		}
	case DriverKafka:
		if len(c.Broker.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS cannot be empty")
		}
		if c.Broker.KafkaGroupID == "" {
			return errors.New("KAFKA_GROUP_ID cannot be empty")
		}
	default:
		return fmt.Errorf("unknown BROKER_DRIVER %q", c.Broker.Driver)
	}
	if c.Broker.Queue == "" {
		return errors.New("RABBITMQ_QUEUE cannot be empty")
	}
	if c.Broker.MaxAttempts <= 0 {
		return errors.New("CONNECT_MAX_ATTEMPTS must be greater than zero")
	}
	if c.Broker.RetryDelay < 0 || c.Worker.ReconnectDelay < 0 {
		return errors.New("retry delays cannot be negative")
	}
	if c.Store.Path == "" {
		return errors.New("PERSISTENCE_FILE cannot be empty")
	}
	if c.Store.MaxMessages <= 0 {
		return errors.New("PERSISTENCE_MAX_MESSAGES must be greater than zero")
	}
	if c.Worker.MaxRedeliveries < 0 {
		return errors.New("WORKER_MAX_REDELIVERIES cannot be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("5s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func parseList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseUsers reads "name:password,name2:password2".
func parseUsers(s string) map[string]string {
	users := make(map[string]string)
	for _, pair := range parseList(s) {
		name, pass, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			continue
		}
		users[name] = pass
	}
	return users
}
