package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/agent-jobs/internal/dispatcher"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Broker transports
const (
	BrokerModeHTTP     = "http"
	BrokerModeAMQP     = "amqp"
	BrokerModeLoopback = "loopback"
)

// Environment variables that override file values
const (
	EnvStoreURL          = "REDIS_URL"
	EnvStoreToken        = "REDIS_TOKEN"
	EnvBrokerURL         = "BROKER_URL"
	EnvBrokerToken       = "BROKER_TOKEN"
	EnvCurrentSigningKey = "BROKER_CURRENT_SIGNING_KEY"
	EnvNextSigningKey    = "BROKER_NEXT_SIGNING_KEY"
	EnvCallbackURL       = "AGENT_JOB_CALLBACK_URL"
	EnvAppBaseURL        = "APP_BASE_URL"
	EnvDatabasePassword  = "DATABASE_PASSWORD"
	EnvRabbitMQURL       = "RABBITMQ_URL"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Store    StoreConfig    `yaml:"store"`
	Broker   BrokerConfig   `yaml:"broker"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig holds the job store (Redis) configuration
type StoreConfig struct {
	URL          string           `yaml:"url"`
	Token        string           `yaml:"token"`
	DB           int              `yaml:"db"`
	PoolSize     int              `yaml:"pool_size"`
	KeyPrefix    string           `yaml:"key_prefix"`
	JobTTL       time.Duration    `yaml:"job_ttl"`
	HistoryLimit int              `yaml:"history_limit"`
	Connection   ConnectionConfig `yaml:"connection"`
}

// BrokerConfig holds the job notification transport configuration
type BrokerConfig struct {
	Mode              string `yaml:"mode"`
	URL               string `yaml:"url"`
	Token             string `yaml:"token"`
	CurrentSigningKey string `yaml:"current_signing_key"`
	NextSigningKey    string `yaml:"next_signing_key"`
	CallbackURL       string `yaml:"callback_url"`
	AppBaseURL        string `yaml:"app_base_url"`
}

// DatabaseConfig holds PostgreSQL connection configuration for the job archive
type DatabaseConfig struct {
	Enabled         bool             `yaml:"enabled"`
	Host            string           `yaml:"host"`
	Port            int              `yaml:"port"`
	User            string           `yaml:"user"`
	Password        string           `yaml:"password"`
	Database        string           `yaml:"database"`
	SSLMode         string           `yaml:"sslmode"`
	MaxOpenConns    int              `yaml:"max_open_conns"`
	MaxIdleConns    int              `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration    `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration    `yaml:"conn_max_idle_time"`
	Connection      ConnectionConfig `yaml:"connection"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	URL        string           `yaml:"url"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds connection retry settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds job processing configuration, shared by the
// worker service and the API's broker callback
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ClaimTTL        time.Duration `yaml:"claim_ttl"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SweeperConfig holds the stuck-job re-dispatch settings
type SweeperConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"grace_period"`
	BatchSize   int           `yaml:"batch_size"`
}

// Load reads and parses the configuration file, then applies environment
// overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv(os.LookupEnv)

	return &config, nil
}

// applyEnv overwrites secrets and endpoints with environment values when set
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		name   string
		target *string
	}{
		{EnvStoreURL, &c.Store.URL},
		{EnvStoreToken, &c.Store.Token},
		{EnvBrokerURL, &c.Broker.URL},
		{EnvBrokerToken, &c.Broker.Token},
		{EnvCurrentSigningKey, &c.Broker.CurrentSigningKey},
		{EnvNextSigningKey, &c.Broker.NextSigningKey},
		{EnvCallbackURL, &c.Broker.CallbackURL},
		{EnvAppBaseURL, &c.Broker.AppBaseURL},
		{EnvDatabasePassword, &c.Database.Password},
		{EnvRabbitMQURL, &c.RabbitMQ.URL},
	}

	for _, o := range overrides {
		if v, ok := lookup(o.name); ok {
			*o.target = strings.TrimSpace(v)
		}
	}
}

// DispatcherSettings returns the values the dispatcher checks before
// accepting work
func (c *Config) DispatcherSettings() dispatcher.Settings {
	return dispatcher.Settings{
		StoreURL:    c.Store.URL,
		StoreToken:  c.Store.Token,
		BrokerURL:   c.Broker.URL,
		BrokerToken: c.Broker.Token,
		SigningKey:  c.Broker.CurrentSigningKey,
		CallbackURL: c.Broker.CallbackURL,
		AppBaseURL:  c.Broker.AppBaseURL,
	}
}

// BrokerMode returns the configured transport, defaulting to http
func (c *Config) BrokerMode() string {
	if c.Broker.Mode == "" {
		return BrokerModeHTTP
	}
	return c.Broker.Mode
}

// EffectiveClaimTTL returns the processing claim lifetime, defaulting to one
// minute past the job timeout
func (w WorkerConfig) EffectiveClaimTTL() time.Duration {
	if w.ClaimTTL > 0 {
		return w.ClaimTTL
	}
	timeout := w.JobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return timeout + time.Minute
}

// ValidateAPIConfig checks the configuration needed by the API service.
// Missing store and broker credentials are not errors here: the dispatcher
// rejects submissions until they are configured.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	switch c.BrokerMode() {
	case BrokerModeHTTP, BrokerModeLoopback:
	case BrokerModeAMQP:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid broker mode: %q (must be one of %s, %s, %s)",
			c.Broker.Mode, BrokerModeHTTP, BrokerModeAMQP, BrokerModeLoopback)
	}

	if c.Sweeper.Enabled && c.Sweeper.GracePeriod < 0 {
		return fmt.Errorf("sweeper grace_period must not be negative")
	}

	return c.validateDatabase()
}

// ValidateWorkerConfig checks the configuration needed by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Store.URL == "" {
		return fmt.Errorf("store url is required")
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ClaimTTL != 0 && c.Worker.ClaimTTL < c.Worker.JobTimeout {
		return fmt.Errorf("worker claim_ttl must not be shorter than job_timeout")
	}

	if c.Worker.MaxAttempts < 0 {
		return fmt.Errorf("worker max_attempts must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return c.validateDatabase()
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.URL == "" {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if !c.Database.Enabled {
		return nil
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}
