package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	URL           string // redis:// or rediss:// connection string
	Token         string // overrides the password in URL when set
	DB            int
	PoolSize      int
	DialTimeout   time.Duration
	RetryAttempts int
	RetryInterval time.Duration
}

// Client represents a Redis client
type Client struct {
	rdb    *goredis.Client
	config *Config
	logger *slog.Logger
}

// Options converts the configuration into go-redis options
func (c *Config) Options() (*goredis.Options, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := goredis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if c.Token != "" {
		opts.Password = c.Token
		if opts.Username == "" {
			opts.Username = "default"
		}
	}
	if c.DB > 0 {
		opts.DB = c.DB
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}

	return opts, nil
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	opts, err := config.Options()
	if err != nil {
		return nil, err
	}

	client := &Client{
		rdb:    goredis.NewClient(opts),
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		_ = client.rdb.Close()
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	return client, nil
}

// connect pings Redis with retry logic
func (c *Client) connect() error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to Redis",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = c.rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			c.logger.Info("Successfully connected to Redis",
				slog.String("addr", c.rdb.Options().Addr),
				slog.Int("db", c.rdb.Options().DB),
			)
			return nil
		}

		c.logger.Error("Failed to connect to Redis",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	return fmt.Errorf("failed to connect to Redis after %d attempts: %w", attempts, err)
}

// Redis returns the underlying go-redis client
func (c *Client) Redis() *goredis.Client {
	return c.rdb
}

// HealthCheck performs a health check on Redis
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")

	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("Redis connection closed successfully")
	return nil
}
