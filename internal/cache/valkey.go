package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ValkeyProvider implements Provider backed by a Valkey/Redis-compatible server.
type ValkeyProvider struct {
	client *redis.Client
}

// ValkeyConfig holds connection parameters for the Valkey cluster.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// NewValkeyProvider creates a Provider using the supplied configuration. It pings
// the target so bad credentials or connectivity fail at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	normaliseDurations(&cfg)

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return newValkeyProvider(redis.NewClient(opts), cfg.DialTimeout)
}

func newValkeyProvider(client *redis.Client, timeout time.Duration) (*ValkeyProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	return &ValkeyProvider{client: client}, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := p.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("valkey get %s: %w", key, err)
	}
	return data, nil
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := p.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("valkey set %s: %w", key, err)
	}
	return nil
}

// SetNX stores bytes only when the key does not exist (SET NX PX).
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("valkey setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes the key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("valkey del %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (p *ValkeyProvider) Close() error {
	return p.client.Close()
}

func normaliseDurations(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
}
