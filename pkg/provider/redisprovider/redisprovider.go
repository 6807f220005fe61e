// Package redisprovider serves asset payloads stored as Redis strings under a key prefix.
package redisprovider

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/redis/go-redis/v9"

	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/pkg/cacheerr"
	"github.com/1mb-dev/assetcache-go/pkg/compression"
	"github.com/1mb-dev/assetcache-go/pkg/provider"
)

const (
	loggerComponentName = "RedisProvider"

	// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
	DefaultKeyPrefix = "asset:"
)

// Client is the subset of redis.Cmdable the provider uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Config holds the Redis connection and payload settings.
type Config struct {
	// Client overrides the connection parameters below when set.
	Client Client

	Addr     string
	Password string
	DB       int

	KeyPrefix  string
	Compressor compression.Compressor
	Decoder    provider.Decoder
}

// Provider fetches payloads with GET prefix+address.
type Provider struct {
	client     Client
	owned      *redis.Client
	prefix     string
	compressor compression.Compressor
	decoder    provider.Decoder
	logger     *log.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Provider. When no client is supplied one is created from Addr and checked
// with PING.
func New(ctx context.Context, config Config) (*Provider, error) {
	p := &Provider{
		client:     config.Client,
		prefix:     config.KeyPrefix,
		compressor: config.Compressor,
		decoder:    config.Decoder,
		logger:     log.GetLogger().With(log.String(log.LoggerKeyComponentName, loggerComponentName)),
	}
	if p.prefix == "" {
		p.prefix = DefaultKeyPrefix
	}
	if p.compressor == nil {
		p.compressor = compression.NewNoOpCompressor()
	}

	if p.client == nil {
		if config.Addr == "" {
			return nil, fmt.Errorf("redis address is required when no client is provided")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		p.client = client
		p.owned = client
	}

	p.logger.Debug("Redis provider ready", log.String("keyPrefix", p.prefix))
	return p, nil
}

// Key returns the Redis key holding address.
func (p *Provider) Key(address string) string {
	return p.prefix + address
}

// Fetch implements provider.Provider.
func (p *Provider) Fetch(ctx context.Context, address, typeTag string) (any, error) {
	blob, err := p.client.Get(ctx, p.Key(address)).Bytes()
	switch {
	case stderrors.Is(err, redis.Nil):
		return nil, cacheerr.ErrNotFound
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.logger.Debug("Redis GET failed", log.String("address", address), log.Error(err))
		return nil, errors.Wrap(err, errors.CodeNetwork, "redis GET failed")
	}

	data, err := compression.Unpack(blob, p.compressor)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "stored payload is corrupt")
	}
	if p.decoder == nil {
		return data, nil
	}

	value, err := p.decoder(address, typeTag, data)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to decode payload")
	}
	return value, nil
}

// Save packs data and stores it under address without expiry.
func (p *Provider) Save(ctx context.Context, address string, data []byte, minCompressSize int) error {
	blob, err := compression.Pack(data, p.compressor, minCompressSize)
	if err != nil {
		return fmt.Errorf("failed to pack payload for %q: %w", address, err)
	}
	if err := p.client.Set(ctx, p.Key(address), blob, 0).Err(); err != nil {
		return errors.Wrap(err, errors.CodeNetwork, "redis SET failed")
	}
	return nil
}

// Close closes the client if the provider created it.
func (p *Provider) Close() error {
	if p.owned == nil {
		return nil
	}
	return p.owned.Close()
}
