// Package redis keeps a miner's live state in Redis: the current job,
// solution counters and a rolling hash-rate window.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("not found")

// Client wraps Redis operations for one miner. All keys live under
// "kminer:<miner>:".
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// or rediss:// URL carrying address, credentials
	// and database number.
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to Redis and verifies the connection
func NewClient(cfg *Config, miner string) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: keyPrefix(miner)}, nil
}

func keyPrefix(miner string) string {
	return "kminer:" + miner + ":"
}

func (c *Client) key(name string) string {
	return c.prefix + name
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Job state

// SetCurrentJob stores the job the workers are mining
func (c *Client) SetCurrentJob(ctx context.Context, job any) error {
	data, err := sonic.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}

	if err := c.rdb.Set(ctx, c.key("job"), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// GetCurrentJob decodes the current job into dest
func (c *Client) GetCurrentJob(ctx context.Context, dest any) error {
	data, err := c.rdb.Get(ctx, c.key("job")).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get current job: %w", err)
	}

	if err := sonic.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %w", err)
	}
	return nil
}

// Counters

// IncrementCounter increments a counter and refreshes its expiration
func (c *Client) IncrementCounter(ctx context.Context, name string, expiration time.Duration) (int64, error) {
	key := c.key(name)

	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return incrCmd.Val(), nil
}

// GetCounter returns a counter, or 0 when it does not exist
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, c.key(name)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Hash rate

// AddHashrate records a sample and trims samples older than window
func (c *Client) AddHashrate(ctx context.Context, hashrate float64, window time.Duration) error {
	key := c.key("hashrate")
	now := time.Now()

	// members must be unique, so the sample carries its timestamp
	member := &redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatFloat(hashrate, 'f', -1, 64),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, *member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add hashrate: %w", err)
	}
	return nil
}

// GetAverageHashrate averages the samples of the last window
func (c *Client) GetAverageHashrate(ctx context.Context, window time.Duration) (float64, error) {
	values, err := c.rdb.ZRangeByScore(ctx, c.key("hashrate"), &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Add(-window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}
	return averageSamples(values), nil
}

func averageSamples(members []string) float64 {
	var total float64
	var n int
	for _, m := range members {
		i := strings.LastIndexByte(m, ':')
		if i < 0 {
			continue
		}
		if rate, err := strconv.ParseFloat(m[i+1:], 64); err == nil {
			total += rate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
