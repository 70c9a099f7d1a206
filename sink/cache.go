package sink

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type CacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	Channel  string `yaml:"channel"`
}

// Cache mirrors the latest densities into a Redis hash and announces each
// run on a pub/sub channel.
type Cache struct {
	client  *redis.Client
	key     string
	channel string
}

func NewCache(cfg CacheConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	logger.Log().Info("connected to redis", zap.String("addr", cfg.Addr))

	c := &Cache{client: client, key: cfg.Key, channel: cfg.Channel}
	if c.key == "" {
		c.key = "traffic:densities"
	}
	return c, nil
}

func (c *Cache) Persist(ctx context.Context, report *iface.Report) error {
	body, err := encodeDensities(report)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.key)
	if len(report.Densities) > 0 {
		fields := make(map[string]interface{}, len(report.Densities))
		for id, d := range report.Densities {
			fields[id] = d
		}
		pipe.HSet(ctx, c.key, fields)
	}
	pipe.Set(ctx, c.key+":run", report.RunID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write densities to redis: %w", err)
	}

	if c.channel != "" {
		if err := c.client.Publish(ctx, c.channel, body).Err(); err != nil {
			return fmt.Errorf("publish densities: %w", err)
		}
	}
	return nil
}

// Latest reads back the cached densities.
func (c *Cache) Latest(ctx context.Context) (map[string]float64, error) {
	raw, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read densities from redis: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for id, v := range raw {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("density for %s is not a number: %q", id, v)
		}
		out[id] = d
	}
	return out, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
