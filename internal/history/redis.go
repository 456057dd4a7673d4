package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/model"
)

// kv is the subset of redis.Cmdable the provider uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Redis stores one JSON profile per customer under "<prefix>profile:<id>".
type Redis struct {
	client kv
	closer func() error
	prefix string
	ttl    time.Duration
}

// NewRedis connects to the configured Redis server and verifies it with PING.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "history: ping redis %s", cfg.Addr)
	}
	r := newRedis(client, cfg)
	r.closer = client.Close
	return r, nil
}

func newRedis(client kv, cfg config.RedisConfig) *Redis {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "fraud:"
	}
	return &Redis{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (r *Redis) key(customerID string) string {
	return r.prefix + "profile:" + customerID
}

func (r *Redis) load(ctx context.Context, customerID string) (*Profile, error) {
	value, err := r.client.Get(ctx, r.key(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "history: get %s", customerID)
	}
	p := &Profile{}
	if err := json.Unmarshal([]byte(value), p); err != nil {
		return nil, eris.Wrapf(err, "history: unmarshal profile %s", customerID)
	}
	return p, nil
}

// Get implements Provider.
func (r *Redis) Get(ctx context.Context, customerID string) (*model.CustomerHistory, error) {
	p, err := r.load(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return p.History(), nil
}

// Record implements Provider. Concurrent updates for one customer are last
// write wins.
func (r *Redis) Record(ctx context.Context, tx model.Transaction) error {
	p, err := r.load(ctx, tx.CustomerID)
	if err != nil {
		return err
	}
	if p == nil {
		p = &Profile{}
		zap.L().Debug("history: new customer profile", zap.String("customer_id", tx.CustomerID))
	}
	p.Apply(tx)

	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "history: marshal profile")
	}
	if err := r.client.Set(ctx, r.key(tx.CustomerID), data, r.ttl).Err(); err != nil {
		return eris.Wrapf(err, "history: set %s", tx.CustomerID)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
