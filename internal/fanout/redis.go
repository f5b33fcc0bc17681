package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
	"github.com/lk2023060901/danmu-realtime/pkg/util/retry"
)

const DriverRedis = "redis"

// RedisConfig 是 Redis 总线的连接参数。
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" env:"REALTIME_REDIS_ADDR"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password" env:"REALTIME_REDIS_PASSWORD"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

// RedisBus 基于 Redis PUBLISH/PSUBSCRIBE 实现，同一连接上的消息按发布顺序到达。
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedisBus 连接 Redis 并确认服务可用。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, merr.WrapErrParameterMissing("bus.redis.addr")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	err := retry.Do(ctx, func() error {
		return client.Ping(ctx).Err()
	}, retry.Attempts(5))
	if err != nil {
		client.Close()
		return nil, merr.WrapErrBusUnavailable(DriverRedis, err)
	}
	return newRedisBusWithClient(client), nil
}

func newRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (b *RedisBus) Name() string {
	return DriverRedis
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return merr.WrapErrBusUnavailable(DriverRedis, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, prefix string, h Handler) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, prefix+"*")
	// 等待订阅确认，保证返回后发布的消息不会丢失。
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, merr.WrapErrBusUnavailable(DriverRedis, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			h(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
		}
		log.Debug("redis subscription closed", zap.String("pattern", prefix+"*"))
	}()

	return subscriptionFunc(func() error {
		b.mu.Lock()
		delete(b.subs, ps)
		b.mu.Unlock()
		return ps.Close()
	}), nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for ps := range subs {
		ps.Close()
	}
	return b.client.Close()
}
