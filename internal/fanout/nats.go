package fanout

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

const DriverNATS = "nats"

// NATSConfig 是 NATS 总线的连接参数。
type NATSConfig struct {
	URL           string        `mapstructure:"url" env:"REALTIME_NATS_URL"`
	Name          string        `mapstructure:"name"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	ReconnectWait time.Duration `mapstructure:"reconnectWait"`
}

// NATSBus 基于 NATS 主题实现。频道名即主题名，前缀订阅使用 ">" 通配。
// 自定义频道名因此不能包含空格与通配符。
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus 连接 NATS 服务，断线后由客户端无限重连。
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "danmu-realtime"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, merr.WrapErrBusUnavailable(DriverNATS, err)
	}
	return &NATSBus{conn: nc}, nil
}

func (b *NATSBus) Name() string {
	return DriverNATS
}

func (b *NATSBus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		return merr.WrapErrBusUnavailable(DriverNATS, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, prefix string, h Handler) (Subscription, error) {
	// Codec 保证前缀以 "." 结尾。
	subject := strings.TrimSuffix(prefix, ".") + ".>"
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		h(Message{Channel: m.Subject, Payload: m.Data})
	})
	if err != nil {
		return nil, merr.WrapErrBusUnavailable(DriverNATS, err)
	}
	// Flush 保证服务端已登记订阅。
	if err := b.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, merr.WrapErrBusUnavailable(DriverNATS, err)
	}
	return sub, nil
}

func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}
