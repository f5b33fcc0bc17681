package fanout

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// Config 选择并配置总线驱动。
type Config struct {
	Driver string      `mapstructure:"driver" env:"REALTIME_BUS_DRIVER"`
	Prefix string      `mapstructure:"prefix" env:"REALTIME_BUS_PREFIX"`
	Redis  RedisConfig `mapstructure:"redis"`
	NATS   NATSConfig  `mapstructure:"nats"`
	Etcd   EtcdConfig  `mapstructure:"etcd"`
}

// New 按 Driver 创建总线。etcd 驱动需要传入 etcd 客户端。
func New(ctx context.Context, cfg Config, etcdCli *clientv3.Client) (Bus, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryBus(), nil
	case DriverRedis:
		return NewRedisBus(ctx, cfg.Redis)
	case DriverNATS:
		return NewNATSBus(cfg.NATS)
	case DriverEtcd:
		return NewEtcdBus(ctx, etcdCli, cfg.Etcd)
	default:
		return nil, merr.WrapErrParameterInvalidMsg("unknown bus driver %q", cfg.Driver)
	}
}
