package server

import (
	"time"

	"github.com/lk2023060901/danmu-realtime/internal/auth"
	"github.com/lk2023060901/danmu-realtime/internal/fanout"
	"github.com/lk2023060901/danmu-realtime/internal/network/acceptor"
	"github.com/lk2023060901/danmu-realtime/internal/reaper"
	"github.com/lk2023060901/danmu-realtime/internal/util/workerutil"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/util/etcd"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// Config 是 realtimed 进程的完整配置，对应配置文件的顶层结构。
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Auth     AuthConfig        `mapstructure:"auth"`
	Bus      fanout.Config     `mapstructure:"bus"`
	Reaper   reaper.Config     `mapstructure:"reaper"`
	Presence PresenceConfig    `mapstructure:"presence"`
	Etcd     etcd.ClientConfig `mapstructure:"etcd"`
	Metrics  MetricsConfig     `mapstructure:"metrics"`
	Log      log.Config        `mapstructure:"log"`
}

// ServerConfig 描述 WebSocket 接入与协调器的参数。
type ServerConfig struct {
	Listen   string `mapstructure:"listen" env:"REALTIME_LISTEN"`
	Path     string `mapstructure:"path" env:"REALTIME_PATH"`
	WorkerID string `mapstructure:"workerId" env:"REALTIME_WORKER_ID"`
	// Advertise 是写入 presence 记录的对外地址，为空时使用 Listen。
	Advertise string `mapstructure:"advertise" env:"REALTIME_ADVERTISE"`

	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	PingInterval   time.Duration `mapstructure:"pingInterval"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
	SendQueueSize  int           `mapstructure:"sendQueueSize"`

	ClientList        bool          `mapstructure:"clientList" env:"REALTIME_CLIENT_LIST"`
	SelfDelivery      bool          `mapstructure:"selfDelivery"`
	AllowedAttributes []string      `mapstructure:"allowedAttributes"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdownTimeout"`
}

// AuthConfig 配置连接鉴权。Secret 为空时不校验令牌。
type AuthConfig struct {
	Required   bool   `mapstructure:"required" env:"REALTIME_AUTH_REQUIRED"`
	Secret     string `mapstructure:"secret" env:"REALTIME_AUTH_SECRET"`
	Issuer     string `mapstructure:"issuer" env:"REALTIME_AUTH_ISSUER"`
	Audience   string `mapstructure:"audience" env:"REALTIME_AUTH_AUDIENCE"`
	TokenParam string `mapstructure:"tokenParam"`
}

// JWT 返回对应的 JWT 校验配置。
func (c AuthConfig) JWT() auth.JWTConfig {
	return auth.JWTConfig{Secret: c.Secret, Issuer: c.Issuer, Audience: c.Audience}
}

// PresenceConfig 配置基于 etcd 的 worker 存活登记。
type PresenceConfig struct {
	Enabled bool   `mapstructure:"enabled" env:"REALTIME_PRESENCE_ENABLED"`
	Root    string `mapstructure:"root"`
	TTL     int64  `mapstructure:"ttl"`
}

// MetricsConfig 配置 Prometheus 指标端点，Listen 为空时不单独监听。
type MetricsConfig struct {
	Listen string `mapstructure:"listen" env:"REALTIME_METRICS_LISTEN"`
	Path   string `mapstructure:"path"`
}

// DefaultConfig 返回单机内存总线的默认配置。
func DefaultConfig() Config {
	acc := acceptor.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Listen:          ":8080",
			Path:            acc.Path,
			ReadTimeout:     acc.ReadTimeout,
			WriteTimeout:    acc.WriteTimeout,
			PingInterval:    acc.PingInterval,
			MaxMessageSize:  acc.MaxMessageSize,
			SendQueueSize:   acc.SendQueueSize,
			ClientList:      true,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenParam: auth.DefaultTokenParam,
		},
		Bus: fanout.Config{
			Driver: fanout.DriverMemory,
			Prefix: fanout.DefaultPrefix,
		},
		Reaper: reaper.DefaultConfig(),
		Presence: PresenceConfig{
			Root: workerutil.DefaultMetaRoot,
			TTL:  10,
		},
		Etcd: etcd.ClientConfig{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Log: log.Config{
			Level:  "info",
			Format: "console",
			Stdout: true,
		},
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return merr.WrapErrParameterMissing("server.listen")
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		return merr.WrapErrParameterMissing("auth.secret", "auth.required needs a secret")
	}
	switch c.Bus.Driver {
	case "", fanout.DriverMemory, fanout.DriverRedis, fanout.DriverNATS, fanout.DriverEtcd:
	default:
		return merr.WrapErrParameterInvalidMsg("unknown bus driver %q", c.Bus.Driver)
	}
	if c.Server.PingInterval > 0 && c.Server.ReadTimeout > 0 && c.Server.PingInterval >= c.Server.ReadTimeout {
		return merr.WrapErrParameterInvalidMsg("server.pingInterval %s must be shorter than server.readTimeout %s",
			c.Server.PingInterval, c.Server.ReadTimeout)
	}
	return nil
}

// needsEtcd 返回是否需要 etcd 客户端。
func (c *Config) needsEtcd() bool {
	return c.Presence.Enabled || c.Bus.Driver == fanout.DriverEtcd
}

func (c *Config) acceptorConfig() acceptor.Config {
	return acceptor.Config{
		Path:           c.Server.Path,
		SendQueueSize:  c.Server.SendQueueSize,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		PingInterval:   c.Server.PingInterval,
		MaxMessageSize: c.Server.MaxMessageSize,
		AuthRequired:   c.Auth.Required,
		TokenParam:     c.Auth.TokenParam,
	}
}
