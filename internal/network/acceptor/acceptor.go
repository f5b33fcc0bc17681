package acceptor

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/danmu-realtime/internal/network"
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
)

// Config 描述 Acceptor 在会话层面的配置。
//
// 说明：
//   - SendQueueSize 控制每个连接的发送缓冲队列大小；
//   - ReadTimeout 为读超时，收到任意帧或 pong 时刷新，为 0 表示不设置 deadline；
//   - PingInterval 大于 0 时服务端定期发送 ping，应小于 ReadTimeout；
//   - Path 控制 WebSocket 的升级路径（如 "/ws"）。
type Config struct {
	Path string `mapstructure:"path"`

	SendQueueSize  int           `mapstructure:"sendQueueSize"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	PingInterval   time.Duration `mapstructure:"pingInterval"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`

	// AuthRequired 为 true 时没有合法令牌的请求在升级前以 401 拒绝；
	// 为 false 时校验失败的连接以匿名身份接入。
	AuthRequired bool   `mapstructure:"authRequired"`
	TokenParam   string `mapstructure:"tokenParam"`

	// Upgrader 允许调用方自定义 gorilla/websocket 的升级行为。
	// 若为 nil，则使用内部默认的 Upgrader（不校验 Origin）。
	Upgrader *websocket.Upgrader `mapstructure:"-"`

	// Codec 为当前接入层使用的信封编解码器。
	Codec *protocol.Codec `mapstructure:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Path:           "/ws",
		SendQueueSize:  256,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 64 << 10,
		TokenParam:     "token",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.TokenParam == "" {
		c.TokenParam = def.TokenParam
	}
	if c.Codec == nil {
		c.Codec = protocol.DefaultCodec
	}
	return c
}

// Handler 由使用者实现，用于在连接生命周期的各个阶段插入逻辑。
//
// 同一连接上的 OnMessage 调用是串行的，应避免耗时操作阻塞读协程。
type Handler interface {
	// OnConnected 在升级成功并创建好会话后被调用，返回错误时连接被关闭。
	// user 为 nil 表示匿名连接。
	OnConnected(ctx context.Context, sess session.Session, user *session.User) error

	// OnMessage 在收到一帧数据后被调用。
	OnMessage(ctx context.Context, sess session.Session, frame []byte)

	// OnClosed 在会话生命周期结束时被调用，正常关闭时 err 为 nil。
	OnClosed(ctx context.Context, sess session.Session, err error)

	// OnError 在各个阶段发生错误时被调用，sess 在握手阶段为 nil。
	OnError(sess session.Session, stage network.Stage, err error)
}

// Acceptor 抽象了服务器侧的 WebSocket 接入层。
//
// 职责：
//   - 处理 HTTP 请求的鉴权与 WebSocket 升级；
//   - 为每个连接创建 Session，并调用 Handler 的各阶段回调；
//   - 维护当前活跃会话列表，便于关闭与监控。
type Acceptor interface {
	http.Handler

	// Close 主动关闭所有会话，之后的升级请求返回 503。
	Close() error

	// Sessions 返回当前活跃会话的快照。
	Sessions() []session.Session
}
