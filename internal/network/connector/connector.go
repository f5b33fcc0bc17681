package connector

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
)

// Config 描述出站连接的配置。
type Config struct {
	URL    string      `mapstructure:"url"`
	Header http.Header `mapstructure:"-"`
	// Token 非空时以 token 查询参数附加到 URL。
	Token string `mapstructure:"token"`

	AutoReconnect        bool          `mapstructure:"autoReconnect"`
	MaxReconnectAttempts int           `mapstructure:"maxReconnectAttempts"`
	BaseDelay            time.Duration `mapstructure:"baseDelay"`
	MaxDelay             time.Duration `mapstructure:"maxDelay"`

	DialTimeout   time.Duration `mapstructure:"dialTimeout"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	SendQueueSize int           `mapstructure:"sendQueueSize"`

	Dialer *websocket.Dialer `mapstructure:"-"`
	Codec  *protocol.Codec   `mapstructure:"-"`
}

const (
	DefaultMaxReconnectAttempts = 10
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
)

// DefaultConfig 返回开启自动重连的默认配置。
func DefaultConfig(rawURL string) Config {
	return Config{
		URL:                  rawURL,
		AutoReconnect:        true,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		BaseDelay:            DefaultBaseDelay,
		MaxDelay:             DefaultMaxDelay,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
		SendQueueSize:        256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Codec == nil {
		c.Codec = protocol.DefaultCodec
	}
	return c
}

// ReconnectDelay 返回第 attempt 次重连（从 0 开始）之前的等待时间。
func (c Config) ReconnectDelay(attempt int) time.Duration {
	return backoffDelay(attempt, c.BaseDelay, c.MaxDelay)
}

// ReconnectDelay 按默认参数计算等待时间：min(1s * 2^attempt, 30s)。
func ReconnectDelay(attempt int) time.Duration {
	return backoffDelay(attempt, DefaultBaseDelay, DefaultMaxDelay)
}

func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func (c Config) dialURL() (string, error) {
	if c.Token == "" {
		return c.URL, nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// State 是客户端连接状态。
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Status 是对外暴露的连接状态快照。
type Status struct {
	IsConnected          bool
	ReconnectAttempts    int
	AutoReconnectEnabled bool
}

// Connector 抽象了出站连接。
type Connector interface {
	Connect(ctx context.Context) error
	Send(env *protocol.Envelope) bool
	Disconnect()
	Status() Status
}
