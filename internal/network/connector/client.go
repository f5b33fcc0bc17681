package connector

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/router"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
	"github.com/lk2023060901/danmu-realtime/pkg/util/conc"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// clientSessionID 是出站会话在日志中的标识。
const clientSessionID = "outbound"

// Option 配置 Client。
type Option func(*Client)

// WithRouter 指定处理服务端下发消息的 Router。
func WithRouter(r *router.Router) Option {
	return func(c *Client) {
		c.router = r
	}
}

// OnConnected 在每次连接建立后调用，join 用于加入房间。
func OnConnected(fn func(c *Client, join func(room string))) Option {
	return func(c *Client) {
		c.onConnected = fn
	}
}

// OnReconnecting 在安排第 attempt 次重连时调用，attempt 从 1 开始。
func OnReconnecting(fn func(attempt int, delay time.Duration)) Option {
	return func(c *Client) {
		c.onReconnecting = fn
	}
}

// OnUnhandled 处理没有注册路由的下发消息，例如响应与错误信封。
func OnUnhandled(fn func(env *protocol.Envelope)) Option {
	return func(c *Client) {
		c.onUnhandled = fn
	}
}

// Client 是带自动重连的 WebSocket 客户端。
//
// 状态流转：
//
//	Idle -> Connecting -> Open
//	Open -(意外断开)-> Backoff -> Connecting
//	任意状态 -(Disconnect)-> Idle
type Client struct {
	log.Binder

	cfg    Config
	router *router.Router

	onConnected    func(c *Client, join func(room string))
	onReconnecting func(attempt int, delay time.Duration)
	onUnhandled    func(env *protocol.Envelope)

	mu            sync.Mutex
	state         State
	sess          *session.WSSession
	attempts      int
	autoReconnect bool
	timer         *time.Timer
}

var _ Connector = (*Client)(nil)

func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:           cfg,
		autoReconnect: cfg.AutoReconnect,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.router == nil {
		c.router = router.New(router.WithCodec(cfg.Codec))
	}
	c.SetLogger(log.With(log.FieldComponent("connector"), zap.String("url", cfg.URL)))
	return c
}

func (c *Client) Router() *router.Router {
	return c.router
}

// Connect 建立连接并在连接打开后返回。首次连接失败且开启了自动重连时，会在后台继续重试。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateBackoff:
		c.stopTimerLocked()
	}
	c.state = StateConnecting
	c.autoReconnect = c.cfg.AutoReconnect
	c.attempts = 0
	c.mu.Unlock()

	err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.scheduleLocked()
		}
		c.mu.Unlock()
	}
	return err
}

func (c *Client) dial(ctx context.Context) error {
	target, err := c.cfg.dialURL()
	if err != nil {
		c.setIdle()
		return merr.WrapErrParameterInvalidMsg("connector: invalid url %q: %v", c.cfg.URL, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	future := conc.Go(func() (*websocket.Conn, error) {
		conn, _, err := c.cfg.Dialer.DialContext(dialCtx, target, c.cfg.Header)
		return conn, err
	})
	conn, err := future.Await()
	if err != nil {
		c.Logger().Warn("dial failed", zap.Error(err))
		return merr.WrapErrNotConnected(c.cfg.URL, err.Error())
	}

	sess := session.NewWSSession(context.Background(), clientSessionID, conn, session.WSOptions{
		SendQueueSize: c.cfg.SendQueueSize,
		WriteTimeout:  c.cfg.WriteTimeout,
		Codec:         c.cfg.Codec,
	})

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect 在拨号期间被调用。
		c.mu.Unlock()
		_ = sess.CloseWithCode(websocket.CloseNormalClosure, "")
		return merr.WrapErrConnectionClosed(clientSessionID)
	}
	c.state = StateOpen
	c.attempts = 0
	c.sess = sess
	c.mu.Unlock()

	c.Logger().Info("connected")
	go c.readLoop(sess)

	if c.onConnected != nil {
		c.onConnected(c, func(room string) { c.JoinRoom(room) })
	}
	return nil
}

func (c *Client) readLoop(sess *session.WSSession) {
	conn := sess.Conn()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(sess, err)
			return
		}
		c.dispatch(sess, frame)
	}
}

// dispatch 只把已注册路由的消息交给 Router，避免对响应或错误信封再回写错误。
func (c *Client) dispatch(sess *session.WSSession, frame []byte) {
	env, err := c.cfg.Codec.Decode(frame)
	if err != nil {
		c.Logger().RatedWarn(1, "drop malformed frame from server", zap.Error(err))
		return
	}
	if c.router.Has(env.Type, env.Action) {
		_ = c.router.Dispatch(sess.Context(), sess, frame, nil)
		return
	}
	if c.onUnhandled != nil {
		c.onUnhandled(env)
		return
	}
	c.Logger().Debug("unhandled message from server", log.FieldRoute(env.Type, env.Action))
}

func (c *Client) handleDisconnect(sess *session.WSSession, err error) {
	_ = sess.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return
	}
	c.sess = nil
	if c.state != StateOpen {
		return
	}
	c.Logger().Warn("connection lost", zap.Error(err))
	if !c.autoReconnect {
		c.state = StateIdle
		return
	}
	c.scheduleLocked()
}

// scheduleLocked 安排下一次重连，达到上限后回到 Idle。
func (c *Client) scheduleLocked() {
	if !c.autoReconnect {
		c.state = StateIdle
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		metrics.ConnectorGiveUps.Inc()
		c.Logger().Error("giving up reconnecting", zap.Int("attempts", c.attempts))
		c.state = StateIdle
		return
	}
	delay := c.cfg.ReconnectDelay(c.attempts)
	c.attempts++
	c.state = StateBackoff
	attempt := c.attempts
	c.timer = time.AfterFunc(delay, c.reconnect)
	metrics.ConnectorReconnects.Inc()
	c.Logger().Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	if c.onReconnecting != nil {
		go c.onReconnecting(attempt, delay)
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.state != StateBackoff {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.timer = nil
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.scheduleLocked()
		}
		c.mu.Unlock()
	}
}

// Send 发送一条信封，未连接或队列已满时返回 false。
func (c *Client) Send(env *protocol.Envelope) bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		c.Logger().RatedWarn(1, "send while not connected", log.FieldRoute(env.Type, env.Action))
		return false
	}
	if err := sess.Send(env); err != nil {
		c.Logger().RatedWarn(1, "send failed", log.FieldRoute(env.Type, env.Action), zap.Error(err))
		return false
	}
	return true
}

// JoinRoom 发送 (system, joinRoom)。
func (c *Client) JoinRoom(room string) bool {
	env, err := protocol.New(protocol.TypeSystem, protocol.ActionJoinRoom, protocol.JoinRoomRequest{RoomName: room})
	if err != nil {
		return false
	}
	return c.Send(env)
}

// LeaveRoom 发送 (system, leaveRoom)。
func (c *Client) LeaveRoom(room string) bool {
	env, err := protocol.New(protocol.TypeSystem, protocol.ActionLeaveRoom, protocol.LeaveRoomRequest{RoomName: room})
	if err != nil {
		return false
	}
	return c.Send(env)
}

// Disconnect 关闭连接、关闭自动重连并取消尚未触发的重连。
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	c.stopTimerLocked()
	c.state = StateIdle
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess != nil {
		_ = sess.CloseWithCode(websocket.CloseNormalClosure, "")
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

// State 返回当前状态。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		IsConnected:          c.state == StateOpen,
		ReconnectAttempts:    c.attempts,
		AutoReconnectEnabled: c.autoReconnect,
	}
}
