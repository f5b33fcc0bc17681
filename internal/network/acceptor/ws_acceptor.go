package acceptor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/auth"
	"github.com/lk2023060901/danmu-realtime/internal/network"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
	"github.com/lk2023060901/danmu-realtime/pkg/util/typeutil"
)

// WSAcceptor 是 Acceptor 的 gorilla/websocket 实现。
//
// 每个连接在 ServeHTTP 所在的协程中串行读取，写操作由 WSSession 的发送协程完成。
type WSAcceptor struct {
	log.Binder

	cfg      Config
	handler  Handler
	verifier auth.Verifier
	ids      session.IDGenerator
	upgrader *websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	sessions *typeutil.ConcurrentSet[*session.WSSession]
	wg       sync.WaitGroup
	closed   atomic.Bool
}

var _ Acceptor = (*WSAcceptor)(nil)

// Option 配置 WSAcceptor。
type Option func(*WSAcceptor)

// WithVerifier 设置令牌校验器。
func WithVerifier(v auth.Verifier) Option {
	return func(a *WSAcceptor) {
		a.verifier = v
	}
}

// WithIDGenerator 设置连接标识生成器，默认使用 UUID。
func WithIDGenerator(g session.IDGenerator) Option {
	return func(a *WSAcceptor) {
		a.ids = g
	}
}

// New 创建接入器。要求鉴权但没有校验器时返回 ErrParameterMissing。
func New(cfg Config, h Handler, opts ...Option) (*WSAcceptor, error) {
	if h == nil {
		return nil, merr.WrapErrParameterMissing("acceptor handler")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &WSAcceptor{
		cfg:      cfg,
		handler:  h,
		ids:      session.UUIDGenerator{},
		upgrader: cfg.Upgrader,
		ctx:      ctx,
		cancel:   cancel,
		sessions: typeutil.NewConcurrentSet[*session.WSSession](),
	}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.AuthRequired && a.verifier == nil {
		cancel()
		return nil, merr.WrapErrParameterMissing("auth verifier", "auth is required")
	}
	if a.upgrader == nil {
		a.upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	a.SetLogger(log.With(log.FieldComponent("acceptor")))
	return a, nil
}

// Path 返回升级路径。
func (a *WSAcceptor) Path() string {
	return a.cfg.Path
}

func (a *WSAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.closed.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	user, err := a.authenticate(r)
	if err != nil {
		a.Logger().RatedInfo(1, "reject unauthenticated upgrade",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, merr.Message(err), http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写出了错误响应。
		a.handler.OnError(nil, network.StageHandshake, errors.Mark(err, network.ErrHandshakeFailed))
		return
	}
	conn.SetReadLimit(a.cfg.MaxMessageSize)

	a.wg.Add(1)
	defer a.wg.Done()

	sess := session.NewWSSession(a.ctx, a.ids.Next(), conn, session.WSOptions{
		SendQueueSize: a.cfg.SendQueueSize,
		WriteTimeout:  a.cfg.WriteTimeout,
		PingInterval:  a.cfg.PingInterval,
		Codec:         a.cfg.Codec,
		OnSendError: func(s *session.WSSession, err error) {
			a.handler.OnError(s, network.StageSend, errors.Mark(err, network.ErrSendFailed))
		},
	})
	a.sessions.Insert(sess)
	defer a.sessions.Remove(sess)

	ctx := log.WithFields(sess.Context(), log.FieldIdentity(sess.ID()))
	if err := a.handler.OnConnected(ctx, sess, user); err != nil {
		a.Logger().WithIdentity(sess.ID()).Warn("connection refused by handler", zap.Error(err))
		_ = sess.CloseWithCode(websocket.CloseInternalServerErr, merr.Message(err))
		return
	}

	readErr := a.readLoop(ctx, sess)
	_ = sess.Close()
	a.handler.OnClosed(ctx, sess, readErr)
}

// authenticate 返回 nil 用户表示匿名连接。
func (a *WSAcceptor) authenticate(r *http.Request) (*session.User, error) {
	token := auth.TokenFromRequest(r, a.cfg.TokenParam)
	if a.verifier == nil {
		return nil, nil
	}
	if token == "" {
		if a.cfg.AuthRequired {
			metrics.AuthRejected.WithLabelValues("missing").Inc()
			return nil, merr.WrapErrAuthRejected("missing token")
		}
		return nil, nil
	}
	user, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		metrics.AuthRejected.WithLabelValues("invalid").Inc()
		if a.cfg.AuthRequired {
			return nil, err
		}
		a.Logger().RatedInfo(1, "invalid token, continue as anonymous", zap.Error(err))
		return nil, nil
	}
	return user, nil
}

// readLoop 串行读取文本帧，直到连接关闭或读出错。正常关闭时返回 nil。
func (a *WSAcceptor) readLoop(ctx context.Context, sess *session.WSSession) error {
	conn := sess.Conn()
	refresh := func() {
		if a.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		}
	}
	refresh()
	conn.SetPongHandler(func(string) error {
		refresh()
		return nil
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				sess.Context().Err() != nil {
				return nil
			}
			a.handler.OnError(sess, network.StageRecvRaw, errors.Mark(err, network.ErrRecvFailed))
			return err
		}
		refresh()
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		a.handler.OnMessage(ctx, sess, frame)
	}
}

func (a *WSAcceptor) Sessions() []session.Session {
	result := make([]session.Session, 0, a.sessions.Len())
	a.sessions.Range(func(s *session.WSSession) bool {
		result = append(result, s)
		return true
	})
	return result
}

// Len 返回当前活跃会话数。
func (a *WSAcceptor) Len() int {
	return a.sessions.Len()
}

// Close 以 going-away 关闭所有会话并等待读协程退出。
func (a *WSAcceptor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.sessions.Range(func(s *session.WSSession) bool {
		_ = s.Close()
		return true
	})
	a.cancel()
	a.wg.Wait()
	return nil
}
