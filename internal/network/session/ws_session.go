package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lk2023060901/danmu-realtime/internal/network"
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
)

// defaultSendQueueSize 为每个会话的发送队列容量。
const defaultSendQueueSize = 256

// UUIDGenerator 使用随机 UUID 作为连接标识。
type UUIDGenerator struct{}

func (UUIDGenerator) Next() string {
	return uuid.NewString()
}

// WSOptions 控制 WebSocket 会话的写行为。
type WSOptions struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	// PingInterval 大于 0 时由发送协程周期性写 ping 帧。
	PingInterval time.Duration
	Codec        *protocol.Codec
	// OnSendError 在写出失败时被调用一次，随后会话被关闭。
	OnSendError func(s *WSSession, err error)
}

// WSSession 是基于 gorilla/websocket 的 Session 实现。
//
// 所有写操作都在 sendLoop 协程中完成，gorilla 连接不支持并发写。
type WSSession struct {
	id   string
	conn *websocket.Conn
	opts WSOptions

	ctx    context.Context
	cancel context.CancelFunc

	sendQueue chan []byte
	done      chan struct{}

	closeOnce sync.Once
}

var _ Session = (*WSSession)(nil)

// NewWSSession 包装一条已经完成升级的连接并启动发送协程。
func NewWSSession(parent context.Context, id string, conn *websocket.Conn, opts WSOptions) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.Codec == nil {
		opts.Codec = protocol.DefaultCodec
	}
	ctx, cancel := context.WithCancel(parent)

	s := &WSSession{
		id:        id,
		conn:      conn,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		sendQueue: make(chan []byte, opts.SendQueueSize),
		done:      make(chan struct{}),
	}
	go s.sendLoop()
	return s
}

func (s *WSSession) ID() string {
	return s.id
}

func (s *WSSession) Context() context.Context {
	return s.ctx
}

func (s *WSSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *WSSession) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Conn 返回底层连接，仅供读协程使用。
func (s *WSSession) Conn() *websocket.Conn {
	return s.conn
}

func (s *WSSession) Send(env *protocol.Envelope) error {
	frame, err := s.opts.Codec.Encode(env)
	if err != nil {
		return network.ErrEncodeFailed
	}
	return s.SendRaw(frame)
}

// SendRaw 不阻塞：队列已满时直接丢弃并返回 ErrSendQueueFull。
func (s *WSSession) SendRaw(frame []byte) error {
	select {
	case <-s.ctx.Done():
		return network.ErrSessionClosed
	default:
	}
	select {
	case <-s.ctx.Done():
		return network.ErrSessionClosed
	case s.sendQueue <- frame:
		return nil
	default:
		return network.ErrSendQueueFull
	}
}

// Close 发送 going-away 关闭帧后关闭底层连接。
func (s *WSSession) Close() error {
	return s.CloseWithCode(websocket.CloseGoingAway, "")
}

// CloseWithCode 以指定关闭码结束会话。
func (s *WSSession) CloseWithCode(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.flush()
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = s.conn.Close()
	})
	return err
}

func (s *WSSession) sendLoop() {
	defer close(s.done)

	var pingC <-chan time.Time
	if s.opts.PingInterval > 0 {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendQueue:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.failSend(err)
				return
			}
		case <-pingC:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.failSend(err)
				return
			}
		}
	}
}

func (s *WSSession) write(messageType int, data []byte) error {
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	return s.conn.WriteMessage(messageType, data)
}

// flush 在发送协程退出后写出队列中剩余的帧，遇到错误即放弃。
func (s *WSSession) flush() {
	for {
		select {
		case frame := <-s.sendQueue:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// failSend 在发送协程内部调用，不能等待 done，因此只取消上下文并关闭连接。
func (s *WSSession) failSend(err error) {
	if s.opts.OnSendError != nil {
		s.opts.OnSendError(s, err)
	}
	s.cancel()
	_ = s.conn.Close()
}
