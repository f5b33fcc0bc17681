package router

import (
	"context"

	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// Hub 是 Handler 可以调用的集群级操作，由协调器实现。
//
// 每个方法都会先修改本地状态，再通过总线通知其它 worker。
type Hub interface {
	JoinRoom(ctx context.Context, identity, room string) error
	LeaveRoom(ctx context.Context, identity, room string) error
	SetAttribute(ctx context.Context, identity, key string, value any) error
	// BroadcastToRoom 向房间成员广播，exclude 非空时跳过该连接。
	BroadcastToRoom(ctx context.Context, room string, env *protocol.Envelope, exclude string) error
	// BroadcastAll 向所有连接广播，exclude 非空时跳过该连接。
	BroadcastAll(ctx context.Context, env *protocol.Envelope, exclude string) error
	SendError(ctx context.Context, identity, msg string) error
	Publish(ctx context.Context, channel string, payload any, includeOriginator bool) error
}

// Context 是一次 Handler 调用的上下文。
type Context struct {
	context.Context

	Session  session.Session
	Envelope *protocol.Envelope
	// Hub 在出站连接器一侧为 nil。
	Hub Hub
}

// Identity 返回发送方的连接标识。
func (c *Context) Identity() string {
	return c.Session.ID()
}

// Bind 将 data 解码到 v。
func (c *Context) Bind(v any) error {
	return c.Envelope.Bind(v)
}

// Reply 向发送方额外发送一条信封。
func (c *Context) Reply(typ, action string, data any) error {
	env, err := protocol.New(typ, action, data)
	if err != nil {
		return err
	}
	return c.Session.Send(env)
}

// MustHub 返回 Hub，在没有 Hub 的一侧返回 ErrServiceNotReady。
func (c *Context) MustHub() (Hub, error) {
	if c.Hub == nil {
		return nil, merr.WrapErrServiceNotReady("hub", "unavailable on this side")
	}
	return c.Hub, nil
}
