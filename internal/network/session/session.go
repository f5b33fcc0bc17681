package session

import (
	"context"
	"net"

	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
)

// Session 抽象了一条本地持有的客户端连接。
//
// 约定：
//   - 每个 Session 对应一条 WebSocket 连接，ID 即连接标识，在整个集群内唯一；
//   - 仅接入该连接的 worker 持有 Session，其它 worker 上的副本记录没有 Session；
//   - 框架层只关心会话本身，不关心“用户”等具体业务概念。
type Session interface {
	// ID 返回连接标识。
	ID() string

	// Context 在会话关闭时被取消。
	Context() context.Context

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 将信封投递到会话发送队列，由发送协程按序写出。
	//
	// 会话已关闭或队列已满时返回错误，调用方通常只记录日志。
	Send(env *protocol.Envelope) error

	// SendRaw 投递已经编码好的一帧数据，用于广播时复用同一份编码结果。
	SendRaw(frame []byte) error

	// Close 主动关闭该会话，多次调用是幂等的。
	Close() error
}

// IDGenerator 为新接入的连接分配标识。
type IDGenerator interface {
	Next() string
}
