// Package fanout 在多个 worker 之间传递连接与房间的状态变更。
//
// 总线只提供尽力而为的投递语义；同一频道内的顺序由具体实现保证。
package fanout

import (
	"context"
)

// Message 是总线上的一条原始消息。
type Message struct {
	Channel string
	Payload []byte
}

// Handler 处理订阅收到的消息。同一订阅内的调用是串行的。
type Handler func(msg Message)

// Subscription 表示一次前缀订阅。
type Subscription interface {
	Unsubscribe() error
}

// Bus 是发布订阅总线的抽象。
type Bus interface {
	// Name 返回驱动名，用于日志与指标。
	Name() string

	// Publish 发布一条消息，不等待订阅方处理。
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe 订阅所有以 prefix 开头的频道。
	Subscribe(ctx context.Context, prefix string, h Handler) (Subscription, error)

	// Close 释放底层连接，之后的 Publish 返回 ErrBusUnavailable。
	Close() error
}

type subscriptionFunc func() error

func (f subscriptionFunc) Unsubscribe() error {
	return f()
}
