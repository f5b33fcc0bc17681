package fanout

import (
	"context"
	"strings"
	"sync"

	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

const (
	DriverMemory = "memory"

	defaultMemoryQueueSize = 1024
)

// MemoryBus 是进程内的总线实现，供单机部署与测试使用。
// 多个 Coordinator 共享同一个 MemoryBus 即可模拟多 worker。
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscriber
	nextID uint64
	closed bool

	queueSize int
}

type memorySubscriber struct {
	prefix string
	h      Handler
	queue  chan Message
	done   chan struct{}
	once   sync.Once
}

// MemoryOption 配置 MemoryBus。
type MemoryOption func(*MemoryBus)

// WithQueueSize 设置每个订阅者的队列长度。
func WithQueueSize(size int) MemoryOption {
	return func(b *MemoryBus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// NewMemoryBus 创建进程内总线。
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		subs:      make(map[uint64]*memorySubscriber),
		queueSize: defaultMemoryQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) Name() string {
	return DriverMemory
}

// Publish 把消息放入每个匹配订阅者的队列，从不阻塞。
//
// 订阅者的 Handler 可能在分发协程内再次发布，队列满时阻塞会让它等待自己，
// 因此队列满时丢弃该订阅者的这条消息并计数，与外部总线的慢消费者行为一致。
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return merr.WrapErrBusUnavailable(DriverMemory, nil)
	}

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, sub := range b.subs {
		if !strings.HasPrefix(channel, sub.prefix) {
			continue
		}
		select {
		case sub.queue <- msg:
		case <-sub.done:
		default:
			metrics.BusEventsDropped.WithLabelValues(DriverMemory).Inc()
			log.RatedWarn(1, "memory bus queue full, message dropped", log.FieldChannel(channel))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, prefix string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, merr.WrapErrBusUnavailable(DriverMemory, nil)
	}

	sub := &memorySubscriber{
		prefix: prefix,
		h:      h,
		queue:  make(chan Message, b.queueSize),
		done:   make(chan struct{}),
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	go sub.loop()

	return subscriptionFunc(func() error {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
		return nil
	}), nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*memorySubscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (s *memorySubscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.h(msg)
		}
	}
}

// stop 结束分发协程，不等待正在执行的 Handler 返回。
func (s *memorySubscriber) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}
