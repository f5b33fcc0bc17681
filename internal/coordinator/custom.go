package coordinator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/match"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/json"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
	"github.com/lk2023060901/danmu-realtime/pkg/util/conc"
)

// CustomHandler 处理自定义频道上的消息，在协程池中执行。
type CustomHandler func(ctx context.Context, channel string, payload json.RawMessage)

type customSubscriber struct {
	pattern string
	fn      CustomHandler
}

// Subscribe 订阅自定义频道。pattern 支持 * 与 ? 通配，返回取消订阅函数。
func (c *Coordinator) Subscribe(pattern string, fn CustomHandler) func() {
	c.customMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.custom[id] = customSubscriber{pattern: pattern, fn: fn}
	c.customMu.Unlock()

	return func() {
		c.customMu.Lock()
		delete(c.custom, id)
		c.customMu.Unlock()
	}
}

// applyCustom 把消息交给匹配的订阅者。协程池满时丢弃回调，不阻塞总线分发。
func (c *Coordinator) applyCustom(ctx context.Context, channel string, payload json.RawMessage) int {
	c.customMu.RLock()
	var matched []CustomHandler
	for _, sub := range c.custom {
		if sub.pattern == channel || match.Match(channel, sub.pattern) {
			matched = append(matched, sub.fn)
		}
	}
	c.customMu.RUnlock()

	pool := c.pool.Load()
	if pool == nil {
		return 0
	}
	submitted := 0
	for _, fn := range matched {
		future := pool.Submit(func() (any, error) {
			defer func() {
				if x := recover(); x != nil {
					c.Logger().Warn("custom channel handler panicked", log.FieldChannel(channel), zap.Any("panic", x))
				}
			}()
			fn(ctx, channel, payload)
			return nil, nil
		})
		select {
		case <-future.Inner():
			if errors.Is(future.Err(), conc.ErrPoolOverload) {
				metrics.CustomCallbacksDropped.WithLabelValues(c.workerID).Inc()
				c.Logger().RatedWarn(1, "custom callback pool full, callback dropped", log.FieldChannel(channel))
				continue
			}
		default:
		}
		submitted++
	}
	return submitted
}
