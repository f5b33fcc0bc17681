package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/fanout"
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
)

// onMessage 处理总线消息。本 worker 发布且未要求回送的事件直接跳过。
func (c *Coordinator) onMessage(ctx context.Context, msg fanout.Message) {
	if !c.running.Load() {
		return
	}
	ev, err := c.codec.Decode(msg.Channel, msg.Payload)
	if err != nil {
		metrics.BusErrors.WithLabelValues(c.bus.Name(), metrics.OpDecode).Inc()
		c.Logger().RatedWarn(1, "drop undecodable bus message", log.FieldChannel(msg.Channel), zap.Error(err))
		return
	}
	if ev.WorkerID == c.workerID && !ev.IncludeOriginator {
		metrics.BusEventsReceived.WithLabelValues(string(ev.Kind), metrics.ResultSkipped).Inc()
		return
	}
	if err := c.replay(ctx, ev); err != nil {
		metrics.BusEventsReceived.WithLabelValues(string(ev.Kind), metrics.ResultRejected).Inc()
		c.Logger().RatedInfo(1, "bus event not applied",
			zap.String("kind", string(ev.Kind)),
			log.FieldIdentity(ev.Identity),
			zap.String("from", ev.WorkerID),
			zap.Error(err))
		return
	}
	metrics.BusEventsReceived.WithLabelValues(string(ev.Kind), metrics.ResultApplied).Inc()
}

// replay 把远端事件应用到本地状态。
func (c *Coordinator) replay(ctx context.Context, ev *fanout.Event) error {
	switch ev.Kind {
	case fanout.KindConnectionOpened:
		attrs, rejected := c.registry.FilterAttributes(ev.Attributes)
		for _, err := range rejected {
			c.Logger().RatedWarn(1, "drop replicated attribute",
				log.FieldIdentity(ev.Identity),
				zap.String("from", ev.WorkerID),
				zap.Error(err))
		}
		rec := session.Record{
			Identity:   ev.Identity,
			WorkerID:   ev.WorkerID,
			User:       ev.AuthenticatedUser,
			Attributes: attrs,
		}
		if ev.LastActivity > 0 {
			rec.LastActivity = time.UnixMilli(ev.LastActivity)
		}
		return c.applyConnectionOpened(rec)
	case fanout.KindConnectionClosed:
		c.applyConnectionClosed(ev.Identity, ev.WorkerID)
	case fanout.KindRoomJoined:
		return c.applyRoomJoined(ev.Identity, ev.Room)
	case fanout.KindRoomLeft:
		c.applyRoomLeft(ev.Identity, ev.Room)
	case fanout.KindAttributeChanged:
		return c.applyAttributeChanged(ev.Identity, ev.Key, ev.Value)
	case fanout.KindBroadcast:
		c.applyBroadcast(ev)
	case fanout.KindTargetedError:
		c.applyTargetedError(ev.Identity, ev.Error)
	case fanout.KindForceDisconnect:
		c.applyForceDisconnect(ctx, ev.Identity)
	case fanout.KindCustom:
		c.applyCustom(ctx, ev.Channel, ev.Payload)
	}
	return nil
}

func (c *Coordinator) applyConnectionOpened(rec session.Record) error {
	return c.registry.Add(rec)
}

// applyConnectionClosed 移出所有房间并删除记录。owner 非空时只删除属于该 worker 的记录。
func (c *Coordinator) applyConnectionClosed(identity, owner string) (session.Record, bool) {
	var removed session.Record
	ok := c.rooms.Evict(identity, func() bool {
		var ok bool
		if owner != "" {
			removed, ok = c.registry.RemoveOwned(identity, owner)
		} else {
			removed, ok = c.registry.Remove(identity)
		}
		return ok
	})
	if ok {
		c.updateGauges()
	}
	return removed, ok
}

func (c *Coordinator) applyRoomJoined(identity, room string) error {
	if err := c.rooms.Join(room, identity); err != nil {
		return err
	}
	c.updateGauges()
	return nil
}

func (c *Coordinator) applyRoomLeft(identity, room string) bool {
	left := c.rooms.Leave(room, identity)
	if left {
		c.updateGauges()
	}
	return left
}

func (c *Coordinator) applyAttributeChanged(identity, key string, value any) error {
	return c.registry.SetAttribute(identity, key, value)
}

// applyBroadcast 把消息投递给满足过滤条件的本地连接。
func (c *Coordinator) applyBroadcast(ev *fanout.Event) int {
	frame, err := protocol.Encode(&protocol.Envelope{Type: ev.Type, Action: ev.Action, Data: ev.Data})
	if err != nil {
		c.Logger().Warn("failed to encode broadcast", log.FieldRoute(ev.Type, ev.Action), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, rec := range c.registry.Local() {
		if rec.Identity == ev.ExcludeIdentity {
			continue
		}
		if !ev.Filter.Matches(rec, c.rooms.IsMember) {
			continue
		}
		if err := rec.Handle.SendRaw(frame); err != nil {
			c.Logger().WithIdentity(rec.Identity).RatedDebug(1, "broadcast delivery failed", zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (c *Coordinator) applyTargetedError(identity, msg string) bool {
	rec, ok := c.registry.Get(identity)
	if !ok || !rec.IsLocal() {
		return false
	}
	if err := rec.Handle.Send(protocol.NewError(msg)); err != nil {
		c.Logger().WithIdentity(identity).Debug("targeted error delivery failed", zap.Error(err))
	}
	return true
}

// applyForceDisconnect 关闭本地连接并走正常的关闭流程，非本地连接时是无操作。
func (c *Coordinator) applyForceDisconnect(ctx context.Context, identity string) bool {
	rec, ok := c.registry.Get(identity)
	if !ok || !rec.IsLocal() {
		return false
	}
	if err := rec.Handle.Close(); err != nil {
		c.Logger().WithIdentity(identity).Debug("close handle failed", zap.Error(err))
	}
	c.Close(ctx, identity)
	return true
}
