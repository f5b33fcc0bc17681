package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/fanout"
	"github.com/lk2023060901/danmu-realtime/internal/json"
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// publish 把事件发布到总线。失败只记录日志与指标，本地状态不回滚。
func (c *Coordinator) publish(ctx context.Context, ev *fanout.Event) error {
	ev.WorkerID = c.workerID
	channel, payload, err := c.codec.Encode(ev)
	if err != nil {
		c.Logger().Warn("failed to encode bus event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return err
	}
	if err := c.bus.Publish(ctx, channel, payload); err != nil {
		metrics.BusErrors.WithLabelValues(c.bus.Name(), metrics.OpPublish).Inc()
		c.Logger().RatedWarn(1, "failed to publish bus event", log.FieldChannel(channel), zap.Error(err))
		return err
	}
	metrics.BusEventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

func (c *Coordinator) ensureRunning() error {
	if !c.running.Load() {
		return merr.WrapErrServiceNotReady("coordinator", "stopped")
	}
	return nil
}

// Accept 登记一条本地连接并通知其它 worker。
// user 非空时向客户端下发 (system, connected)。
func (c *Coordinator) Accept(ctx context.Context, sess session.Session, user *session.User) error {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	now := time.Now()
	rec := session.Record{
		Identity:     sess.ID(),
		WorkerID:     c.workerID,
		Handle:       sess,
		LastActivity: now,
		User:         user,
	}
	if err := c.applyConnectionOpened(rec); err != nil {
		return err
	}

	_ = c.publish(ctx, &fanout.Event{
		Kind:              fanout.KindConnectionOpened,
		Identity:          rec.Identity,
		LastActivity:      now.UnixMilli(),
		AuthenticatedUser: user,
	})

	if user != nil {
		env, err := protocol.New(protocol.TypeSystem, protocol.ActionConnected, protocol.ConnectedData{
			ClientID: rec.Identity,
			UserID:   user.UserID,
		})
		if err == nil {
			err = sess.Send(env)
		}
		if err != nil {
			c.Logger().WithIdentity(rec.Identity).Debug("send connected failed", zap.Error(err))
		}
	}
	c.Logger().WithIdentity(rec.Identity).Debug("connection accepted", zap.Bool("authenticated", user != nil))
	return nil
}

// Close 清理一条本地连接。只有确实删除了本地记录时才通知其它 worker。
func (c *Coordinator) Close(ctx context.Context, identity string) bool {
	rec, ok := c.registry.Get(identity)
	if !ok || !rec.IsLocal() {
		return false
	}
	if _, removed := c.applyConnectionClosed(identity, c.workerID); !removed {
		return false
	}
	if c.running.Load() {
		_ = c.publish(ctx, &fanout.Event{Kind: fanout.KindConnectionClosed, Identity: identity})
	}
	c.Logger().WithIdentity(identity).Debug("connection closed")
	return true
}

// HandleFrame 刷新活跃时间并调度一帧入站数据。
func (c *Coordinator) HandleFrame(ctx context.Context, sess session.Session, raw []byte) error {
	c.registry.Touch(sess.ID(), time.Now())
	return c.router.Dispatch(ctx, sess, raw, c)
}

// Touch 刷新连接的最近活跃时间。
func (c *Coordinator) Touch(identity string) bool {
	return c.registry.Touch(identity, time.Now())
}

func (c *Coordinator) JoinRoom(ctx context.Context, identity, room string) error {
	if err := c.applyRoomJoined(identity, room); err != nil {
		return err
	}
	_ = c.publish(ctx, &fanout.Event{Kind: fanout.KindRoomJoined, Identity: identity, Room: room})
	return nil
}

// LeaveRoom 离开房间，不是成员时是无操作。
func (c *Coordinator) LeaveRoom(ctx context.Context, identity, room string) error {
	if room == "" {
		return merr.WrapErrParameterMissing("roomName")
	}
	if c.applyRoomLeft(identity, room) {
		_ = c.publish(ctx, &fanout.Event{Kind: fanout.KindRoomLeft, Identity: identity, Room: room})
	}
	return nil
}

func (c *Coordinator) SetAttribute(ctx context.Context, identity, key string, value any) error {
	if err := c.applyAttributeChanged(identity, key, value); err != nil {
		return err
	}
	_ = c.publish(ctx, &fanout.Event{Kind: fanout.KindAttributeChanged, Identity: identity, Key: key, Value: value})
	return nil
}

func (c *Coordinator) BroadcastToRoom(ctx context.Context, room string, env *protocol.Envelope, exclude string) error {
	if room == "" {
		return merr.WrapErrParameterMissing("roomName")
	}
	return c.Broadcast(ctx, env, &fanout.Filter{Room: room}, exclude)
}

func (c *Coordinator) BroadcastAll(ctx context.Context, env *protocol.Envelope, exclude string) error {
	return c.Broadcast(ctx, env, nil, exclude)
}

// Broadcast 向集群内满足过滤条件的连接广播，exclude 非空时跳过该连接。
func (c *Coordinator) Broadcast(ctx context.Context, env *protocol.Envelope, filter *fanout.Filter, exclude string) error {
	if env == nil {
		return merr.WrapErrParameterMissing("envelope")
	}
	ev := &fanout.Event{
		Kind:            fanout.KindBroadcast,
		Type:            env.Type,
		Action:          env.Action,
		Data:            env.Data,
		ExcludeIdentity: exclude,
		Filter:          filter,
	}
	if c.selfViaBus {
		ev.IncludeOriginator = true
		if err := c.publish(ctx, ev); err == nil {
			return nil
		}
		ev.IncludeOriginator = false
		c.applyBroadcast(ev)
		return nil
	}
	c.applyBroadcast(ev)
	_ = c.publish(ctx, ev)
	return nil
}

// SendTo 向单个连接发送信封。目标是其它 worker 的连接时静默丢弃。
func (c *Coordinator) SendTo(_ context.Context, identity string, env *protocol.Envelope) error {
	rec, ok := c.registry.Get(identity)
	if !ok {
		return merr.WrapErrConnectionNotFound(identity)
	}
	if !rec.IsLocal() {
		c.Logger().WithIdentity(identity).Debug("drop direct message to remote connection", log.FieldWorker(rec.WorkerID))
		return nil
	}
	return rec.Handle.Send(env)
}

// SendError 向连接发送错误信封，连接不在本地时交给持有它的 worker。
func (c *Coordinator) SendError(ctx context.Context, identity, msg string) error {
	if c.applyTargetedError(identity, msg) {
		return nil
	}
	return c.publish(ctx, &fanout.Event{Kind: fanout.KindTargetedError, Identity: identity, Error: msg})
}

// ForceDisconnect 断开连接，连接不在本地时交给持有它的 worker。
func (c *Coordinator) ForceDisconnect(ctx context.Context, identity string) error {
	if c.applyForceDisconnect(ctx, identity) {
		return nil
	}
	return c.publish(ctx, &fanout.Event{Kind: fanout.KindForceDisconnect, Identity: identity})
}

// PurgeWorker 删除某个已离线 worker 的所有副本记录，返回删除的数量。不发布事件。
func (c *Coordinator) PurgeWorker(workerID string) int {
	if workerID == "" || workerID == c.workerID {
		return 0
	}
	purged := 0
	for _, rec := range c.registry.OwnedBy(workerID) {
		if rec.IsLocal() {
			continue
		}
		if _, ok := c.applyConnectionClosed(rec.Identity, workerID); ok {
			purged++
		}
	}
	if purged > 0 {
		c.Logger().Info("purged connections of departed worker", log.FieldWorker(workerID), zap.Int("count", purged))
	}
	return purged
}

// Publish 在自定义频道上发布负载。includeOriginator 为 true 时本 worker 的订阅者也会收到。
func (c *Coordinator) Publish(ctx context.Context, channel string, payload any, includeOriginator bool) error {
	if err := fanout.ValidateChannel(channel); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return merr.WrapErrParameterInvalidMsg("payload of channel %s is not serializable: %v", channel, err)
	}
	return c.publish(ctx, &fanout.Event{
		Kind:              fanout.KindCustom,
		Channel:           channel,
		Payload:           raw,
		IncludeOriginator: includeOriginator,
	})
}
