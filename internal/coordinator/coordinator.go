// Package coordinator 把连接注册表、房间索引与总线组合成一个集群级的会话层。
//
// 所有状态变更都以事件的形式表达：本地操作先调用对应的 apply 函数修改本地状态，
// 再把同一事件发布到总线；其它 worker 收到事件后调用同一个 apply 函数回放。
// 因此每个 worker 的注册表都是所有 worker 本地连接的并集。
package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/fanout"
	"github.com/lk2023060901/danmu-realtime/internal/network/room"
	"github.com/lk2023060901/danmu-realtime/internal/network/router"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/util/conc"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

const defaultCallbackPoolSize = 16

var _ router.Hub = (*Coordinator)(nil)

// Option 配置 Coordinator。
type Option func(*Coordinator)

// WithWorkerID 指定当前 worker 的标识，默认随机生成。
func WithWorkerID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.workerID = id
		}
	}
}

// WithChannelPrefix 指定总线频道前缀。
func WithChannelPrefix(prefix string) Option {
	return func(c *Coordinator) {
		c.codec = fanout.NewCodec(prefix)
	}
}

// WithRouter 使用外部创建的 Router，默认路由会注册到其上。
func WithRouter(r *router.Router) Option {
	return func(c *Coordinator) {
		c.router = r
	}
}

// WithAllowedAttributes 覆盖允许写入的连接属性。
func WithAllowedAttributes(keys ...string) Option {
	return func(c *Coordinator) {
		c.allowed = keys
	}
}

// WithClientList 控制注册表变更时是否向本地连接下发花名册。
func WithClientList(enabled bool) Option {
	return func(c *Coordinator) {
		c.clientList = enabled
	}
}

// WithSelfDelivery 为 true 时广播只经过总线，本 worker 的连接也从总线收到消息。
func WithSelfDelivery(enabled bool) Option {
	return func(c *Coordinator) {
		c.selfViaBus = enabled
	}
}

// WithCallbackPoolSize 设置执行自定义频道回调的协程池大小。
func WithCallbackPoolSize(size int) Option {
	return func(c *Coordinator) {
		if size > 0 {
			c.poolSize = size
		}
	}
}

// Coordinator 是每个 worker 上唯一的会话协调器。
type Coordinator struct {
	log.Binder

	workerID   string
	bus        fanout.Bus
	codec      *fanout.Codec
	registry   *session.Registry
	rooms      *room.Index
	router     *router.Router
	allowed    []string
	clientList bool
	selfViaBus bool
	poolSize   int

	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	sub       fanout.Subscription
	pool      atomic.Pointer[conc.Pool[any]]
	ctx       context.Context

	customMu  sync.RWMutex
	custom    map[uint64]customSubscriber
	nextSubID uint64
}

// New 创建 Coordinator 并注册默认路由 (system, joinRoom) 与 (system, leaveRoom)。
func New(bus fanout.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		workerID:   uuid.NewString(),
		bus:        bus,
		codec:      fanout.NewCodec(""),
		clientList: true,
		poolSize:   defaultCallbackPoolSize,
		custom:     make(map[uint64]customSubscriber),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}

	regOpts := []session.RegistryOption{session.WithObserver(c.onRegistryChange)}
	if c.allowed != nil {
		regOpts = append(regOpts, session.WithAllowedAttributes(c.allowed...))
	}
	c.registry = session.NewRegistry(regOpts...)
	c.rooms = room.NewIndex(c.registry.Has)

	if c.router == nil {
		c.router = router.New()
	}
	c.registerDefaultRoutes()

	c.SetLogger(log.With(log.FieldComponent("coordinator"), log.FieldWorker(c.workerID)))
	c.router.SetLogger(c.Logger())
	return c
}

func (c *Coordinator) WorkerID() string {
	return c.workerID
}

func (c *Coordinator) Registry() *session.Registry {
	return c.registry
}

func (c *Coordinator) Rooms() *room.Index {
	return c.rooms
}

func (c *Coordinator) Router() *router.Router {
	return c.router
}

// Running 判断是否已启动。
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Start 订阅总线并开始回放其它 worker 的事件。重复调用是无操作。
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running.Load() {
		return nil
	}
	if c.bus == nil {
		return merr.WrapErrServiceNotReady("coordinator", "no bus")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := c.bus.Subscribe(runCtx, c.codec.Prefix(), func(msg fanout.Message) {
		c.onMessage(runCtx, msg)
	})
	if err != nil {
		cancel()
		return err
	}
	c.ctx = runCtx
	c.cancel = cancel
	c.sub = sub
	c.pool.Store(conc.NewPool[any](c.poolSize, conc.WithNonBlocking(true), conc.WithConcealPanic(true)))
	c.running.Store(true)

	c.Logger().Info("coordinator started", zap.String("bus", c.bus.Name()), log.FieldChannel(c.codec.Prefix()))
	return nil
}

// Stop 通知其它 worker 本地连接已关闭，取消订阅，关闭本地连接并清空状态。
// 重复调用是无操作，停止后可以再次 Start。
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.running.Load() {
		return
	}
	c.running.Store(false)

	locals := c.registry.Local()
	ctx := context.WithoutCancel(c.ctx)
	for _, rec := range locals {
		_ = c.publish(ctx, &fanout.Event{Kind: fanout.KindConnectionClosed, Identity: rec.Identity})
	}

	if err := c.sub.Unsubscribe(); err != nil {
		c.Logger().Warn("failed to unsubscribe from bus", zap.Error(err))
	}
	c.cancel()

	for _, rec := range locals {
		if err := rec.Handle.Close(); err != nil {
			c.Logger().WithIdentity(rec.Identity).Debug("close handle on stop", zap.Error(err))
		}
	}
	c.registry.Reset()
	c.rooms.Reset()
	if pool := c.pool.Swap(nil); pool != nil {
		pool.Release()
	}
	c.updateGauges()

	c.Logger().Info("coordinator stopped", zap.Int("closedConnections", len(locals)))
}
