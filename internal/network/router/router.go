package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// Handler 是暴露给业务层的处理函数签名。
//
// 返回：
//   - resp：可选的响应对象，非 nil 时以 {type, action, response} 回写给发送方；
//   - err ：处理失败时的错误，由 Router 记录日志并转换为错误信封。
type Handler func(c *Context) (resp any, err error)

// Router 维护 (type, action) 到 Handler 的映射，并负责从原始帧到 Handler 的完整调度。
//
// 典型调用链（服务端）：
//  1. Acceptor 读协程读出一帧文本；
//  2. 调用 Router.Dispatch(ctx, sess, raw, hub)；
//  3. Router 解析信封、查找 Handler、执行并回写响应；
//     任何一步失败都会向发送方回写错误信封，连接保持打开。
type Router struct {
	log.Binder

	mu       sync.RWMutex
	routes   map[string]Handler
	outbound map[string]struct{}
	codec    *protocol.Codec
}

// Option 配置 Router。
type Option func(*Router)

// WithCodec 指定信封编解码器。
func WithCodec(c *protocol.Codec) Option {
	return func(r *Router) {
		r.codec = c
	}
}

// WithOutboundOnly 声明只允许服务端下发的 (type, action)，这些组合不能被注册。
func WithOutboundOnly(typ, action string) Option {
	return func(r *Router) {
		r.outbound[key(typ, action)] = struct{}{}
	}
}

// New 创建空 Router。(system, clientList) 默认是只下发的组合。
func New(opts ...Option) *Router {
	r := &Router{
		routes:   make(map[string]Handler),
		outbound: make(map[string]struct{}),
		codec:    protocol.DefaultCodec,
	}
	WithOutboundOnly(protocol.TypeSystem, protocol.ActionClientList)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(typ, action string) string {
	return typ + "/" + action
}

// Register 为 (typ, action) 注册 Handler，同一组合不允许重复注册。
func (r *Router) Register(typ, action string, h Handler) error {
	if typ == "" || action == "" {
		return merr.WrapErrParameterInvalidMsg("router: type and action must not be empty")
	}
	if h == nil {
		return merr.WrapErrParameterInvalidMsg("router: handler is nil for %s", key(typ, action))
	}
	k := key(typ, action)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, reserved := r.outbound[k]; reserved {
		return merr.WrapErrParameterInvalidMsg("router: %s is outbound only", k)
	}
	if _, exists := r.routes[k]; exists {
		return merr.WrapErrDuplicateRoute(typ, action)
	}
	r.routes[k] = h
	return nil
}

// MustRegister 与 Register 相同，失败时 panic，用于初始化阶段。
func (r *Router) MustRegister(typ, action string, h Handler) {
	if err := r.Register(typ, action, h); err != nil {
		panic(err)
	}
}

// Has 判断 (typ, action) 是否已注册。
func (r *Router) Has(typ, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[key(typ, action)]
	return ok
}

// Routes 返回已注册的路由，按字典序排列。
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.routes))
	for k := range r.routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Router) lookup(typ, action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.routes[key(typ, action)]
	return h, ok
}

// Dispatch 处理一帧入站数据。
//
// 返回值只用于调用方记录与统计；向发送方回写错误信封已经在内部完成。
func (r *Router) Dispatch(ctx context.Context, sess session.Session, raw []byte, hub Hub) error {
	if sess == nil {
		return merr.WrapErrParameterMissing("session")
	}
	logger := r.Logger().WithIdentity(sess.ID())

	env, err := r.codec.Decode(raw)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("", "", metrics.ResultMalformed).Inc()
		logger.RatedWarn(1, "drop malformed message", zap.Error(err))
		r.replyError(sess, err.Error())
		return err
	}

	h, ok := r.lookup(env.Type, env.Action)
	if !ok {
		err := merr.WrapErrUnknownRoute(env.Type, env.Action)
		metrics.DispatchTotal.WithLabelValues(env.Type, env.Action, metrics.ResultUnknown).Inc()
		logger.RatedWarn(1, "no handler for route", log.FieldRoute(env.Type, env.Action))
		r.replyError(sess, fmt.Sprintf("unknown route %s", env.Route()))
		return err
	}

	c := &Context{
		Context:  ctx,
		Session:  sess,
		Envelope: env,
		Hub:      hub,
	}

	start := time.Now()
	resp, err := invoke(h, c)
	metrics.DispatchLatency.WithLabelValues(env.Type, env.Action).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(env.Type, env.Action, metrics.ResultFailed).Inc()
		logger.Warn("handler failed", log.FieldRoute(env.Type, env.Action), zap.Error(err))
		r.replyError(sess, merr.Message(err))
		return merr.WrapErrHandlerFailure(env.Type, env.Action, err)
	}
	metrics.DispatchTotal.WithLabelValues(env.Type, env.Action, metrics.ResultOK).Inc()

	if resp == nil {
		return nil
	}
	if err := sess.Send(protocol.NewResponse(env.Type, env.Action, resp)); err != nil {
		logger.Debug("send response failed", log.FieldRoute(env.Type, env.Action), zap.Error(err))
	}
	return nil
}

// invoke 执行 Handler，并把 panic 转换为错误。
func invoke(h Handler, c *Context) (resp any, err error) {
	defer func() {
		if x := recover(); x != nil {
			resp = nil
			err = errors.Newf("handler panicked: %v", x)
		}
	}()
	return h(c)
}

func (r *Router) replyError(sess session.Session, msg string) {
	if err := sess.Send(protocol.NewError(msg)); err != nil {
		r.Logger().WithIdentity(sess.ID()).Debug("send error envelope failed", zap.Error(err))
	}
}
