package acceptor

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/coordinator"
	"github.com/lk2023060901/danmu-realtime/internal/network"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
)

// CoordinatorHandler 把连接生命周期转交给 Coordinator。
type CoordinatorHandler struct {
	coord *coordinator.Coordinator
}

var _ Handler = (*CoordinatorHandler)(nil)

func NewCoordinatorHandler(c *coordinator.Coordinator) *CoordinatorHandler {
	return &CoordinatorHandler{coord: c}
}

func (h *CoordinatorHandler) OnConnected(ctx context.Context, sess session.Session, user *session.User) error {
	return h.coord.Accept(ctx, sess, user)
}

// OnMessage 的错误已经由 Router 回写并记录，这里不再处理。
func (h *CoordinatorHandler) OnMessage(ctx context.Context, sess session.Session, frame []byte) {
	_ = h.coord.HandleFrame(ctx, sess, frame)
}

// OnClosed 在连接上下文取消之后调用，发布关闭事件时不能再使用该上下文。
func (h *CoordinatorHandler) OnClosed(ctx context.Context, sess session.Session, err error) {
	h.coord.Close(context.WithoutCancel(ctx), sess.ID())
}

func (h *CoordinatorHandler) OnError(sess session.Session, stage network.Stage, err error) {
	logger := log.With(log.FieldComponent("acceptor"), zap.String("stage", string(stage)))
	if sess != nil {
		logger = logger.WithIdentity(sess.ID())
	}
	logger.RatedWarn(1, "connection error", zap.Error(err))
}
