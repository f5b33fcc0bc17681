// Package server 组装一个完整的 realtimed worker：
// WebSocket 接入、会话协调器、扇出总线、空闲清理、worker 存活登记与指标端点。
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/danmu-realtime/internal/auth"
	"github.com/lk2023060901/danmu-realtime/internal/coordinator"
	"github.com/lk2023060901/danmu-realtime/internal/fanout"
	"github.com/lk2023060901/danmu-realtime/internal/network/acceptor"
	"github.com/lk2023060901/danmu-realtime/internal/reaper"
	"github.com/lk2023060901/danmu-realtime/internal/util/workerutil"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
	"github.com/lk2023060901/danmu-realtime/pkg/util/etcd"
)

// Server 持有一个 worker 的全部组件。
type Server struct {
	log.Binder

	cfg Config

	bus      fanout.Bus
	ownsBus  bool
	etcdCli  *clientv3.Client
	ownsEtcd bool
	verifier auth.Verifier
	registry *prometheus.Registry
	listener net.Listener

	coord    *coordinator.Coordinator
	acceptor *acceptor.WSAcceptor
	reaper   *reaper.Reaper
	presence *workerutil.Presence

	httpServer    *http.Server
	metricsServer *http.Server

	mu       sync.Mutex
	cancel   context.CancelFunc
	addr     net.Addr
	ready    chan struct{}
	stopOnce sync.Once
}

type Option func(*Server)

// WithBus 使用外部创建的总线，Server 停止时不会关闭它。
func WithBus(bus fanout.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithVerifier 替换基于配置创建的 JWT 校验器。
func WithVerifier(v auth.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithEtcdClient 使用外部的 etcd 客户端。
func WithEtcdClient(cli *clientv3.Client) Option {
	return func(s *Server) {
		s.etcdCli = cli
	}
}

// WithRegistry 把指标注册到指定的 Registry，而不是全局默认的。
func WithRegistry(r *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithListener 使用已经监听的 listener，忽略 server.listen。
func WithListener(ln net.Listener) Option {
	return func(s *Server) {
		s.listener = ln
	}
}

// New 按配置创建 Server，不会开始监听。
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.listener != nil && s.cfg.Server.Listen == "" {
		s.cfg.Server.Listen = s.listener.Addr().String()
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.cfg.Server.WorkerID == "" {
		s.cfg.Server.WorkerID = uuid.NewString()
	}
	s.SetLogger(log.With(log.FieldComponent("server"), log.FieldWorker(s.cfg.Server.WorkerID)))

	if err := s.init(ctx); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := &s.cfg
	var err error

	if s.etcdCli == nil && cfg.needsEtcd() {
		s.etcdCli, err = etcd.NewClient(cfg.Etcd)
		if err != nil {
			return errors.Wrap(err, "connect etcd")
		}
		s.ownsEtcd = true
	}

	if s.bus == nil {
		s.bus, err = fanout.New(ctx, cfg.Bus, s.etcdCli)
		if err != nil {
			return err
		}
		s.ownsBus = true
	}

	if s.verifier == nil && cfg.Auth.Secret != "" {
		s.verifier, err = auth.NewJWTVerifier(cfg.Auth.JWT())
		if err != nil {
			return err
		}
	}

	if s.registry != nil {
		metrics.Register(s.registry)
	} else {
		metrics.Register(prometheus.DefaultRegisterer)
	}

	coordOpts := []coordinator.Option{
		coordinator.WithWorkerID(cfg.Server.WorkerID),
		coordinator.WithChannelPrefix(cfg.Bus.Prefix),
		coordinator.WithClientList(cfg.Server.ClientList),
		coordinator.WithSelfDelivery(cfg.Server.SelfDelivery),
	}
	if len(cfg.Server.AllowedAttributes) > 0 {
		coordOpts = append(coordOpts, coordinator.WithAllowedAttributes(cfg.Server.AllowedAttributes...))
	}
	s.coord = coordinator.New(s.bus, coordOpts...)

	var accOpts []acceptor.Option
	if s.verifier != nil {
		accOpts = append(accOpts, acceptor.WithVerifier(s.verifier))
	}
	s.acceptor, err = acceptor.New(cfg.acceptorConfig(), acceptor.NewCoordinatorHandler(s.coord), accOpts...)
	if err != nil {
		return err
	}

	s.reaper = reaper.New(cfg.Reaper, s.coord)

	if cfg.Presence.Enabled {
		advertise := cfg.Server.Advertise
		if advertise == "" {
			advertise = cfg.Server.Listen
		}
		s.presence = workerutil.NewPresence(context.Background(), cfg.Presence.Root, s.etcdCli,
			cfg.Server.WorkerID, advertise, s.coord, workerutil.WithTTL(cfg.Presence.TTL))
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(s.acceptor.Path(), s.acceptor)
	mux.HandleFunc("/healthz", s.handleHealth)
	if cfg.Metrics.Listen == "" {
		mux.Handle(cfg.Metrics.Path, s.metricsHandler())
	}
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if cfg.Metrics.Listen != "" {
		mmux := http.NewServeMux()
		mmux.Handle(cfg.Metrics.Path, s.metricsHandler())
		s.metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mmux, ReadHeaderTimeout: 10 * time.Second}
	}
	return nil
}

func (s *Server) metricsHandler() http.Handler {
	if s.registry != nil {
		return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.coord.Running() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Coordinator 返回本 worker 的协调器。
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Config 返回补全默认值后的配置。
func (s *Server) Config() Config {
	return s.cfg
}

// Ready 在开始接受连接后关闭。
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr 返回实际监听地址，Ready 之前为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run 启动所有组件并阻塞，直到 ctx 取消、Stop 被调用或某个组件出错。
// 返回前会完成优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Server.Listen)
		if err != nil {
			return errors.Wrapf(err, "listen %s", s.cfg.Server.Listen)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.addr = ln.Addr()
	s.mu.Unlock()
	defer cancel()

	if err := s.coord.Start(ctx); err != nil {
		ln.Close()
		return err
	}
	if s.presence != nil {
		if err := s.presence.Start(ctx); err != nil {
			ln.Close()
			s.Stop()
			return errors.Wrap(err, "register worker presence")
		}
	}
	s.reaper.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.metricsServer != nil {
		g.Go(func() error {
			if err := s.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.Stop()
		return nil
	})

	s.Logger().Info("realtime server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.acceptor.Path()),
		zap.String("bus", s.bus.Name()),
		zap.Bool("presence", s.presence != nil))
	close(s.ready)
	return g.Wait()
}

// Stop 优雅关闭：先以 going-away 断开本地连接并发布 connection-closed，
// 再注销 presence、关闭 HTTP 服务与自建的总线。可重复调用。
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		s.reaper.Stop()
		if err := s.acceptor.Close(); err != nil {
			s.Logger().Warn("close acceptor failed", zap.Error(err))
		}
		s.coord.Stop()
		if s.presence != nil {
			s.presence.Stop()
		}

		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
		defer cancelShutdown()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Logger().Warn("shutdown http server failed", zap.Error(err))
		}
		if s.metricsServer != nil {
			if err := s.metricsServer.Shutdown(ctx); err != nil {
				s.Logger().Warn("shutdown metrics server failed", zap.Error(err))
			}
		}
		s.release()
		s.Logger().Info("realtime server stopped")
	})
}

func (s *Server) release() {
	if s.ownsBus && s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.Logger().Warn("close bus failed", zap.Error(err))
		}
	}
	if s.ownsEtcd && s.etcdCli != nil {
		if err := s.etcdCli.Close(); err != nil {
			s.Logger().Warn("close etcd client failed", zap.Error(err))
		}
	}
}

var _ reaper.Target = (*coordinator.Coordinator)(nil)

var _ workerutil.Purger = (*coordinator.Coordinator)(nil)
