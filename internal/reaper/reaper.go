// Package reaper 定期断开长时间没有活动的本地连接。
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
)

// Config 是清理器的配置。
type Config struct {
	Enabled       bool          `mapstructure:"enabled" env:"REALTIME_REAPER_ENABLED"`
	CheckInterval time.Duration `mapstructure:"checkInterval"`
	MaxIdle       time.Duration `mapstructure:"maxIdle" env:"REALTIME_REAPER_MAX_IDLE"`
}

// DefaultConfig 每 30 秒检查一次，空闲超过 5 分钟的连接会被断开。
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		CheckInterval: 30 * time.Second,
		MaxIdle:       5 * time.Minute,
	}
}

// Target 是被清理的一方，通常是 coordinator.Coordinator。
type Target interface {
	WorkerID() string
	Registry() *session.Registry
	ForceDisconnect(ctx context.Context, identity string) error
}

// Reaper 只检查本地连接，副本记录由持有连接的 worker 负责。
type Reaper struct {
	log.Binder

	cfg    Config
	target Target
	now    func() time.Time

	mu      sync.Mutex
	ticker  *time.Ticker
	release func() bool
	done    chan struct{}
}

type Option func(*Reaper)

// WithClock 替换时间来源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		r.now = now
	}
}

func New(cfg Config, target Target, opts ...Option) *Reaper {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = def.MaxIdle
	}
	r := &Reaper{
		cfg:    cfg,
		target: target,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.SetLogger(log.With(log.FieldComponent("reaper"), log.FieldWorker(target.WorkerID())))
	return r
}

// Start 启动定时检查。ctx 取消时自动停止。未启用或已启动时是无操作。
func (r *Reaper) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker != nil {
		return
	}

	ticker := time.NewTicker(r.cfg.CheckInterval)
	done := make(chan struct{})
	r.ticker = ticker
	r.done = done
	r.release = context.AfterFunc(ctx, r.Stop)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.Sweep(ctx, r.now())
			}
		}
	}()
	r.Logger().Info("reaper started",
		zap.Duration("checkInterval", r.cfg.CheckInterval),
		zap.Duration("maxIdle", r.cfg.MaxIdle))
}

// Stop 停止定时检查，可以重复调用。
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.done)
	r.release()
	r.ticker = nil
	r.done = nil
	r.release = nil
}

// Sweep 断开在 at 时刻空闲超过 MaxIdle 的本地连接，返回断开的数量。
func (r *Reaper) Sweep(ctx context.Context, at time.Time) int {
	reaped := 0
	for _, rec := range r.target.Registry().Local() {
		idle := at.Sub(rec.LastActivity)
		if idle <= r.cfg.MaxIdle {
			continue
		}
		if err := r.target.ForceDisconnect(ctx, rec.Identity); err != nil {
			r.Logger().WithIdentity(rec.Identity).Warn("failed to disconnect idle connection", zap.Error(err))
			continue
		}
		reaped++
		r.Logger().WithIdentity(rec.Identity).Info("idle connection disconnected", zap.Duration("idle", idle))
	}
	if reaped > 0 {
		metrics.ReapedConnections.WithLabelValues(r.target.WorkerID()).Add(float64(reaped))
	}
	return reaped
}
