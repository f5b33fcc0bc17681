// Package application 是 realtimed 的运行容器：解析配置、初始化日志并运行 worker。
package application

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/server"
	zlog "github.com/lk2023060901/danmu-realtime/pkg/log"
	zviper "github.com/lk2023060901/danmu-realtime/pkg/util/viper"
)

// Application 持有已加载的配置和按模块划分的 Logger。
type Application struct {
	configPath string
	cfg        *server.Config
	raw        *zviper.Config
	loggers    map[string]*zlog.MLogger
}

// New 创建 Application，configPath 为空时按 ResolveConfigPath 的规则查找。
func New(configPath string) *Application {
	return &Application{configPath: ResolveConfigPath(configPath)}
}

// Init 加载配置并初始化全局与模块日志。
func (a *Application) Init() error {
	cfg, raw, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.raw = raw
	return a.initLogging()
}

// Config 返回已加载的配置，Init 之前为 nil。
func (a *Application) Config() *server.Config {
	return a.cfg
}

// Logger 返回配置中 logging.<name> 对应的 Logger，未配置时退回全局 Logger。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// Serve 创建 Server 并阻塞运行，直到 ctx 取消。
func (a *Application) Serve(ctx context.Context) error {
	if a.cfg == nil {
		if err := a.Init(); err != nil {
			return err
		}
	}
	srv, err := server.New(ctx, *a.cfg)
	if err != nil {
		return errors.Wrap(err, "create server")
	}
	zlog.Info("starting realtimed",
		zap.String("config", a.configPath),
		zap.String("listen", a.cfg.Server.Listen),
		zap.String("bus", a.cfg.Bus.Driver))
	return srv.Run(ctx)
}

func (a *Application) initLogging() error {
	logger, props, err := zlog.InitLogger(&a.cfg.Log)
	if err != nil {
		return errors.Wrap(err, "init global logger")
	}
	zlog.ReplaceGlobals(logger, props)
	return a.initModuleLoggers()
}

// initModuleLoggers 按 logging 节点创建模块 Logger，例如：
//
//	logging:
//	  bus:
//	    level: debug
//	    stdout: true
func (a *Application) initModuleLoggers() error {
	if a.raw == nil || !a.raw.IsSet("logging") {
		return nil
	}
	raw := make(map[string]zlog.Config)
	if err := a.raw.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfg := lc
		logger, _, err := zlog.InitLogger(&cfg)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger}
	}
	return nil
}
