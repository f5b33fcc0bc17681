package etcd

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/pkg/log"
)

// 嵌入式 etcd 服务的单例实例。
var (
	initOnce   sync.Once
	closeOnce  sync.Once
	etcdServer *embed.Etcd
)

// ClientConfig 描述如何获取 etcd 客户端。
type ClientConfig struct {
	Endpoints   []string      `mapstructure:"endpoints" env:"REALTIME_ETCD_ENDPOINTS" envSeparator:","`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`

	// 以下字段仅在 UseEmbed 为 true 时生效。
	UseEmbed   bool   `mapstructure:"useEmbed" env:"REALTIME_ETCD_USE_EMBED"`
	ConfigPath string `mapstructure:"configPath"`
	DataDir    string `mapstructure:"dataDir"`
	LogPath    string `mapstructure:"logPath"`
	LogLevel   string `mapstructure:"logLevel"`
}

// NewClient 根据配置返回远程或嵌入式 etcd 客户端。
func NewClient(cfg ClientConfig) (*clientv3.Client, error) {
	if cfg.UseEmbed {
		if err := InitEtcdServer(true, cfg.ConfigPath, cfg.DataDir, cfg.LogPath, cfg.LogLevel); err != nil {
			return nil, err
		}
		return GetEmbedEtcdClient()
	}

	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints configured")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
}

// GetEmbedEtcdClient 返回嵌入式 etcd 服务对应的 v3 客户端。
func GetEmbedEtcdClient() (*clientv3.Client, error) {
	if etcdServer == nil {
		return nil, errors.New("etcd: embedded server not initialized")
	}
	client := v3client.New(etcdServer.Server)
	return client, nil
}

// InitEtcdServer 初始化嵌入式 etcd 单例服务，并等待其可以对外服务。
func InitEtcdServer(
	useEmbedEtcd bool,
	configPath string,
	dataDir string,
	logPath string,
	logLevel string,
) error {
	if !useEmbedEtcd {
		return nil
	}
	var initError error
	initOnce.Do(func() {
		path := configPath
		var cfg *embed.Config
		if len(path) > 0 {
			cfgFromFile, err := embed.ConfigFromFile(path)
			if err != nil {
				initError = err
				return
			}
			cfg = cfgFromFile
		} else {
			cfg = embed.NewConfig()
		}
		if dataDir != "" {
			cfg.Dir = dataDir
		}
		if logPath != "" {
			cfg.LogOutputs = []string{logPath}
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		e, err := embed.StartEtcd(cfg)
		if err != nil {
			log.Error("failed to init embedded Etcd server", zap.Error(err))
			initError = err
			return
		}
		select {
		case <-e.Server.ReadyNotify():
		case <-time.After(time.Minute):
			e.Close()
			initError = errors.New("etcd: embedded server took too long to start")
			return
		}
		etcdServer = e
		log.Info("finish init Etcd config", zap.String("path", path), zap.String("data", cfg.Dir))
	})
	return initError
}

func HasServer() bool {
	return etcdServer != nil
}

// StopEtcdServer stops embedded etcd server singleton.
func StopEtcdServer() {
	if etcdServer != nil {
		closeOnce.Do(func() {
			etcdServer.Close()
		})
	}
}
