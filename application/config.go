package application

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-realtime/internal/server"
	zviper "github.com/lk2023060901/danmu-realtime/pkg/util/viper"
)

const (
	// ConfigPathEnv 指定配置文件路径的环境变量。
	ConfigPathEnv = "REALTIME_CONFIG_FILE_PATH"

	defaultConfigPath = "./config.yaml"
)

// ResolveConfigPath 按 命令行 > REALTIME_CONFIG_FILE_PATH > ./config.yaml 的顺序选择配置文件。
// 默认文件不存在时返回空串，表示只使用默认值和环境变量。
func ResolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// LoadConfig 依次应用默认值、配置文件与 REALTIME_* 环境变量，并校验结果。
func LoadConfig(path string) (*server.Config, *zviper.Config, error) {
	cfg := server.DefaultConfig()
	raw := zviper.New()
	if path != "" {
		if err := raw.LoadFile(path); err != nil {
			return nil, nil, errors.Wrapf(err, "load config file %q", path)
		}
		if err := raw.Unmarshal(&cfg); err != nil {
			return nil, nil, errors.Wrapf(err, "decode config file %q", path)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, nil, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, raw, nil
}
