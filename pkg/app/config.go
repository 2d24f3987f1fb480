package app

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/node"
)

// Config 表示应用配置结构。
type Config struct {
	// Loggers 表示日志配置段。
	Loggers []logger.NamedConfig `yaml:"loggers"`
	// Node 表示节点及各模块配置，未填写的字段使用默认值。
	Node node.Config `yaml:"node"`
}

type nodeNameOnly struct {
	Node struct {
		NodeName string `yaml:"node_name"`
	} `yaml:"node"`
}

// LoadConfigFromFile 从 YAML 文件加载应用配置。
func LoadConfigFromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "app: read config %s", path)
	}
	return ParseConfig(raw)
}

// ParseConfig 解析 YAML 配置，先读取节点名生成默认值再覆盖。
func ParseConfig(raw []byte) (Config, error) {
	var head nodeNameOnly
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return Config{}, errors.Wrap(err, "app: parse config")
	}
	cfg := Config{Node: node.DefaultConfig(head.Node.NodeName)}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "app: parse config")
	}
	return cfg, nil
}

// InitLoggers 按配置注册具名日志。
func (c Config) InitLoggers() error {
	if len(c.Loggers) == 0 {
		return nil
	}
	return logger.InitFromConfig(logger.Config{Loggers: c.Loggers})
}
