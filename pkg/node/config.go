package node

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/ctrl"
	"github.com/lk2023060901/routenode/pkg/decision"
	"github.com/lk2023060901/routenode/pkg/etcd"
	"github.com/lk2023060901/routenode/pkg/fib"
	"github.com/lk2023060901/routenode/pkg/kvstore"
	"github.com/lk2023060901/routenode/pkg/linkmonitor"
	"github.com/lk2023060901/routenode/pkg/monitor"
	"github.com/lk2023060901/routenode/pkg/persiststore"
	"github.com/lk2023060901/routenode/pkg/platform"
	"github.com/lk2023060901/routenode/pkg/prefixallocator"
	"github.com/lk2023060901/routenode/pkg/prefixmanager"
	"github.com/lk2023060901/routenode/pkg/spark"
	"github.com/lk2023060901/routenode/pkg/watchdog"
)

// 分布式存储后端
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("node: invalid config")

// KvStoreConfig 分布式存储配置
type KvStoreConfig struct {
	// Backend memory 或 etcd
	Backend string         `yaml:"backend"`
	Memory  kvstore.Config `yaml:"memory"`
	Etcd    *etcd.Config   `yaml:"etcd"`
}

// Config 节点配置
type Config struct {
	NodeName        string                 `yaml:"node_name"`
	KvStore         KvStoreConfig          `yaml:"kvstore"`
	ConfigStore     persiststore.Config    `yaml:"config_store"`
	Monitor         monitor.Config         `yaml:"monitor"`
	Ctrl            ctrl.Config            `yaml:"ctrl"`
	PrefixManager   prefixmanager.Config   `yaml:"prefix_manager"`
	PrefixAllocator prefixallocator.Config `yaml:"prefix_allocator"`
	Spark           spark.Config           `yaml:"spark"`
	LinkMonitor     linkmonitor.Config     `yaml:"link_monitor"`
	Decision        decision.Config        `yaml:"decision"`
	Fib             fib.Config             `yaml:"fib"`
	Watchdog        watchdog.Config        `yaml:"watchdog"`
	Platform        platform.Config        `yaml:"platform"`
}

// DefaultConfig 返回 nodeName 的默认配置
func DefaultConfig(nodeName string) Config {
	return Config{
		NodeName: nodeName,
		KvStore: KvStoreConfig{
			Backend: BackendMemory,
			Memory:  kvstore.DefaultConfig(),
		},
		ConfigStore:     persiststore.DefaultConfig(nodeName),
		Monitor:         monitor.DefaultConfig(),
		Ctrl:            ctrl.DefaultConfig(),
		PrefixManager:   prefixmanager.Config{},
		PrefixAllocator: prefixallocator.DefaultConfig(),
		Spark:           spark.DefaultConfig(),
		LinkMonitor:     linkmonitor.DefaultConfig(),
		Decision:        decision.DefaultConfig(),
		Fib:             fib.DefaultConfig(),
		Watchdog:        watchdog.DefaultConfig(),
		Platform:        platform.DefaultConfig(),
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.NodeName == "" {
		return errors.Wrap(ErrInvalidConfig, "node name is required")
	}
	switch c.KvStore.Backend {
	case BackendMemory, "":
	case BackendEtcd:
		if c.KvStore.Etcd == nil {
			return errors.Wrap(ErrInvalidConfig, "etcd backend requires etcd config")
		}
		if err := c.KvStore.Etcd.Validate(); err != nil {
			return err
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown kvstore backend %q", c.KvStore.Backend)
	}

	checks := []func() error{
		c.ConfigStore.Validate,
		c.Ctrl.Validate,
		c.PrefixAllocator.Validate,
		c.Spark.Validate,
		c.LinkMonitor.Validate,
		c.Decision.Validate,
		c.Fib.Validate,
		c.Watchdog.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
