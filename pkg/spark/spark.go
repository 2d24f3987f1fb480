// Package spark 邻居发现模块。
//
// 握手协议不在此实现：邻居由外部通过 ProcessNeighborEvent 注入，
// 模块负责接口跟踪、保持时间过期以及向 neighborUpdates 发布事件。
package spark

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/ticker"
	"github.com/lk2023060901/routenode/pkg/types"
)

// Name 模块名称
const Name = "spark"

var (
	// ErrUnknownInterface 接口未被跟踪或已下线
	ErrUnknownInterface = errors.New("spark: unknown interface")
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("spark: invalid config")
)

// Config 邻居发现配置
type Config struct {
	// HoldTime 未收到刷新的邻居在此时间后视为下线
	HoldTime time.Duration `yaml:"hold_time"`
	// KeepAliveTime 保持时间检查间隔
	KeepAliveTime time.Duration `yaml:"keepalive_time"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		HoldTime:      18 * time.Second,
		KeepAliveTime: 2 * time.Second,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.KeepAliveTime <= 0 {
		return errors.Wrap(ErrInvalidConfig, "keepalive time must be positive")
	}
	if c.HoldTime < c.KeepAliveTime {
		return errors.Wrap(ErrInvalidConfig, "hold time must not be shorter than keepalive time")
	}
	return nil
}

// Neighbor 已发现的邻居
type Neighbor struct {
	Name     string
	IfName   string
	Metric   int
	LastSeen time.Time
}

type neighborKey struct {
	ifName string
	name   string
}

// Spark 邻居发现模块，状态只在事件循环内访问
type Spark struct {
	*module.Base

	nodeName string
	cfg      Config

	interfaces map[string]types.InterfaceInfo
	neighbors  map[neighborKey]*Neighbor

	neighborUpdates *messaging.Queue[types.NeighborEvent]
}

// New 创建模块。interfaceUpdates 为借用的接口快照读取端。
func New(
	nodeName string,
	cfg Config,
	interfaceUpdates *messaging.Reader[types.InterfaceDatabase],
	neighborUpdates *messaging.Queue[types.NeighborEvent],
	opts ...module.BaseOption,
) (*Spark, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Spark{
		Base:            module.NewBase(Name, opts...),
		nodeName:        nodeName,
		cfg:             cfg,
		interfaces:      make(map[string]types.InterfaceInfo),
		neighbors:       make(map[neighborKey]*Neighbor),
		neighborUpdates: neighborUpdates,
	}
	if interfaceUpdates != nil {
		_ = s.AddTask("interfaces", func(ctx context.Context) error {
			for {
				db, err := interfaceUpdates.Get()
				if err != nil {
					return err
				}
				_ = s.RunInEventLoop(func() { s.updateInterfaceDb(db) })
			}
		})
	}
	_ = s.AddTask("hold", func(ctx context.Context) error {
		return ticker.Post(ctx, s, cfg.KeepAliveTime, s.expireNeighbors, ticker.WithJitter(0.2))
	})
	return s, nil
}

// ProcessNeighborEvent 注入邻居事件。UP/RESTART 刷新邻居，DOWN 删除邻居。
func (s *Spark) ProcessNeighborEvent(ctx context.Context, ev types.NeighborEvent) error {
	var result error
	err := s.Call(ctx, func() {
		result = s.processNeighborEvent(ev)
	})
	if err != nil {
		return err
	}
	return result
}

// GetTrackedInterfaces 返回当前跟踪的接口名（有序）
func (s *Spark) GetTrackedInterfaces(ctx context.Context) ([]string, error) {
	return module.CallResult(ctx, s.Base, func() []string {
		names := make([]string, 0, len(s.interfaces))
		for name := range s.interfaces {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	})
}

// GetNeighbors 返回当前邻居
func (s *Spark) GetNeighbors(ctx context.Context) ([]Neighbor, error) {
	return module.CallResult(ctx, s.Base, func() []Neighbor {
		out := make([]Neighbor, 0, len(s.neighbors))
		for _, n := range s.neighbors {
			out = append(out, *n)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].IfName != out[j].IfName {
				return out[i].IfName < out[j].IfName
			}
			return out[i].Name < out[j].Name
		})
		return out
	})
}

func (s *Spark) updateInterfaceDb(db types.InterfaceDatabase) {
	next := make(map[string]types.InterfaceInfo, len(db.Interfaces))
	for name, info := range db.Interfaces {
		if info.IsUp {
			next[name] = info
		}
	}
	for name := range s.interfaces {
		if _, ok := next[name]; !ok {
			s.dropInterface(name)
		}
	}
	for name := range next {
		if _, ok := s.interfaces[name]; !ok {
			s.Logger().Info("tracking interface", logger.Field{Key: "interface", Value: name})
		}
	}
	s.interfaces = next
}

func (s *Spark) dropInterface(name string) {
	s.Logger().Info("interface removed", logger.Field{Key: "interface", Value: name})
	for key := range s.neighbors {
		if key.ifName == name {
			s.neighborDown(key)
		}
	}
}

func (s *Spark) processNeighborEvent(ev types.NeighborEvent) error {
	key := neighborKey{ifName: ev.IfName, name: ev.NeighborName}
	switch ev.Type {
	case types.NeighborUp, types.NeighborRestart:
		if _, ok := s.interfaces[ev.IfName]; !ok {
			return errors.Wrapf(ErrUnknownInterface, "%s", ev.IfName)
		}
		now := s.Clock().Now()
		if n, ok := s.neighbors[key]; ok && ev.Type == types.NeighborUp {
			n.LastSeen = now
			n.Metric = ev.Metric
			return nil
		}
		s.neighbors[key] = &Neighbor{Name: ev.NeighborName, IfName: ev.IfName, Metric: ev.Metric, LastSeen: now}
		s.publish(ev)
	case types.NeighborDown:
		if _, ok := s.neighbors[key]; ok {
			s.neighborDown(key)
		}
	default:
		return errors.Newf("spark: unsupported neighbor event %v", ev.Type)
	}
	return nil
}

func (s *Spark) expireNeighbors() {
	now := s.Clock().Now()
	for key, n := range s.neighbors {
		if now.Sub(n.LastSeen) >= s.cfg.HoldTime {
			s.Logger().Warn("neighbor hold time expired",
				logger.Field{Key: "neighbor", Value: n.Name},
				logger.Field{Key: "interface", Value: n.IfName})
			s.neighborDown(key)
		}
	}
}

func (s *Spark) neighborDown(key neighborKey) {
	n := s.neighbors[key]
	delete(s.neighbors, key)
	s.publish(types.NeighborEvent{Type: types.NeighborDown, IfName: key.ifName, NeighborName: key.name, Metric: n.Metric})
}

func (s *Spark) publish(ev types.NeighborEvent) {
	if s.neighborUpdates == nil {
		return
	}
	if !s.neighborUpdates.Push(ev) {
		s.Logger().Debug("neighbor event dropped after queue close", logger.Field{Key: "neighbor", Value: ev.NeighborName})
	}
}
