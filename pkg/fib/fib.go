// Package fib 保存下发到转发平面的路由表。
//
// 路由只在内存中维护（不写内核），接口 down 时其上的下一跳被摘除，
// 没有剩余下一跳的路由不出现在已下发路由表中。
package fib

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/monitor"
	"github.com/lk2023060901/routenode/pkg/types"
)

// Name 模块名称
const Name = "fib"

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("fib: invalid config")

// Config FIB 配置
type Config struct {
	// ColdStartDuration 启动后等待路由收敛的时间，期间不下发
	ColdStartDuration time.Duration `yaml:"cold_start_duration"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.ColdStartDuration < 0 {
		return errors.Wrapf(ErrInvalidConfig, "cold start duration %s", c.ColdStartDuration)
	}
	return nil
}

// Fib 路由下发模块，状态只在事件循环内访问
type Fib struct {
	*module.Base

	nodeName string
	cfg      Config
	sink     monitor.Sink

	routes     map[types.IPPrefix]types.UnicastRoute
	down       map[string]struct{}
	programmed map[types.IPPrefix]types.UnicastRoute
	ready      bool
	syncs      int
}

// New 创建 FIB 模块。routes 与 interfaces 为借用的读取端，可为 nil。
func New(
	nodeName string,
	cfg Config,
	routes *messaging.Reader[types.RouteDatabaseDelta],
	interfaces *messaging.Reader[types.InterfaceDatabase],
	sink monitor.Sink,
	opts ...module.BaseOption,
) (*Fib, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = monitor.Discard()
	}
	f := &Fib{
		Base:       module.NewBase(Name, opts...),
		nodeName:   nodeName,
		cfg:        cfg,
		sink:       sink,
		routes:     make(map[types.IPPrefix]types.UnicastRoute),
		down:       make(map[string]struct{}),
		programmed: make(map[types.IPPrefix]types.UnicastRoute),
	}
	if routes != nil {
		_ = f.AddTask("routes", func(ctx context.Context) error {
			for {
				delta, err := routes.Get()
				if err != nil {
					return err
				}
				_ = f.RunInEventLoop(func() { f.applyDelta(delta) })
			}
		})
	}
	if interfaces != nil {
		_ = f.AddTask("interfaces", func(ctx context.Context) error {
			for {
				db, err := interfaces.Get()
				if err != nil {
					return err
				}
				_ = f.RunInEventLoop(func() { f.applyInterfaces(db) })
			}
		})
	}
	_ = f.AddTask("cold_start", func(ctx context.Context) error {
		if f.cfg.ColdStartDuration == 0 {
			_ = f.RunInEventLoop(f.finishColdStart)
			return nil
		}
		f.AfterFunc(f.cfg.ColdStartDuration, f.finishColdStart)
		return nil
	})
	return f, nil
}

// GetRouteDb 返回已下发的路由表
func (f *Fib) GetRouteDb(ctx context.Context) (types.RouteDatabase, error) {
	return module.CallResult(ctx, f.Base, func() types.RouteDatabase {
		db := types.RouteDatabase{ThisNodeName: f.nodeName}
		for _, r := range f.programmed {
			db.UnicastRoutes = append(db.UnicastRoutes, r)
		}
		types.SortRoutes(db.UnicastRoutes)
		return db
	})
}

// Syncs 返回下发次数
func (f *Fib) Syncs(ctx context.Context) (int, error) {
	return module.CallResult(ctx, f.Base, func() int { return f.syncs })
}

func (f *Fib) finishColdStart() {
	if f.ready {
		return
	}
	f.ready = true
	f.Logger().Info("cold start finished", logger.Field{Key: "routes", Value: len(f.routes)})
	f.sync()
}

func (f *Fib) applyDelta(delta types.RouteDatabaseDelta) {
	for _, r := range delta.UnicastRoutesToUpdate {
		f.routes[r.Dest] = r
	}
	for _, p := range delta.UnicastRoutesToDelete {
		delete(f.routes, p)
	}
	f.sync()
}

func (f *Fib) applyInterfaces(db types.InterfaceDatabase) {
	down := make(map[string]struct{})
	for name, info := range db.Interfaces {
		if !info.IsUp {
			down[name] = struct{}{}
		}
	}
	f.down = down
	f.sync()
}

// sync 由全部路由和接口状态重建已下发表
func (f *Fib) sync() {
	if !f.ready {
		return
	}
	next := make(map[types.IPPrefix]types.UnicastRoute, len(f.routes))
	for p, r := range f.routes {
		hops := make([]types.NextHop, 0, len(r.NextHops))
		for _, h := range r.NextHops {
			if _, isDown := f.down[h.IfName]; isDown {
				continue
			}
			hops = append(hops, h)
		}
		if len(hops) == 0 {
			continue
		}
		next[p] = types.UnicastRoute{Dest: p, NextHops: hops}
	}
	f.programmed = next
	f.syncs++
	f.sink.SetGauge(monitor.MetricFibRoutes, float32(len(next)))
	f.Logger().Debug("routes programmed", logger.Field{Key: "routes", Value: len(next)})
}
