// Package prefixcache 缓存本节点由前缀分配器分配的前缀。
//
// 缓存由存储订阅回调异步更新；缓存为空时 GetIPPrefix 回退到同步范围查询并回填缓存。
// 两条写路径由同一把锁串行化，后写者生效。
package prefixcache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/lk2023060901/routenode/pkg/kvstore"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/monitor"
	"github.com/lk2023060901/routenode/pkg/types"
)

// Lister 同步范围查询
type Lister interface {
	DumpAllWithPrefix(ctx context.Context, prefix string) (map[string]types.Value, error)
}

// Subscriber 键订阅
type Subscriber interface {
	SubscribeKey(ctx context.Context, key string, cb kvstore.KeyCallback, fetchInitial bool) (*types.Value, error)
}

// Cache 已分配前缀的缓存
type Cache struct {
	nodeName string
	store    Lister
	codec    types.Codec
	log      logger.Logger
	sink     monitor.Sink

	mu     sync.RWMutex
	prefix *types.IPPrefix

	slow        singleflight.Group
	scanTimeout time.Duration
}

// DefaultScanTimeout 慢路径扫描的超时
const DefaultScanTimeout = 5 * time.Second

// Option Cache 选项
type Option func(*Cache)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSink 设置指标上报
func WithSink(s monitor.Sink) Option {
	return func(c *Cache) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithCodec 设置值解码方式
func WithCodec(codec types.Codec) Option {
	return func(c *Cache) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithScanTimeout 设置慢路径扫描超时，扫描不随单个调用方取消
func WithScanTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.scanTimeout = d
		}
	}
}

// New 创建缓存，store 用于慢路径查询
func New(nodeName string, store Lister, opts ...Option) *Cache {
	c := &Cache{
		nodeName: nodeName,
		store:    store,
		codec:    types.DefaultCodec,
		log:      logger.Nop(),
		sink:     monitor.Discard(),

		scanTimeout: DefaultScanTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key 返回订阅的键，同时也是慢路径查询的命名空间
func (c *Cache) Key() string {
	return types.PrefixKey(c.nodeName)
}

// Subscribe 订阅本节点前缀数据库，不读取初始值
func (c *Cache) Subscribe(ctx context.Context, s Subscriber) error {
	_, err := s.SubscribeKey(ctx, c.Key(), c.OnUpdate, false)
	return errors.Wrap(err, "prefixcache: subscribe")
}

// OnUpdate 订阅回调：取第一条分配器类型的前缀，没有则清空缓存；无法解码时保留原值。
func (c *Cache) OnUpdate(key string, value *types.Value) {
	if value == nil {
		return
	}
	c.sink.IncrCounter(monitor.MetricPrefixCacheUpdate, 1)

	db, err := types.ReadPrefixDatabase(c.codec, value.Data)
	if err != nil {
		c.sink.IncrCounter(monitor.MetricPrefixCacheDecodeErr, 1)
		c.log.Warn("skip undecodable prefix database", logger.Field{Key: "key", Value: key}, logger.Err(err))
		return
	}

	prefix, ok := db.FirstOfType(types.PrefixTypePrefixAllocator)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		if c.prefix != nil {
			c.log.Info("allocated prefix withdrawn", logger.Field{Key: "prefix", Value: c.prefix.String()})
		}
		c.prefix = nil
		return
	}
	c.prefix = &prefix
	c.log.Debug("allocated prefix updated", logger.Field{Key: "prefix", Value: prefix.String()})
}

// GetIPPrefix 返回已分配的前缀，ok 为 false 表示当前没有分配。
// 缓存命中时不做任何 I/O。
func (c *Cache) GetIPPrefix(ctx context.Context) (types.IPPrefix, bool, error) {
	if p, ok := c.cached(); ok {
		return p, true, nil
	}

	c.sink.IncrCounter(monitor.MetricPrefixCacheSlowPath, 1)
	// 合并后的扫描由多个调用方共享，每个调用方只按自己的 ctx 放弃等待
	ch := c.slow.DoChan(c.Key(), func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.scanTimeout)
		defer cancel()
		return nil, c.fill(sctx)
	})
	select {
	case <-ctx.Done():
		return types.IPPrefix{}, false, errors.Wrap(ctx.Err(), "prefixcache: slow path")
	case res := <-ch:
		if res.Err != nil {
			return types.IPPrefix{}, false, res.Err
		}
	}

	p, ok := c.cached()
	return p, ok, nil
}

func (c *Cache) cached() (types.IPPrefix, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.prefix == nil {
		return types.IPPrefix{}, false
	}
	return *c.prefix, true
}

// fill 扫描命名空间下所有键：跳过待删除的数据库，每个键取第一条分配器前缀，
// 多个键都有时以遍历中最后一个为准（遍历顺序不确定）。
func (c *Cache) fill(ctx context.Context) error {
	values, err := c.store.DumpAllWithPrefix(ctx, c.Key())
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "prefixcache: dump prefix databases")
	}

	var found *types.IPPrefix
	for key, value := range values {
		db, err := types.ReadPrefixDatabase(c.codec, value.Data)
		if err != nil {
			c.log.Warn("skip undecodable prefix database", logger.Field{Key: "key", Value: key}, logger.Err(err))
			continue
		}
		if db.DeletePrefix {
			continue
		}
		if p, ok := db.FirstOfType(types.PrefixTypePrefixAllocator); ok {
			found = &p
		}
	}

	if found == nil {
		return nil
	}
	c.mu.Lock()
	c.prefix = found
	c.mu.Unlock()
	return nil
}
