package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/monitor"
	"github.com/lk2023060901/routenode/pkg/ticker"
	"github.com/lk2023060901/routenode/pkg/types"
)

// Name 模块名称
const Name = "kvstore"

// Config 内存存储配置
type Config struct {
	NodeName string `yaml:"-"`
	// TTLCheckInterval 过期扫描间隔
	TTLCheckInterval time.Duration `yaml:"ttl_check_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{TTLCheckInterval: time.Second}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.NodeName == "" {
		return errors.Wrap(ErrInvalidConfig, "node name is required")
	}
	if c.TTLCheckInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "ttl check interval must be positive")
	}
	return nil
}

type entry struct {
	value     types.Value
	expiresAt time.Time
}

// KvStore 单节点内存存储：按版本合并，按 TTL 过期，所有变更发布到更新队列。
// 节点间同步不在此实现。
type KvStore struct {
	*module.Base

	cfg  Config
	sink monitor.Sink

	mu    sync.RWMutex
	kv    map[string]entry
	peers map[string]struct{}

	updates *messaging.Queue[types.Publication]
}

type options struct {
	sink monitor.Sink
	base []module.BaseOption
}

// Option KvStore 选项
type Option func(*options)

// WithSink 设置指标上报
func WithSink(s monitor.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithBaseOptions 透传模块基础选项（日志、时钟、心跳）
func WithBaseOptions(opts ...module.BaseOption) Option {
	return func(o *options) {
		o.base = append(o.base, opts...)
	}
}

// New 创建内存存储。updates 用于发布变更，peerUpdates 为借用的对端事件读取端（可为 nil）。
func New(
	cfg Config,
	updates *messaging.Queue[types.Publication],
	peerUpdates *messaging.Reader[types.PeerEvent],
	opts ...Option,
) (*KvStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{sink: monitor.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	k := &KvStore{
		Base:    module.NewBase(Name, o.base...),
		cfg:     cfg,
		sink:    o.sink,
		kv:      make(map[string]entry),
		peers:   make(map[string]struct{}),
		updates: updates,
	}

	_ = k.AddTask("ttl", k.ttlLoop)
	if peerUpdates != nil {
		_ = k.AddTask("peers", func(ctx context.Context) error {
			for {
				ev, err := peerUpdates.Get()
				if err != nil {
					return err
				}
				_ = k.RunInEventLoop(func() { k.applyPeerEvent(ev) })
			}
		})
	}
	return k, nil
}

// SetKey 写入键值
func (k *KvStore) SetKey(_ context.Context, key string, value types.Value) error {
	if key == "" {
		return errors.New("kvstore: empty key")
	}
	now := k.Clock().Now()

	k.mu.Lock()
	cur, exists := k.kv[key]
	switch {
	case !exists || value.Supersedes(cur.value):
	case value.Version == cur.value.Version && value.OriginatorID == cur.value.OriginatorID:
		// 同一版本只刷新 TTL
		cur.expiresAt = expiry(now, value.TTL)
		cur.value.TTL = value.TTL
		k.kv[key] = cur
		k.mu.Unlock()
		return nil
	default:
		k.mu.Unlock()
		k.Logger().Debug("stale value ignored",
			logger.Field{Key: "key", Value: key},
			logger.Field{Key: "version", Value: value.Version},
			logger.Field{Key: "current", Value: cur.value.Version})
		return nil
	}
	k.kv[key] = entry{value: value, expiresAt: expiry(now, value.TTL)}
	size := len(k.kv)
	k.mu.Unlock()

	k.sink.IncrCounter(monitor.MetricKvStoreUpdates, 1)
	k.sink.SetGauge(monitor.MetricKvStoreKeys, float32(size))
	k.publish(types.Publication{KeyVals: map[string]types.Value{key: value}})
	return nil
}

// GetKey 读取键值
func (k *KvStore) GetKey(_ context.Context, key string) (types.Value, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.kv[key]
	if !ok {
		return types.Value{}, errors.Wrapf(ErrKeyNotFound, "%s", key)
	}
	return e.value, nil
}

// DumpAllWithPrefix 返回前缀下的全部键值
func (k *KvStore) DumpAllWithPrefix(_ context.Context, prefix string) (map[string]types.Value, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]types.Value)
	for key, e := range k.kv {
		if strings.HasPrefix(key, prefix) {
			out[key] = e.value
		}
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrKeyNotFound, "prefix %s", prefix)
	}
	return out, nil
}

// GetPeers 返回当前对端列表（有序）
func (k *KvStore) GetPeers(ctx context.Context) ([]string, error) {
	return module.CallResult(ctx, k.Base, func() []string {
		k.mu.RLock()
		defer k.mu.RUnlock()
		out := make([]string, 0, len(k.peers))
		for p := range k.peers {
			out = append(out, p)
		}
		sort.Strings(out)
		return out
	})
}

func (k *KvStore) applyPeerEvent(ev types.PeerEvent) {
	k.mu.Lock()
	for _, p := range ev.PeersToAdd {
		k.peers[p] = struct{}{}
	}
	for _, p := range ev.PeersToDel {
		delete(k.peers, p)
	}
	k.mu.Unlock()
	k.Logger().Info("peers updated",
		logger.Field{Key: "added", Value: ev.PeersToAdd},
		logger.Field{Key: "removed", Value: ev.PeersToDel})
}

func (k *KvStore) ttlLoop(ctx context.Context) error {
	return ticker.Post(ctx, k, k.cfg.TTLCheckInterval, k.expire)
}

func (k *KvStore) expire() {
	now := k.Clock().Now()
	var expired []string

	k.mu.Lock()
	for key, e := range k.kv {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(k.kv, key)
			expired = append(expired, key)
		}
	}
	size := len(k.kv)
	k.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	sort.Strings(expired)
	k.sink.IncrCounter(monitor.MetricKvStoreExpired, float32(len(expired)))
	k.sink.SetGauge(monitor.MetricKvStoreKeys, float32(size))
	k.publish(types.Publication{ExpiredKeys: expired})
}

func (k *KvStore) publish(pub types.Publication) {
	if k.updates == nil {
		return
	}
	if !k.updates.Push(pub) {
		k.Logger().Debug("publication dropped after queue close")
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl == types.TTLInfinity {
		return time.Time{}
	}
	return now.Add(ttl)
}

var _ Backend = (*KvStore)(nil)
