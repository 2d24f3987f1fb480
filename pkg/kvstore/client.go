package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/types"
)

// ClientName 客户端模块名称
const ClientName = "kvstore_client"

// KeyCallback 键变更回调，value 为 nil 表示键已过期或被删除。
// 回调在客户端事件循环中串行执行。
type KeyCallback func(key string, value *types.Value)

type persisted struct {
	data []byte
	ttl  time.Duration
}

// Client 分布式存储客户端：同步读写，以及在单一事件循环上分发的键订阅。
type Client struct {
	*module.Base

	nodeName string
	store    Store

	mu        sync.Mutex
	callbacks map[string]KeyCallback
	persisted map[string]persisted
}

// NewClient 创建客户端。updates 为借用的存储变更读取端（可为 nil）。
func NewClient(nodeName string, store Store, updates *messaging.Reader[types.Publication], opts ...module.BaseOption) *Client {
	c := &Client{
		Base:      module.NewBase(ClientName, opts...),
		nodeName:  nodeName,
		store:     store,
		callbacks: make(map[string]KeyCallback),
		persisted: make(map[string]persisted),
	}
	if updates != nil {
		_ = c.AddTask("updates", func(ctx context.Context) error {
			for {
				pub, err := updates.Get()
				if err != nil {
					return err
				}
				_ = c.RunInEventLoop(func() { c.dispatch(pub) })
			}
		})
	}
	return c
}

// SubscribeKey 订阅 key 的变更。fetchInitial 为 true 时同步读取并返回当前值（不存在时返回 nil）。
func (c *Client) SubscribeKey(ctx context.Context, key string, cb KeyCallback, fetchInitial bool) (*types.Value, error) {
	if cb == nil {
		return nil, errors.New("kvstore: nil callback")
	}
	c.mu.Lock()
	c.callbacks[key] = cb
	c.mu.Unlock()

	if !fetchInitial {
		return nil, nil
	}
	v, err := c.store.GetKey(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// UnsubscribeKey 取消订阅
func (c *Client) UnsubscribeKey(key string) {
	c.mu.Lock()
	delete(c.callbacks, key)
	c.mu.Unlock()
}

// GetKey 同步读取
func (c *Client) GetKey(ctx context.Context, key string) (types.Value, error) {
	return c.store.GetKey(ctx, key)
}

// DumpAllWithPrefix 同步范围查询
func (c *Client) DumpAllWithPrefix(ctx context.Context, prefix string) (map[string]types.Value, error) {
	return c.store.DumpAllWithPrefix(ctx, prefix)
}

// PersistKey 以本节点身份写入 key，版本在现有值基础上递增。
// 被其他节点覆盖时客户端会以更高版本重新写入。
func (c *Client) PersistKey(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.persisted[key] = persisted{data: data, ttl: ttl}
	c.mu.Unlock()
	return c.write(ctx, key, data, ttl)
}

// ClearKey 停止维护 key 并写入最终值
func (c *Client) ClearKey(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	delete(c.persisted, key)
	c.mu.Unlock()
	return c.write(ctx, key, data, ttl)
}

func (c *Client) write(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	var version int64 = 1
	cur, err := c.store.GetKey(ctx, key)
	switch {
	case err == nil:
		version = cur.Version + 1
	case !errors.Is(err, ErrKeyNotFound):
		return errors.Wrapf(err, "kvstore: read %s", key)
	}
	value := types.Value{
		Version:      version,
		OriginatorID: c.nodeName,
		Data:         data,
		TTL:          ttl,
	}
	if err := c.store.SetKey(ctx, key, value); err != nil {
		return errors.Wrapf(err, "kvstore: persist %s", key)
	}
	return nil
}

func (c *Client) dispatch(pub types.Publication) {
	keys := make([]string, 0, len(pub.KeyVals))
	for key := range pub.KeyVals {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := pub.KeyVals[key]
		c.maybeReclaim(key, v)
		if cb := c.callback(key); cb != nil {
			cb(key, &v)
		}
	}
	for _, key := range pub.ExpiredKeys {
		if cb := c.callback(key); cb != nil {
			cb(key, nil)
		}
	}
}

func (c *Client) callback(key string) KeyCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callbacks[key]
}

func (c *Client) maybeReclaim(key string, v types.Value) {
	c.mu.Lock()
	p, ok := c.persisted[key]
	c.mu.Unlock()
	if !ok || v.OriginatorID == c.nodeName {
		return
	}
	c.Logger().Warn("persisted key overridden, re-advertising",
		logger.Field{Key: "key", Value: key},
		logger.Field{Key: "originator", Value: v.OriginatorID})
	if err := c.write(context.Background(), key, p.data, p.ttl); err != nil {
		c.Logger().Error("re-advertise failed", logger.Field{Key: "key", Value: key}, logger.Err(err))
	}
}
