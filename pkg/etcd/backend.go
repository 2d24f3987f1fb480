package etcd

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/backoff"
	"github.com/lk2023060901/routenode/pkg/kvstore"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/types"
)

// BackendName 模块名称
const BackendName = "kvstore_etcd"

// Backend 以 etcd 为后端的分布式存储。
// 值以 Codec 编码后写入 Namespace 下，TTL 通过租约实现，命名空间的变更转发到更新队列。
type Backend struct {
	*module.Base

	client    *Client
	codec     types.Codec
	namespace string
	updates   *messaging.Queue[types.Publication]
}

// NewBackend 创建 etcd 存储模块，updates 可为 nil。
func NewBackend(cfg *Config, updates *messaging.Queue[types.Publication], opts ...module.BaseOption) (*Backend, error) {
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return NewBackendWithClient(client, updates, opts...), nil
}

// NewBackendWithClient 基于已有客户端创建存储模块，模块停止时关闭客户端。
func NewBackendWithClient(client *Client, updates *messaging.Queue[types.Publication], opts ...module.BaseOption) *Backend {
	b := &Backend{
		Base:      module.NewBase(BackendName, opts...),
		client:    client,
		codec:     types.DefaultCodec,
		namespace: client.cfg.Namespace,
		updates:   updates,
	}
	if updates != nil {
		_ = b.AddTask("watch", b.watchLoop)
	}
	return b
}

// Run 运行模块，返回前关闭 etcd 客户端
func (b *Backend) Run() error {
	err := b.Base.Run()
	if cerr := b.client.Close(); cerr != nil {
		b.Logger().Warn("close etcd client failed", logger.Err(cerr))
	}
	return err
}

// SetKey 写入键值，按版本合并：不高于现有值的写入被忽略。
// 读取与条件写入之间被并发修改时按 ConflictRetries 重试。
func (b *Backend) SetKey(ctx context.Context, key string, value types.Value) error {
	data, err := b.codec.Marshal(value)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err = b.trySet(ctx, b.namespace+key, value, data)
		if !errors.Is(err, ErrConflict) || attempt >= b.client.cfg.ConflictRetries {
			return err
		}
		b.Logger().Debug("set conflict, retrying", logger.Field{Key: "key", Value: key}, logger.Field{Key: "attempt", Value: attempt + 1})
	}
}

func (b *Backend) trySet(ctx context.Context, full string, value types.Value, data []byte) error {
	reqCtx, cancel := b.requestContext(ctx)
	defer cancel()

	var rev int64
	cur, err := b.client.get(reqCtx, full)
	switch {
	case err == nil:
		var existing types.Value
		if derr := b.codec.Unmarshal(cur.value, &existing); derr == nil && !value.Supersedes(existing) {
			return nil
		}
		rev = cur.modRevision
	case !errors.Is(err, ErrKeyNotFound):
		return errors.Wrapf(err, "etcd: get %s", full)
	}

	var ttl time.Duration
	if value.TTL != types.TTLInfinity {
		ttl = value.TTL
	}
	return b.client.putIfRevision(reqCtx, full, data, rev, ttl)
}

// GetKey 读取键值
func (b *Backend) GetKey(ctx context.Context, key string) (types.Value, error) {
	reqCtx, cancel := b.requestContext(ctx)
	defer cancel()

	rec, err := b.client.get(reqCtx, b.namespace+key)
	if errors.Is(err, ErrKeyNotFound) {
		return types.Value{}, errors.Wrapf(kvstore.ErrKeyNotFound, "%s", key)
	}
	if err != nil {
		return types.Value{}, errors.Wrapf(err, "etcd: get %s", key)
	}

	var v types.Value
	if err := b.codec.Unmarshal(rec.value, &v); err != nil {
		return types.Value{}, errors.Wrapf(err, "etcd: decode %s", key)
	}
	return v, nil
}

// DumpAllWithPrefix 范围查询，无法解码的值被跳过
func (b *Backend) DumpAllWithPrefix(ctx context.Context, prefix string) (map[string]types.Value, error) {
	reqCtx, cancel := b.requestContext(ctx)
	defer cancel()

	recs, err := b.client.list(reqCtx, b.namespace+prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "etcd: dump %s", prefix)
	}

	out := make(map[string]types.Value, len(recs))
	for _, rec := range recs {
		var v types.Value
		if err := b.codec.Unmarshal(rec.value, &v); err != nil {
			b.Logger().Warn("skip undecodable value", logger.Field{Key: "key", Value: rec.key}, logger.Err(err))
			continue
		}
		out[strings.TrimPrefix(rec.key, b.namespace)] = v
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(kvstore.ErrKeyNotFound, "prefix %s", prefix)
	}
	return out, nil
}

func (b *Backend) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.client.cfg.RequestTimeout)
}

func (b *Backend) watchLoop(ctx context.Context) error {
	cfg := b.client.cfg
	bo := backoff.NewExponential(cfg.WatchRetryMin, cfg.WatchRetryMax, backoff.WithClock(b.Clock()))
	for {
		err := b.client.watch(ctx, b.namespace, func(ev watchEvent) {
			bo.ReportSuccess()
			pub, ok := publicationFromEvent(b.codec, b.namespace, ev)
			if !ok {
				b.Logger().Warn("skip undecodable watch event", logger.Field{Key: "key", Value: ev.key})
				return
			}
			b.updates.Push(pub)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bo.ReportError()
		wait := bo.TimeRemainingUntilRetry()
		b.Logger().Warn("watch interrupted, retrying", logger.Field{Key: "retry_in", Value: wait}, logger.Err(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// publicationFromEvent 将 etcd 事件转换为存储变更通知
func publicationFromEvent(codec types.Codec, namespace string, ev watchEvent) (types.Publication, bool) {
	key := strings.TrimPrefix(ev.key, namespace)
	if ev.deleted {
		return types.Publication{ExpiredKeys: []string{key}}, true
	}
	var v types.Value
	if err := codec.Unmarshal(ev.value, &v); err != nil {
		return types.Publication{}, false
	}
	return types.Publication{KeyVals: map[string]types.Value{key: v}}, true
}

var _ kvstore.Backend = (*Backend)(nil)
