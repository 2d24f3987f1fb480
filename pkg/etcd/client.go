package etcd

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
)

var (
	ErrInvalidConfig = errors.New("etcd: invalid config")
	ErrKeyNotFound   = errors.New("etcd: key not found")
	// ErrConflict 条件写入时键已被并发修改
	ErrConflict    = errors.New("etcd: revision conflict")
	ErrWatchClosed = errors.New("etcd: watch closed")
	ErrClosed      = errors.New("etcd: client closed")
)

// record 一条原始键值及其修改版本
type record struct {
	key         string
	value       []byte
	modRevision int64
}

func recordFromKV(kv *mvccpb.KeyValue) record {
	return record{key: string(kv.Key), value: kv.Value, modRevision: kv.ModRevision}
}

// watchEvent 前缀监听收到的单个变更
type watchEvent struct {
	key     string
	value   []byte
	deleted bool
}

// api 客户端实际用到的 etcd 接口，*clientv3.Client 满足
type api interface {
	clientv3.KV
	clientv3.Lease
	clientv3.Watcher
}

// Client 存储后端用到的 etcd 操作：点读、前缀读、条件写入与前缀监听。
type Client struct {
	cfg    *Config
	cli    api
	closed atomic.Bool
}

// New 连接 etcd，cfg 为 nil 时使用默认配置
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ccfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	cli, err := clientv3.New(ccfg)
	if err != nil {
		return nil, errors.Wrap(err, "etcd: connect")
	}
	return &Client{cfg: cfg, cli: cli}, nil
}

// Config 返回客户端配置
func (c *Client) Config() *Config {
	return c.cfg
}

func (c *Client) get(ctx context.Context, key string) (record, error) {
	if c.closed.Load() {
		return record{}, ErrClosed
	}
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return record{}, err
	}
	if len(resp.Kvs) == 0 {
		return record{}, errors.Wrapf(ErrKeyNotFound, "%s", key)
	}
	return recordFromKV(resp.Kvs[0]), nil
}

func (c *Client) list(ctx context.Context, prefix string) ([]record, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, recordFromKV(kv))
	}
	return out, nil
}

// putIfRevision 仅当 key 的修改版本仍为 rev 时写入，rev 为 0 表示 key 必须不存在。
// ttl 大于 0 时写入绑定到新租约上。
func (c *Client) putIfRevision(ctx context.Context, key string, value []byte, rev int64, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var opts []clientv3.OpOption
	lease := clientv3.NoLease
	if ttl > 0 {
		granted, err := c.cli.Grant(ctx, leaseSeconds(ttl))
		if err != nil {
			return errors.Wrap(err, "etcd: grant lease")
		}
		lease = granted.ID
		opts = append(opts, clientv3.WithLease(lease))
	}
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(value), opts...)).
		Commit()
	if err == nil && resp.Succeeded {
		return nil
	}
	if lease != clientv3.NoLease {
		c.revoke(ctx, lease)
	}
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrConflict, "%s", key)
}

// revoke 撤销未被使用的租约。调用方 ctx 可能已取消，撤销使用独立的超时；
// 失败时租约到期后自行回收。
func (c *Client) revoke(ctx context.Context, id clientv3.LeaseID) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()
	_, _ = c.cli.Revoke(rctx, id)
}

// watch 阻塞监听 prefix 下的变更，直到 ctx 取消或服务端关闭监听
func (c *Client) watch(ctx context.Context, prefix string, fn func(watchEvent)) error {
	ch := c.cli.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-ch:
			if !ok || resp.Canceled {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrWatchClosed
			}
			if err := resp.Err(); err != nil {
				return err
			}
			for _, ev := range resp.Events {
				fn(watchEvent{
					key:     string(ev.Kv.Key),
					value:   ev.Kv.Value,
					deleted: ev.Type == mvccpb.DELETE,
				})
			}
		}
	}
}

// Close 关闭连接，可重复调用
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.cli.Close()
}

// leaseSeconds 租约以秒为单位，不足一秒向上取整
func leaseSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64(math.Ceil(ttl.Seconds()))
}
