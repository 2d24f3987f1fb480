package kvstore

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/types"
)

var (
	// ErrKeyNotFound 键不存在，或前缀下没有任何键
	ErrKeyNotFound = errors.New("kvstore: key not found")
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("kvstore: invalid config")
)

// Store 分布式存储的同步访问接口。
type Store interface {
	// SetKey 写入键值，版本不高于现有值时被忽略
	SetKey(ctx context.Context, key string, value types.Value) error
	// GetKey 读取键值
	GetKey(ctx context.Context, key string) (types.Value, error)
	// DumpAllWithPrefix 返回所有以 prefix 开头的键，没有匹配时返回 ErrKeyNotFound
	DumpAllWithPrefix(ctx context.Context, prefix string) (map[string]types.Value, error)
}

// Backend 可由节点管理生命周期的存储实现
type Backend interface {
	Store
	module.Module
}
