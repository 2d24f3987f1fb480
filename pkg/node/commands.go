package node

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/kvstore"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/types"
)

// 外部驱动使用的命令接口。命令只通过队列或对模块状态的同步读取起作用，不修改节点本身。

// AddPrefixEntries 入队一条 ADD 命令，入队即返回
func (n *Node) AddPrefixEntries(prefixes []types.PrefixEntry) bool {
	return n.q.prefixUpdates.Push(types.PrefixUpdateRequest{
		Cmd:      types.PrefixCmdAdd,
		Prefixes: append([]types.PrefixEntry(nil), prefixes...),
	})
}

// WithdrawPrefixEntries 入队一条 WITHDRAW 命令，入队即返回
func (n *Node) WithdrawPrefixEntries(prefixes []types.PrefixEntry) bool {
	return n.q.prefixUpdates.Push(types.PrefixUpdateRequest{
		Cmd:      types.PrefixCmdWithdraw,
		Prefixes: append([]types.PrefixEntry(nil), prefixes...),
	})
}

// SparkUpdateInterfaceDb 由接口描述构造一个接口快照并入队
func (n *Node) SparkUpdateInterfaceDb(entries []types.InterfaceEntry) bool {
	db := types.InterfaceDatabase{
		ThisNodeName: n.cfg.NodeName,
		Interfaces:   make(map[string]types.InterfaceInfo, len(entries)),
	}
	for _, e := range entries {
		db.Interfaces[e.IfName] = types.InterfaceInfo{
			IsUp:     e.IsUp,
			IfIndex:  e.IfIndex,
			Networks: e.Networks(),
		}
	}
	return n.q.interfaceUpdates.Push(db)
}

// InjectStaticRoutes 入队静态路由增量
func (n *Node) InjectStaticRoutes(delta types.RouteDatabaseDelta) bool {
	return n.q.staticRoutes.Push(delta)
}

// FibDumpRouteDatabase 阻塞直到取得完整的已下发路由表
func (n *Node) FibDumpRouteDatabase(ctx context.Context) (types.RouteDatabase, error) {
	return n.fib.GetRouteDb(ctx)
}

// CheckKeyExists 存储中是否至少存在一个以 key 为前缀的键
func (n *Node) CheckKeyExists(ctx context.Context, key string) (bool, error) {
	kvs, err := n.kvClient.DumpAllWithPrefix(ctx, key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(kvs) > 0, nil
}

// GetIPPrefix 返回本节点被分配的前缀，ok 为 false 表示当前没有分配
func (n *Node) GetIPPrefix(ctx context.Context) (types.IPPrefix, bool, error) {
	return n.prefixCache.GetIPPrefix(ctx)
}

// CheckPrefixExists 判断 prefix 是否为 routeDb 中某条单播路由的目的前缀
func CheckPrefixExists(prefix types.IPPrefix, routeDb types.RouteDatabase) bool {
	return types.CheckPrefixExists(prefix, routeDb)
}

// PrefixUpdatesReader 返回前缀命令队列的新读取端，只能看到此后入队的命令
func (n *Node) PrefixUpdatesReader() *messaging.Reader[types.PrefixUpdateRequest] {
	return n.q.prefixUpdates.GetReader()
}

// RouteUpdatesReader 返回路由增量队列的新读取端
func (n *Node) RouteUpdatesReader() *messaging.Reader[types.RouteDatabaseDelta] {
	return n.q.routeUpdates.GetReader()
}
