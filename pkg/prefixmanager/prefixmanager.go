// Package prefixmanager 维护本节点通告的前缀集合，持久化到本地配置存储并写入分布式存储。
package prefixmanager

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/conc"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/types"
)

// Name 模块名称
const Name = "prefix_manager"

// ConfigKey 配置存储中保存前缀集合的键
const ConfigKey = "prefix-manager-config"

// Config 前缀管理配置
type Config struct {
	// PerPrefixKeys 每个前缀使用独立的键通告，撤销时写入删除标记
	PerPrefixKeys bool `yaml:"per_prefix_keys"`
	// KeyTTL 通告键的 TTL，0 表示永不过期
	KeyTTL time.Duration `yaml:"key_ttl"`
}

// ConfigStore 本地持久化存储
type ConfigStore interface {
	Store(key string, data []byte) error
	Load(key string) ([]byte, error)
}

// Advertiser 分布式存储写入
type Advertiser interface {
	PersistKey(ctx context.Context, key string, data []byte, ttl time.Duration) error
	ClearKey(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// PrefixManager 前缀管理模块，状态只在事件循环内访问
type PrefixManager struct {
	*module.Base

	nodeName string
	cfg      Config
	store    ConfigStore
	adv      Advertiser
	codec    types.Codec

	prefixes   map[types.IPPrefix]types.PrefixEntry
	advertised map[types.IPPrefix]struct{}
}

// New 创建前缀管理模块。updates 为借用的命令读取端；store 与 adv 可为 nil。
func New(
	nodeName string,
	cfg Config,
	updates *messaging.Reader[types.PrefixUpdateRequest],
	store ConfigStore,
	adv Advertiser,
	opts ...module.BaseOption,
) *PrefixManager {
	pm := &PrefixManager{
		Base:       module.NewBase(Name, opts...),
		nodeName:   nodeName,
		cfg:        cfg,
		store:      store,
		adv:        adv,
		codec:      types.DefaultCodec,
		prefixes:   make(map[types.IPPrefix]types.PrefixEntry),
		advertised: make(map[types.IPPrefix]struct{}),
	}
	pm.restore()

	_ = pm.AddTask("init", func(ctx context.Context) error {
		_ = pm.RunInEventLoop(func() {
			if len(pm.prefixes) > 0 {
				pm.advertise()
			}
		})
		return nil
	})
	if updates != nil {
		_ = pm.AddTask("updates", func(ctx context.Context) error {
			for {
				req, err := updates.Get()
				if err != nil {
					return err
				}
				_ = pm.RunInEventLoop(func() { pm.processRequest(req) })
			}
		})
	}
	return pm
}

// GetPrefixes 返回当前全部前缀（按前缀排序）
func (pm *PrefixManager) GetPrefixes(ctx context.Context) ([]types.PrefixEntry, error) {
	return module.CallResult(ctx, pm.Base, func() []types.PrefixEntry { return pm.entries(0) })
}

// GetPrefixesByType 返回指定类型的前缀
func (pm *PrefixManager) GetPrefixesByType(ctx context.Context, t types.PrefixType) ([]types.PrefixEntry, error) {
	return module.CallResult(ctx, pm.Base, func() []types.PrefixEntry { return pm.entries(t) })
}

func (pm *PrefixManager) entries(t types.PrefixType) []types.PrefixEntry {
	out := make([]types.PrefixEntry, 0, len(pm.prefixes))
	for _, e := range pm.prefixes {
		if t == 0 || e.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Prefix.String() < out[j].Prefix.String()
	})
	return out
}

func (pm *PrefixManager) processRequest(req types.PrefixUpdateRequest) {
	changed := false
	switch req.Cmd {
	case types.PrefixCmdAdd:
		for _, e := range req.Prefixes {
			if cur, ok := pm.prefixes[e.Prefix]; !ok || cur != e {
				pm.prefixes[e.Prefix] = e
				changed = true
			}
		}
	case types.PrefixCmdWithdraw:
		for _, e := range req.Prefixes {
			if _, ok := pm.prefixes[e.Prefix]; ok {
				delete(pm.prefixes, e.Prefix)
				changed = true
			} else {
				pm.Logger().Warn("withdraw of unknown prefix", logger.Field{Key: "prefix", Value: e.Prefix.String()})
			}
		}
	case types.PrefixCmdWithdrawByType:
		changed = pm.removeType(req.Type)
	case types.PrefixCmdSyncByType:
		changed = pm.removeType(req.Type)
		for _, e := range req.Prefixes {
			e.Type = req.Type
			pm.prefixes[e.Prefix] = e
			changed = true
		}
	default:
		pm.Logger().Error("unknown prefix command", logger.Field{Key: "cmd", Value: int(req.Cmd)})
		return
	}

	pm.Logger().Debug("prefix command processed",
		logger.Field{Key: "cmd", Value: req.Cmd.String()},
		logger.Field{Key: "changed", Value: changed},
		logger.Field{Key: "total", Value: len(pm.prefixes)})
	if !changed {
		return
	}
	pm.persist()
	pm.advertise()
}

func (pm *PrefixManager) removeType(t types.PrefixType) bool {
	changed := false
	for p, e := range pm.prefixes {
		if e.Type == t {
			delete(pm.prefixes, p)
			changed = true
		}
	}
	return changed
}

func (pm *PrefixManager) restore() {
	if pm.store == nil {
		return
	}
	data, err := pm.store.Load(ConfigKey)
	if err != nil {
		return
	}
	var saved []types.PrefixEntry
	if err := pm.codec.Unmarshal(data, &saved); err != nil {
		pm.Logger().Warn("discard unreadable saved prefixes", logger.Err(err))
		return
	}
	for _, e := range saved {
		pm.prefixes[e.Prefix] = e
	}
	pm.Logger().Info("prefixes restored", logger.Field{Key: "count", Value: len(saved)})
}

func (pm *PrefixManager) persist() {
	if pm.store == nil {
		return
	}
	data, err := pm.codec.Marshal(pm.entries(0))
	if err == nil {
		err = pm.store.Store(ConfigKey, data)
	}
	if err != nil {
		pm.Logger().Error("persist prefixes failed", logger.Err(err))
	}
}

func (pm *PrefixManager) advertise() {
	if pm.adv == nil {
		return
	}
	ctx := context.Background()
	if !pm.cfg.PerPrefixKeys {
		db := types.PrefixDatabase{ThisNodeName: pm.nodeName, PrefixEntries: pm.entries(0)}
		if err := pm.write(ctx, pm.adv.PersistKey, types.PrefixKey(pm.nodeName), db); err != nil {
			pm.Logger().Error("advertise prefix database failed", logger.Err(err))
		}
		return
	}

	// 逐键写入并发执行，结果回到事件循环后再更新已通告集合
	var futures []*conc.Future[keyWrite]
	for p, e := range pm.prefixes {
		db := types.PrefixDatabase{ThisNodeName: pm.nodeName, PrefixEntries: []types.PrefixEntry{e}}
		futures = append(futures, pm.writeAsync(ctx, pm.adv.PersistKey, p, db, false))
	}
	for p := range pm.advertised {
		if _, ok := pm.prefixes[p]; ok {
			continue
		}
		db := types.PrefixDatabase{
			ThisNodeName:  pm.nodeName,
			PrefixEntries: []types.PrefixEntry{{Prefix: p}},
			DeletePrefix:  true,
		}
		futures = append(futures, pm.writeAsync(ctx, pm.adv.ClearKey, p, db, true))
	}

	for _, f := range futures {
		w, err := f.Await()
		switch {
		case err != nil:
			pm.Logger().Error("advertise prefix key failed",
				logger.Field{Key: "prefix", Value: w.prefix.String()},
				logger.Field{Key: "withdraw", Value: w.withdraw},
				logger.Err(err))
		case w.withdraw:
			delete(pm.advertised, w.prefix)
		default:
			pm.advertised[w.prefix] = struct{}{}
		}
	}
}

// keyWrite 单个前缀键的写入结果
type keyWrite struct {
	prefix   types.IPPrefix
	withdraw bool
}

func (pm *PrefixManager) writeAsync(ctx context.Context, fn writeFunc, p types.IPPrefix, db types.PrefixDatabase, withdraw bool) *conc.Future[keyWrite] {
	key := types.PerPrefixKey(pm.nodeName, p)
	return conc.Go(func() (keyWrite, error) {
		return keyWrite{prefix: p, withdraw: withdraw}, pm.write(ctx, fn, key, db)
	})
}

type writeFunc func(ctx context.Context, key string, data []byte, ttl time.Duration) error

func (pm *PrefixManager) write(ctx context.Context, fn writeFunc, key string, db types.PrefixDatabase) error {
	data, err := pm.codec.Marshal(db)
	if err != nil {
		return errors.Wrap(err, "prefixmanager: encode")
	}
	return fn(ctx, key, data, pm.cfg.KeyTTL)
}
