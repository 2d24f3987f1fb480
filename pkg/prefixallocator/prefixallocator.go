// Package prefixallocator 在种子前缀内为本节点分配一个子前缀，并交给前缀管理器通告。
package prefixallocator

import (
	"context"
	"hash/fnv"
	"net/netip"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/backoff"
	"github.com/lk2023060901/routenode/pkg/kvstore"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/types"
)

// Name 模块名称
const Name = "prefix_allocator"

// ConfigKey 配置存储中保存分配结果的键
const ConfigKey = "prefix-allocator-config"

var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("prefixallocator: invalid config")
	// ErrExhausted 种子前缀内没有可用的子前缀
	ErrExhausted = errors.New("prefixallocator: seed prefix exhausted")
)

// maxAllocBits 子前缀数量上限为 2^maxAllocBits
const maxAllocBits = 16

// Config 前缀分配配置
type Config struct {
	SeedPrefix     string        `yaml:"seed_prefix"`
	AllocPrefixLen int           `yaml:"alloc_prefix_len"`
	RetryInitial   time.Duration `yaml:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		SeedPrefix:     "fc00:cafe:babe::/62",
		AllocPrefixLen: 64,
		RetryInitial:   100 * time.Millisecond,
		RetryMax:       5 * time.Second,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	seed, err := types.ParseIPPrefix(c.SeedPrefix)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "seed prefix: %v", err)
	}
	bits := c.AllocPrefixLen - seed.Len()
	if bits <= 0 || c.AllocPrefixLen > seed.Addr().BitLen() {
		return errors.Wrapf(ErrInvalidConfig, "alloc prefix len %d for seed %s", c.AllocPrefixLen, c.SeedPrefix)
	}
	if bits > maxAllocBits {
		return errors.Wrapf(ErrInvalidConfig, "seed %s leaves %d allocation bits, max %d", c.SeedPrefix, bits, maxAllocBits)
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		return errors.Wrap(ErrInvalidConfig, "retry backoff must be positive and max >= initial")
	}
	return nil
}

// Claimer 分布式存储中的占用键读写
type Claimer interface {
	GetKey(ctx context.Context, key string) (types.Value, error)
	PersistKey(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// ConfigStore 本地持久化存储
type ConfigStore interface {
	Store(key string, data []byte) error
	Load(key string) ([]byte, error)
}

// Allocation 分配结果
type Allocation struct {
	Index  int            `json:"index"`
	Prefix types.IPPrefix `json:"prefix"`
}

// PrefixAllocator 前缀分配模块
type PrefixAllocator struct {
	*module.Base

	nodeName string
	cfg      Config
	seed     types.IPPrefix
	count    int
	claimer  Claimer
	store    ConfigStore
	updates  *messaging.Queue[types.PrefixUpdateRequest]
	codec    types.Codec

	allocated *Allocation
}

// New 创建分配模块。updates 为前缀管理器的命令队列；store 可为 nil。
func New(
	nodeName string,
	cfg Config,
	claimer Claimer,
	store ConfigStore,
	updates *messaging.Queue[types.PrefixUpdateRequest],
	opts ...module.BaseOption,
) (*PrefixAllocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if claimer == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "claimer is required")
	}
	seed := types.MustParseIPPrefix(cfg.SeedPrefix).Masked()
	pa := &PrefixAllocator{
		Base:     module.NewBase(Name, opts...),
		nodeName: nodeName,
		cfg:      cfg,
		seed:     seed,
		count:    1 << (cfg.AllocPrefixLen - seed.Len()),
		claimer:  claimer,
		store:    store,
		updates:  updates,
		codec:    types.DefaultCodec,
	}
	_ = pa.AddTask("allocate", pa.allocate)
	return pa, nil
}

// GetAllocation 返回当前分配结果，尚未分配时 ok 为 false
func (pa *PrefixAllocator) GetAllocation(ctx context.Context) (Allocation, bool, error) {
	type result struct {
		a  Allocation
		ok bool
	}
	r, err := module.CallResult(ctx, pa.Base, func() result {
		if pa.allocated == nil {
			return result{}
		}
		return result{a: *pa.allocated, ok: true}
	})
	return r.a, r.ok, err
}

// InitialIndex 由节点名计算起始序号
func InitialIndex(nodeName string, count int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeName))
	return int(h.Sum32() % uint32(count))
}

// SubPrefix 返回 seed 内长度为 allocLen 的第 index 个子前缀
func SubPrefix(seed types.IPPrefix, allocLen, index int) (types.IPPrefix, error) {
	bits := allocLen - seed.Len()
	if bits <= 0 || index < 0 || index >= 1<<bits {
		return types.IPPrefix{}, errors.Newf("prefixallocator: index %d out of range for /%d in %s", index, allocLen, seed)
	}
	raw := seed.Masked().Addr().AsSlice()
	shift := len(raw)*8 - allocLen
	for b := 0; b < bits; b++ {
		if index&(1<<b) == 0 {
			continue
		}
		pos := shift + b
		raw[len(raw)-1-pos/8] |= 1 << (pos % 8)
	}
	addr, ok := netip.AddrFromSlice(raw)
	if !ok {
		return types.IPPrefix{}, errors.Newf("prefixallocator: bad address bytes %v", raw)
	}
	return types.NewIPPrefix(netip.PrefixFrom(addr, allocLen)), nil
}

func (pa *PrefixAllocator) allocate(ctx context.Context) error {
	if a, ok := pa.restore(); ok {
		if err := pa.claim(ctx, a.Index); err == nil {
			pa.commit(a)
			return nil
		}
		pa.Logger().Warn("saved allocation taken by another node", logger.Field{Key: "index", Value: a.Index})
	}

	bo := backoff.NewExponential(pa.cfg.RetryInitial, pa.cfg.RetryMax, backoff.WithClock(pa.Clock()))
	start := InitialIndex(pa.nodeName, pa.count)
	for attempt := 0; attempt < pa.count; attempt++ {
		index := (start + attempt) % pa.count
		err := pa.claim(ctx, index)
		if err == nil {
			prefix, perr := SubPrefix(pa.seed, pa.cfg.AllocPrefixLen, index)
			if perr != nil {
				return perr
			}
			pa.commit(Allocation{Index: index, Prefix: prefix})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pa.Logger().Info("prefix index unavailable, retrying",
			logger.Field{Key: "index", Value: index}, logger.Err(err))
		bo.ReportError()
		timer := time.NewTimer(bo.Current())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	pa.Logger().Error("no prefix available", logger.Field{Key: "seed", Value: pa.seed.String()})
	return errors.Wrapf(ErrExhausted, "%s", pa.seed)
}

var errCollision = errors.New("prefixallocator: index claimed by another node")

// claim 占用 allocprefix:<index>，已被其他节点持有时返回 errCollision
func (pa *PrefixAllocator) claim(ctx context.Context, index int) error {
	key := types.AllocPrefixKey(index)
	cur, err := pa.claimer.GetKey(ctx, key)
	switch {
	case err == nil && cur.OriginatorID != pa.nodeName:
		return errors.Wrapf(errCollision, "%s held by %s", key, cur.OriginatorID)
	case err != nil && !errors.Is(err, kvstore.ErrKeyNotFound):
		return err
	}
	if err := pa.claimer.PersistKey(ctx, key, []byte(pa.nodeName), types.TTLInfinity); err != nil {
		return err
	}
	cur, err = pa.claimer.GetKey(ctx, key)
	if err != nil {
		return err
	}
	if cur.OriginatorID != pa.nodeName {
		return errors.Wrapf(errCollision, "%s won by %s", key, cur.OriginatorID)
	}
	return nil
}

func (pa *PrefixAllocator) commit(a Allocation) {
	_ = pa.RunInEventLoop(func() {
		pa.allocated = &a
	})
	if pa.updates != nil {
		pa.updates.Push(types.PrefixUpdateRequest{
			Cmd:      types.PrefixCmdAdd,
			Prefixes: []types.PrefixEntry{{Prefix: a.Prefix, Type: types.PrefixTypePrefixAllocator}},
		})
	}
	if pa.store != nil {
		data, err := pa.codec.Marshal(a)
		if err == nil {
			err = pa.store.Store(ConfigKey, data)
		}
		if err != nil {
			pa.Logger().Error("persist allocation failed", logger.Err(err))
		}
	}
	pa.Logger().Info("prefix allocated",
		logger.Field{Key: "index", Value: a.Index},
		logger.Field{Key: "prefix", Value: a.Prefix.String()})
}

func (pa *PrefixAllocator) restore() (Allocation, bool) {
	if pa.store == nil {
		return Allocation{}, false
	}
	data, err := pa.store.Load(ConfigKey)
	if err != nil {
		return Allocation{}, false
	}
	var a Allocation
	if err := pa.codec.Unmarshal(data, &a); err != nil {
		pa.Logger().Warn("discard unreadable saved allocation", logger.Err(err))
		return Allocation{}, false
	}
	want, err := SubPrefix(pa.seed, pa.cfg.AllocPrefixLen, a.Index)
	if err != nil || want != a.Prefix {
		pa.Logger().Warn("saved allocation outside seed prefix", logger.Field{Key: "prefix", Value: a.Prefix.String()})
		return Allocation{}, false
	}
	return a, true
}
