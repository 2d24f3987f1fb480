package prefixallocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/routenode/pkg/kvstore"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/types"
)

type fakeClaimer struct {
	mu   sync.Mutex
	keys map[string]types.Value
}

func newFakeClaimer() *fakeClaimer {
	return &fakeClaimer{keys: make(map[string]types.Value)}
}

func (f *fakeClaimer) GetKey(_ context.Context, key string) (types.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	if !ok {
		return types.Value{}, errors.Wrapf(kvstore.ErrKeyNotFound, "%s", key)
	}
	return v, nil
}

func (f *fakeClaimer) PersistKey(_ context.Context, key string, data []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.keys[key]
	f.keys[key] = types.Value{Version: v.Version + 1, OriginatorID: string(data), Data: data, TTL: ttl}
	return nil
}

// memStore 分配器任务协程写入，测试协程读取
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore(seed map[string][]byte) *memStore {
	m := &memStore{data: make(map[string][]byte)}
	for k, v := range seed {
		m.data[k] = v
	}
	return m
}

func (m *memStore) Store(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *memStore) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (m *memStore) has(key string) bool {
	_, err := m.Load(key)
	return err == nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad seed", mutate: func(c *Config) { c.SeedPrefix = "nope" }, wantErr: true},
		{name: "alloc shorter than seed", mutate: func(c *Config) { c.AllocPrefixLen = 60 }, wantErr: true},
		{name: "alloc too long", mutate: func(c *Config) { c.AllocPrefixLen = 129 }, wantErr: true},
		{name: "too many allocations", mutate: func(c *Config) { c.SeedPrefix = "fc00::/32" }, wantErr: true},
		{name: "bad retry", mutate: func(c *Config) { c.RetryMax = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubPrefix(t *testing.T) {
	seed := types.MustParseIPPrefix("fc00:cafe:babe::/62")
	want := []string{
		"fc00:cafe:babe::/64",
		"fc00:cafe:babe:1::/64",
		"fc00:cafe:babe:2::/64",
		"fc00:cafe:babe:3::/64",
	}
	for i, w := range want {
		p, err := SubPrefix(seed, 64, i)
		require.NoError(t, err)
		assert.Equal(t, w, p.String())
	}
	_, err := SubPrefix(seed, 64, 4)
	assert.Error(t, err)

	v4, err := SubPrefix(types.MustParseIPPrefix("10.0.0.0/16"), 24, 5)
	require.NoError(t, err)
	assert.Equal(t, "10.0.5.0/24", v4.String())

	hostSeed, err := SubPrefix(types.MustParseIPPrefix("10.0.0.9/16"), 24, 5)
	require.NoError(t, err)
	assert.Equal(t, "10.0.5.0/24", hostSeed.String())
}

func TestInitialIndexIsStable(t *testing.T) {
	a := InitialIndex("node1", 4)
	assert.Equal(t, a, InitialIndex("node1", 4))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 4)
}

func run(t *testing.T, pa *PrefixAllocator) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- pa.Run() }()
	pa.WaitUntilRunning()
	t.Cleanup(func() {
		pa.Stop()
		assert.NoError(t, <-done)
	})
}

func TestAllocatePushesAddAndPersists(t *testing.T) {
	claimer := newFakeClaimer()
	store := newMemStore(nil)
	q := messaging.NewQueue[types.PrefixUpdateRequest]()
	r := q.GetReader()

	pa, err := New("node1", testConfig(), claimer, store, q)
	require.NoError(t, err)
	run(t, pa)

	req, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, types.PrefixCmdAdd, req.Cmd)
	require.Len(t, req.Prefixes, 1)
	assert.Equal(t, types.PrefixTypePrefixAllocator, req.Prefixes[0].Type)

	idx := InitialIndex("node1", 4)
	want, err := SubPrefix(types.MustParseIPPrefix("fc00:cafe:babe::/62"), 64, idx)
	require.NoError(t, err)
	assert.Equal(t, want, req.Prefixes[0].Prefix)

	v, err := claimer.GetKey(context.Background(), types.AllocPrefixKey(idx))
	require.NoError(t, err)
	assert.Equal(t, "node1", v.OriginatorID)

	require.Eventually(t, func() bool {
		a, ok, err := pa.GetAllocation(context.Background())
		return err == nil && ok && a.Prefix == want
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.has(ConfigKey) }, time.Second, 5*time.Millisecond)
}

func TestAllocateSkipsClaimedIndex(t *testing.T) {
	claimer := newFakeClaimer()
	idx := InitialIndex("node1", 4)
	claimer.keys[types.AllocPrefixKey(idx)] = types.Value{Version: 1, OriginatorID: "node2"}

	q := messaging.NewQueue[types.PrefixUpdateRequest]()
	r := q.GetReader()
	pa, err := New("node1", testConfig(), claimer, nil, q)
	require.NoError(t, err)
	run(t, pa)

	req, err := r.Get()
	require.NoError(t, err)
	want, err := SubPrefix(types.MustParseIPPrefix("fc00:cafe:babe::/62"), 64, (idx+1)%4)
	require.NoError(t, err)
	assert.Equal(t, want, req.Prefixes[0].Prefix)
}

func TestAllocateRestoresSavedIndex(t *testing.T) {
	cfg := testConfig()
	saved, err := SubPrefix(types.MustParseIPPrefix(cfg.SeedPrefix), 64, 3)
	require.NoError(t, err)
	data, err := types.DefaultCodec.Marshal(Allocation{Index: 3, Prefix: saved})
	require.NoError(t, err)
	store := newMemStore(map[string][]byte{ConfigKey: data})

	q := messaging.NewQueue[types.PrefixUpdateRequest]()
	r := q.GetReader()
	pa, err := New("node9", cfg, newFakeClaimer(), store, q)
	require.NoError(t, err)
	run(t, pa)

	req, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, saved, req.Prefixes[0].Prefix)
}

func TestAllocateExhausted(t *testing.T) {
	claimer := newFakeClaimer()
	for i := 0; i < 4; i++ {
		claimer.keys[types.AllocPrefixKey(i)] = types.Value{Version: 1, OriginatorID: "other"}
	}
	pa, err := New("node1", testConfig(), claimer, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pa.Run() }()
	pa.WaitUntilRunning()

	time.Sleep(100 * time.Millisecond)
	_, ok, err := pa.GetAllocation(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	pa.Stop()
	err = <-done
	assert.True(t, errors.Is(err, ErrExhausted), "got %v", err)
}
