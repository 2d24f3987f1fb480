package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/routenode/pkg/clock"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/types"
)

func newTestStore(t *testing.T, opts ...Option) (*KvStore, *messaging.Queue[types.Publication]) {
	t.Helper()
	updates := messaging.NewQueue[types.Publication]()
	cfg := DefaultConfig()
	cfg.NodeName = "node1"
	k, err := New(cfg, updates, nil, opts...)
	require.NoError(t, err)
	return k, updates
}

func startModule(t *testing.T, m module.Module) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.Run() }()
	m.WaitUntilRunning()
	t.Cleanup(func() {
		m.Stop()
		m.WaitUntilStopped()
		assert.NoError(t, <-done)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{NodeName: "n", TTLCheckInterval: time.Second}, false},
		{"missing node", Config{TTLCheckInterval: time.Second}, true},
		{"zero interval", Config{NodeName: "n"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetKeyVersionMerge(t *testing.T) {
	ctx := context.Background()
	k, updates := newTestStore(t)
	r := updates.GetReader()

	require.NoError(t, k.SetKey(ctx, "a", types.Value{Version: 2, OriginatorID: "n1", Data: []byte("v2")}))
	require.NoError(t, k.SetKey(ctx, "a", types.Value{Version: 1, OriginatorID: "n9", Data: []byte("v1")}))
	require.NoError(t, k.SetKey(ctx, "a", types.Value{Version: 2, OriginatorID: "n2", Data: []byte("v2b")}))

	v, err := k.GetKey(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2b"), v.Data)
	assert.Equal(t, "n2", v.OriginatorID)

	// 只有被接受的写入才会发布
	assert.Equal(t, 2, r.Size())
	pub, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), pub.KeyVals["a"].Data)
}

func TestDumpAllWithPrefix(t *testing.T) {
	ctx := context.Background()
	k, _ := newTestStore(t)

	_, err := k.DumpAllWithPrefix(ctx, "prefix:node1")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, k.SetKey(ctx, "prefix:node1", types.Value{Version: 1}))
	require.NoError(t, k.SetKey(ctx, "prefix:node1:[10.0.0.0/24]", types.Value{Version: 1}))
	require.NoError(t, k.SetKey(ctx, "prefix:node2", types.Value{Version: 1}))

	got, err := k.DumpAllWithPrefix(ctx, "prefix:node1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "prefix:node1:[10.0.0.0/24]")

	_, err = k.GetKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1000, 0))
	updates := messaging.NewQueue[types.Publication]()
	cfg := Config{NodeName: "node1", TTLCheckInterval: 5 * time.Millisecond}
	k, err := New(cfg, updates, nil, WithBaseOptions(module.WithClock(clk)))
	require.NoError(t, err)
	r := updates.GetReader()
	startModule(t, k)

	require.NoError(t, k.SetKey(ctx, "short", types.Value{Version: 1, TTL: time.Second}))
	require.NoError(t, k.SetKey(ctx, "forever", types.Value{Version: 1, TTL: types.TTLInfinity}))
	_, _ = r.Get()
	_, _ = r.Get()

	clk.Advance(2 * time.Second)

	pub, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, pub.ExpiredKeys)

	_, err = k.GetKey(ctx, "short")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = k.GetKey(ctx, "forever")
	assert.NoError(t, err)
}

func TestPeerTable(t *testing.T) {
	peerQ := messaging.NewQueue[types.PeerEvent]()
	cfg := DefaultConfig()
	cfg.NodeName = "node1"
	k, err := New(cfg, nil, peerQ.GetReader())
	require.NoError(t, err)
	startModule(t, k)

	peerQ.Push(types.PeerEvent{PeersToAdd: []string{"node3", "node2"}})
	peerQ.Push(types.PeerEvent{PeersToDel: []string{"node3"}})

	require.Eventually(t, func() bool {
		peers, err := k.GetPeers(context.Background())
		return err == nil && len(peers) == 1 && peers[0] == "node2"
	}, time.Second, 5*time.Millisecond)

	peerQ.Close()
}
