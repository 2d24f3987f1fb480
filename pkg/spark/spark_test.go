package spark

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

type harness struct {
	spark      *Spark
	interfaces *messaging.Queue[types.InterfaceDatabase]
	neighbors  *messaging.Reader[types.NeighborEvent]
	clk        *clock.Manual
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ifQ := messaging.NewQueue[types.InterfaceDatabase]()
	nbQ := messaging.NewQueue[types.NeighborEvent]()
	clk := clock.NewManual(time.Unix(0, 0))
	s, err := New("node1", cfg, ifQ.GetReader(), nbQ, module.WithClock(clk))
	require.NoError(t, err)
	h := &harness{spark: s, interfaces: ifQ, neighbors: nbQ.GetReader(), clk: clk}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	s.WaitUntilRunning()
	t.Cleanup(func() {
		ifQ.Close()
		nbQ.Close()
		s.Stop()
		s.WaitUntilStopped()
		assert.NoError(t, <-done)
	})
	return h
}

func (h *harness) pushInterfaces(ifaces map[string]bool) {
	db := types.InterfaceDatabase{ThisNodeName: "node1", Interfaces: map[string]types.InterfaceInfo{}}
	i := 1
	for name, up := range ifaces {
		db.Interfaces[name] = types.InterfaceInfo{IsUp: up, IfIndex: i}
		i++
	}
	h.interfaces.Push(db)
}

func (h *harness) waitTracked(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := h.spark.GetTrackedInterfaces(context.Background())
		return err == nil && assert.ObjectsAreEqual(want, got)
	}, time.Second, 5*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{HoldTime: time.Second}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{HoldTime: time.Second, KeepAliveTime: 2 * time.Second}.Validate(), ErrInvalidConfig)
}

func TestTracksOnlyUpInterfaces(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.pushInterfaces(map[string]bool{"veth0": true, "veth1": false})
	h.waitTracked(t, "veth0")

	h.pushInterfaces(map[string]bool{"veth0": true, "veth1": true})
	h.waitTracked(t, "veth0", "veth1")
}

func TestNeighborUpDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.pushInterfaces(map[string]bool{"veth0": true})
	h.waitTracked(t, "veth0")

	err := h.spark.ProcessNeighborEvent(ctx, types.NeighborEvent{Type: types.NeighborUp, IfName: "eth9", NeighborName: "node2"})
	assert.ErrorIs(t, err, ErrUnknownInterface)

	require.NoError(t, h.spark.ProcessNeighborEvent(ctx, types.NeighborEvent{Type: types.NeighborUp, IfName: "veth0", NeighborName: "node2", Metric: 1}))
	// 重复 UP 只刷新，不重复发布
	require.NoError(t, h.spark.ProcessNeighborEvent(ctx, types.NeighborEvent{Type: types.NeighborUp, IfName: "veth0", NeighborName: "node2", Metric: 1}))
	require.NoError(t, h.spark.ProcessNeighborEvent(ctx, types.NeighborEvent{Type: types.NeighborDown, IfName: "veth0", NeighborName: "node2"}))

	ev, err := h.neighbors.Get()
	require.NoError(t, err)
	assert.Equal(t, types.NeighborUp, ev.Type)
	ev, err = h.neighbors.Get()
	require.NoError(t, err)
	assert.Equal(t, types.NeighborDown, ev.Type)
	assert.Equal(t, 0, h.neighbors.Size())

	nbrs, err := h.spark.GetNeighbors(ctx)
	require.NoError(t, err)
	assert.Empty(t, nbrs)
}

func TestInterfaceDownDropsNeighbors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.pushInterfaces(map[string]bool{"veth0": true})
	h.waitTracked(t, "veth0")

	require.NoError(t, h.spark.ProcessNeighborEvent(ctx, types.NeighborEvent{Type: types.NeighborUp, IfName: "veth0", NeighborName: "node2"}))
	_, _ = h.neighbors.Get()

	h.pushInterfaces(map[string]bool{"veth0": false})
	ev, err := h.neighbors.Get()
	require.NoError(t, err)
	assert.Equal(t, types.NeighborDown, ev.Type)
	assert.Equal(t, "node2", ev.NeighborName)
}

func TestHoldTimeExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{HoldTime: time.Second, KeepAliveTime: 5 * time.Millisecond})
	h.pushInterfaces(map[string]bool{"veth0": true})
	h.waitTracked(t, "veth0")

	require.NoError(t, h.spark.ProcessNeighborEvent(ctx, types.NeighborEvent{Type: types.NeighborUp, IfName: "veth0", NeighborName: "node2"}))
	_, _ = h.neighbors.Get()

	h.clk.Advance(2 * time.Second)
	ev, err := h.neighbors.Get()
	require.NoError(t, err)
	assert.Equal(t, types.NeighborDown, ev.Type)
}
