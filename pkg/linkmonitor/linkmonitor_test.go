package linkmonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/routenode/pkg/clock"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/module"
	"github.com/lk2023060901/routenode/pkg/types"
)

type fakeAdvertiser struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func (f *fakeAdvertiser) PersistKey(_ context.Context, key string, data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string][]byte)
	}
	f.keys[key] = data
	return nil
}

func (f *fakeAdvertiser) adjacencies(t *testing.T) (types.AdjacencyDatabase, bool) {
	f.mu.Lock()
	data, ok := f.keys[types.AdjKey("node1")]
	f.mu.Unlock()
	if !ok {
		return types.AdjacencyDatabase{}, false
	}
	db, err := types.ReadAdjacencyDatabase(types.DefaultCodec, data)
	require.NoError(t, err)
	return db, true
}

type harness struct {
	lm        *LinkMonitor
	adv       *fakeAdvertiser
	clk       *clock.Manual
	platform  *messaging.Queue[types.PlatformEvent]
	ifaces    *messaging.Queue[types.InterfaceDatabase]
	neighbors *messaging.Queue[types.NeighborEvent]
	peers     *messaging.Reader[types.PeerEvent]
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		adv:       &fakeAdvertiser{},
		clk:       clock.NewManual(time.Unix(0, 0)),
		platform:  messaging.NewQueue[types.PlatformEvent](),
		ifaces:    messaging.NewQueue[types.InterfaceDatabase](),
		neighbors: messaging.NewQueue[types.NeighborEvent](),
	}
	peerQ := messaging.NewQueue[types.PeerEvent]()
	h.peers = peerQ.GetReader()

	lm, err := New("node1", cfg,
		Inputs{Platform: h.platform.GetReader(), Interfaces: h.ifaces.GetReader(), Neighbors: h.neighbors.GetReader()},
		Outputs{Interfaces: h.ifaces, Peers: peerQ},
		h.adv,
		WithBaseOptions(module.WithClock(h.clk)),
	)
	require.NoError(t, err)
	h.lm = lm

	done := make(chan error, 1)
	go func() { done <- lm.Run() }()
	lm.WaitUntilRunning()
	t.Cleanup(func() {
		h.platform.Close()
		h.ifaces.Close()
		h.neighbors.Close()
		peerQ.Close()
		lm.Stop()
		lm.WaitUntilStopped()
		assert.NoError(t, <-done)
	})
	return h
}

func noHold() Config {
	cfg := DefaultConfig()
	cfg.AdjHoldTime = 0
	return cfg
}

func ifaceDb(ifaces map[string]bool) types.InterfaceDatabase {
	db := types.InterfaceDatabase{ThisNodeName: "node1", Interfaces: map[string]types.InterfaceInfo{}}
	for name, up := range ifaces {
		db.Interfaces[name] = types.InterfaceInfo{IsUp: up, IfIndex: 5}
	}
	return db
}

func (h *harness) candidates(t *testing.T) []string {
	t.Helper()
	c, err := h.lm.GetCandidateInterfaces(context.Background())
	require.NoError(t, err)
	return c
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.IncludeRegexes = []string{"("}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.FlapMaxBackoff = bad.FlapInitialBackoff / 2
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestMatcherExcludeWins(t *testing.T) {
	m, err := newMatcher(Config{IncludeRegexes: []string{"^veth.*"}, ExcludeRegexes: []string{"^veth9$"}})
	require.NoError(t, err)
	assert.True(t, m.match("veth0"))
	assert.False(t, m.match("veth9"))
	assert.False(t, m.match("eth0"))
}

func TestSingleUpInterfaceBecomesCandidate(t *testing.T) {
	h := newHarness(t, noHold())

	h.ifaces.Push(ifaceDb(map[string]bool{"veth0": true}))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"veth0"}, h.candidates(t))
	}, time.Second, 5*time.Millisecond)

	status, err := h.lm.GetInterfaces(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, 5, status[0].IfIndex)
	assert.False(t, status[0].Damped)
}

func TestExcludedAndDownInterfacesAreNotCandidates(t *testing.T) {
	cfg := noHold()
	cfg.ExcludeRegexes = []string{"^lo$"}
	h := newHarness(t, cfg)

	h.ifaces.Push(ifaceDb(map[string]bool{"veth0": true, "veth1": false, "lo": true}))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"veth0"}, h.candidates(t))
	}, time.Second, 5*time.Millisecond)
}

func TestFlapDamping(t *testing.T) {
	h := newHarness(t, noHold())

	h.ifaces.Push(ifaceDb(map[string]bool{"veth0": true}))
	h.ifaces.Push(ifaceDb(map[string]bool{"veth0": false}))
	h.ifaces.Push(ifaceDb(map[string]bool{"veth0": true}))

	require.Eventually(t, func() bool {
		st, err := h.lm.GetInterfaces(context.Background())
		return err == nil && len(st) == 1 && st[0].IsUp && st[0].Damped
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.candidates(t))

	h.clk.Advance(2 * time.Second)
	assert.Equal(t, []string{"veth0"}, h.candidates(t))
}

func TestPlatformEventsFeedInterfaceTable(t *testing.T) {
	h := newHarness(t, noHold())

	h.platform.Push(types.PlatformEvent{Type: types.PlatformLinkEvent, Link: types.LinkEntry{IfName: "eth1", IfIndex: 3, IsUp: true}})
	h.platform.Push(types.PlatformEvent{
		Type:    types.PlatformAddressEvent,
		Link:    types.LinkEntry{IfName: "eth1"},
		Network: types.MustParseIPPrefix("10.1.0.1/31"),
	})

	require.Eventually(t, func() bool {
		st, err := h.lm.GetInterfaces(context.Background())
		return err == nil && len(st) == 1 && len(st[0].Networks) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"eth1"}, h.candidates(t))
}

func TestNeighborEventsDriveAdjacenciesAndPeers(t *testing.T) {
	h := newHarness(t, noHold())
	h.ifaces.Push(ifaceDb(map[string]bool{"veth0": true, "veth1": true}))
	require.Eventually(t, func() bool { return len(h.candidates(t)) == 2 }, time.Second, 5*time.Millisecond)

	h.neighbors.Push(types.NeighborEvent{Type: types.NeighborUp, IfName: "veth0", NeighborName: "node2", Metric: 10})
	h.neighbors.Push(types.NeighborEvent{Type: types.NeighborUp, IfName: "veth1", NeighborName: "node2", Metric: 20})

	ev, err := h.peers.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"node2"}, ev.PeersToAdd)

	require.Eventually(t, func() bool {
		db, ok := h.adv.adjacencies(t)
		return ok && len(db.Adjacencies) == 2
	}, time.Second, 5*time.Millisecond)

	h.neighbors.Push(types.NeighborEvent{Type: types.NeighborDown, IfName: "veth0", NeighborName: "node2"})
	h.neighbors.Push(types.NeighborEvent{Type: types.NeighborDown, IfName: "veth1", NeighborName: "node2"})

	ev, err = h.peers.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"node2"}, ev.PeersToDel)

	require.Eventually(t, func() bool {
		db, ok := h.adv.adjacencies(t)
		return ok && len(db.Adjacencies) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAdjHoldTimeDelaysAdvertisement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdjHoldTime = 300 * time.Millisecond
	h := newHarness(t, cfg)

	h.ifaces.Push(ifaceDb(map[string]bool{"veth0": true}))
	require.Eventually(t, func() bool { return len(h.candidates(t)) == 1 }, time.Second, 5*time.Millisecond)
	_, ok := h.adv.adjacencies(t)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		_, ok := h.adv.adjacencies(t)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
