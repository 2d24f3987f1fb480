package fib

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/types"
)

func route(dest string, ifNames ...string) types.UnicastRoute {
	r := types.UnicastRoute{Dest: types.MustParseIPPrefix(dest)}
	for _, n := range ifNames {
		r.NextHops = append(r.NextHops, types.NextHop{Address: "peer-" + n, IfName: n, Metric: 1})
	}
	return r
}

func start(t *testing.T, cfg Config) (*Fib, *messaging.Queue[types.RouteDatabaseDelta], *messaging.Queue[types.InterfaceDatabase]) {
	t.Helper()
	routes := messaging.NewQueue[types.RouteDatabaseDelta]()
	ifaces := messaging.NewQueue[types.InterfaceDatabase]()
	f, err := New("node1", cfg, routes.GetReader(), ifaces.GetReader(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.Run() }()
	f.WaitUntilRunning()
	t.Cleanup(func() {
		routes.Close()
		ifaces.Close()
		f.Stop()
		assert.NoError(t, <-done)
	})
	return f, routes, ifaces
}

func waitRoutes(t *testing.T, f *Fib, n int) types.RouteDatabase {
	t.Helper()
	var db types.RouteDatabase
	require.Eventually(t, func() bool {
		var err error
		db, err = f.GetRouteDb(context.Background())
		return err == nil && len(db.UnicastRoutes) == n
	}, time.Second, 5*time.Millisecond)
	return db
}

func TestFibAppliesDeltas(t *testing.T) {
	f, routes, _ := start(t, DefaultConfig())

	db, err := f.GetRouteDb(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node1", db.ThisNodeName)
	assert.Empty(t, db.UnicastRoutes)

	routes.Push(types.RouteDatabaseDelta{UnicastRoutesToUpdate: []types.UnicastRoute{
		route("10.0.1.0/24", "eth0"),
		route("10.0.0.0/24", "eth1"),
	}})
	db = waitRoutes(t, f, 2)
	assert.Equal(t, "10.0.0.0/24", db.UnicastRoutes[0].Dest.String())

	routes.Push(types.RouteDatabaseDelta{UnicastRoutesToDelete: []types.IPPrefix{types.MustParseIPPrefix("10.0.0.0/24")}})
	db = waitRoutes(t, f, 1)
	assert.Equal(t, "10.0.1.0/24", db.UnicastRoutes[0].Dest.String())
}

func TestFibDropsNextHopsOverDownInterfaces(t *testing.T) {
	f, routes, ifaces := start(t, DefaultConfig())

	routes.Push(types.RouteDatabaseDelta{UnicastRoutesToUpdate: []types.UnicastRoute{
		route("10.0.0.0/24", "eth0", "eth1"),
		route("10.0.1.0/24", "eth1"),
	}})
	waitRoutes(t, f, 2)

	ifaces.Push(types.InterfaceDatabase{Interfaces: map[string]types.InterfaceInfo{
		"eth0": {IsUp: true},
		"eth1": {IsUp: false},
	}})
	db := waitRoutes(t, f, 1)
	require.Len(t, db.UnicastRoutes[0].NextHops, 1)
	assert.Equal(t, "eth0", db.UnicastRoutes[0].NextHops[0].IfName)

	ifaces.Push(types.InterfaceDatabase{Interfaces: map[string]types.InterfaceInfo{
		"eth0": {IsUp: true},
		"eth1": {IsUp: true},
	}})
	waitRoutes(t, f, 2)
}

func TestFibHoldsRoutesDuringColdStart(t *testing.T) {
	f, routes, _ := start(t, Config{ColdStartDuration: 100 * time.Millisecond})

	routes.Push(types.RouteDatabaseDelta{UnicastRoutesToUpdate: []types.UnicastRoute{route("10.0.0.0/24", "eth0")}})
	time.Sleep(20 * time.Millisecond)
	db, err := f.GetRouteDb(context.Background())
	require.NoError(t, err)
	assert.Empty(t, db.UnicastRoutes)

	waitRoutes(t, f, 1)
}

func TestFibConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{ColdStartDuration: -time.Second}.Validate(), ErrInvalidConfig)
}
