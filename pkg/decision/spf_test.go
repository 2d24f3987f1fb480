package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/routenode/pkg/types"
)

func adjDb(node string, adjs ...types.Adjacency) types.AdjacencyDatabase {
	return types.AdjacencyDatabase{ThisNodeName: node, Adjacencies: adjs}
}

func adj(other, ifName string) types.Adjacency {
	return types.Adjacency{OtherNodeName: other, IfName: ifName, Metric: 1}
}

func prefixDb(node string, prefixes ...string) types.PrefixDatabase {
	db := types.PrefixDatabase{ThisNodeName: node}
	for _, p := range prefixes {
		db.PrefixEntries = append(db.PrefixEntries, types.PrefixEntry{Prefix: types.MustParseIPPrefix(p), Type: types.PrefixTypeLoopback})
	}
	return db
}

func TestComputeRoutesLine(t *testing.T) {
	adjs := map[string]types.AdjacencyDatabase{
		"a": adjDb("a", adj("b", "if_ab")),
		"b": adjDb("b", adj("a", "if_ba"), adj("c", "if_bc")),
		"c": adjDb("c", adj("b", "if_cb")),
	}
	prefixes := map[string]types.PrefixDatabase{
		"prefix:a": prefixDb("a", "10.0.0.1/32"),
		"prefix:b": prefixDb("b", "10.0.0.2/32"),
		"prefix:c": prefixDb("c", "10.0.0.3/32"),
	}
	routes := computeRoutes("a", adjs, prefixes)
	require.Len(t, routes, 2)

	toC := routes[types.MustParseIPPrefix("10.0.0.3/32")]
	require.Len(t, toC.NextHops, 1)
	assert.Equal(t, types.NextHop{Address: "b", IfName: "if_ab", Metric: 2}, toC.NextHops[0])

	toB := routes[types.MustParseIPPrefix("10.0.0.2/32")]
	require.Len(t, toB.NextHops, 1)
	assert.Equal(t, 1, toB.NextHops[0].Metric)
}

func TestComputeRoutesECMP(t *testing.T) {
	adjs := map[string]types.AdjacencyDatabase{
		"a": adjDb("a", adj("b", "if_ab"), adj("c", "if_ac")),
		"b": adjDb("b", adj("a", "if_ba"), adj("d", "if_bd")),
		"c": adjDb("c", adj("a", "if_ca"), adj("d", "if_cd")),
		"d": adjDb("d", adj("b", "if_db"), adj("c", "if_dc")),
	}
	prefixes := map[string]types.PrefixDatabase{
		"prefix:d": prefixDb("d", "fc00::/64"),
	}
	routes := computeRoutes("a", adjs, prefixes)
	r := routes[types.MustParseIPPrefix("fc00::/64")]
	require.Len(t, r.NextHops, 2)
	assert.Equal(t, "if_ab", r.NextHops[0].IfName)
	assert.Equal(t, "if_ac", r.NextHops[1].IfName)
}

func TestComputeRoutesIgnoresOneSidedAdjacency(t *testing.T) {
	adjs := map[string]types.AdjacencyDatabase{
		"a": adjDb("a", adj("b", "if_ab")),
		"b": adjDb("b"),
	}
	prefixes := map[string]types.PrefixDatabase{
		"prefix:b": prefixDb("b", "10.0.0.2/32"),
	}
	assert.Empty(t, computeRoutes("a", adjs, prefixes))
}

func TestComputeRoutesWithoutSelf(t *testing.T) {
	adjs := map[string]types.AdjacencyDatabase{
		"b": adjDb("b", adj("c", "x")),
	}
	assert.Empty(t, computeRoutes("a", adjs, nil))
}

func TestComputeRoutesMasksDestination(t *testing.T) {
	adjs := map[string]types.AdjacencyDatabase{
		"a": adjDb("a", adj("b", "if_ab")),
		"b": adjDb("b", adj("a", "if_ba")),
	}
	prefixes := map[string]types.PrefixDatabase{
		"prefix:b": prefixDb("b", "10.1.0.1/24", "10.1.0.7/24"),
	}
	routes := computeRoutes("a", adjs, prefixes)
	require.Len(t, routes, 1)
	r, ok := routes[types.MustParseIPPrefix("10.1.0.0/24")]
	require.True(t, ok)
	assert.Equal(t, "10.1.0.0/24", r.Dest.String())
}
