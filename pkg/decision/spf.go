package decision

import (
	"sort"

	"github.com/lk2023060901/routenode/pkg/types"
)

// graph 只保留双向确认的邻接
type graph map[string]map[string]struct{}

func buildGraph(adjDbs map[string]types.AdjacencyDatabase) graph {
	g := make(graph)
	for node, db := range adjDbs {
		for _, adj := range db.Adjacencies {
			peer, ok := adjDbs[adj.OtherNodeName]
			if !ok || !lists(peer, node) {
				continue
			}
			if g[node] == nil {
				g[node] = make(map[string]struct{})
			}
			g[node][adj.OtherNodeName] = struct{}{}
		}
	}
	return g
}

func lists(db types.AdjacencyDatabase, node string) bool {
	for _, adj := range db.Adjacencies {
		if adj.OtherNodeName == node {
			return true
		}
	}
	return false
}

// hopCounts 从 src 出发的逐跳距离
func hopCounts(g graph, src string) map[string]int {
	dist := map[string]int{src: 0}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range g[cur] {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[cur] + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// computeRoutes 计算到其他节点所通告前缀的最短跳数路由，等价路径全部保留为下一跳
func computeRoutes(
	self string,
	adjDbs map[string]types.AdjacencyDatabase,
	prefixDbs map[string]types.PrefixDatabase,
) map[types.IPPrefix]types.UnicastRoute {
	routes := make(map[types.IPPrefix]types.UnicastRoute)
	selfDb, ok := adjDbs[self]
	if !ok {
		return routes
	}
	g := buildGraph(adjDbs)

	// 每个邻居到各节点的距离
	viaNeighbor := make(map[string]map[string]int)
	for neighbor := range g[self] {
		viaNeighbor[neighbor] = hopCounts(g, neighbor)
	}
	dist := hopCounts(g, self)

	nextHopsTo := func(dest string) []types.NextHop {
		d, ok := dist[dest]
		if !ok || d == 0 {
			return nil
		}
		var hops []types.NextHop
		for _, adj := range selfDb.Adjacencies {
			from, ok := viaNeighbor[adj.OtherNodeName]
			if !ok {
				continue
			}
			if nd, ok := from[dest]; ok && nd == d-1 {
				hops = append(hops, types.NextHop{
					Address: adj.OtherNodeName,
					IfName:  adj.IfName,
					Metric:  d,
				})
			}
		}
		sort.Slice(hops, func(i, j int) bool {
			if hops[i].IfName != hops[j].IfName {
				return hops[i].IfName < hops[j].IfName
			}
			return hops[i].Address < hops[j].Address
		})
		return hops
	}

	best := make(map[types.IPPrefix]int)
	for _, db := range prefixDbs {
		if db.ThisNodeName == self {
			continue
		}
		hops := nextHopsTo(db.ThisNodeName)
		if len(hops) == 0 {
			continue
		}
		d := dist[db.ThisNodeName]
		for _, e := range db.PrefixEntries {
			dest := e.Prefix.Masked()
			cur, seen := best[dest]
			switch {
			case !seen || d < cur:
				best[dest] = d
				routes[dest] = types.UnicastRoute{Dest: dest, NextHops: hops}
			case d == cur:
				r := routes[dest]
				r.NextHops = mergeNextHops(r.NextHops, hops)
				routes[dest] = r
			}
		}
	}
	return routes
}

func mergeNextHops(a, b []types.NextHop) []types.NextHop {
	seen := make(map[types.NextHop]struct{}, len(a)+len(b))
	out := make([]types.NextHop, 0, len(a)+len(b))
	for _, h := range append(append([]types.NextHop(nil), a...), b...) {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IfName != out[j].IfName {
			return out[i].IfName < out[j].IfName
		}
		return out[i].Address < out[j].Address
	})
	return out
}
