package types

import "sort"

// NextHop 路由下一跳。
type NextHop struct {
	Address string `json:"address"`
	IfName  string `json:"ifName"`
	Metric  int    `json:"metric"`
}

// UnicastRoute 单播路由。
type UnicastRoute struct {
	Dest     IPPrefix  `json:"dest"`
	NextHops []NextHop `json:"nextHops"`
}

// RouteDatabase 完整路由表快照。
type RouteDatabase struct {
	ThisNodeName  string         `json:"thisNodeName"`
	UnicastRoutes []UnicastRoute `json:"unicastRoutes"`
}

// RouteDatabaseDelta 路由表增量。
type RouteDatabaseDelta struct {
	ThisNodeName          string
	UnicastRoutesToUpdate []UnicastRoute
	UnicastRoutesToDelete []IPPrefix
}

// IsEmpty 增量是否为空。
func (d RouteDatabaseDelta) IsEmpty() bool {
	return len(d.UnicastRoutesToUpdate) == 0 && len(d.UnicastRoutesToDelete) == 0
}

// CheckPrefixExists 判断 prefix 是否为 routeDb 中某条单播路由的目的前缀。
func CheckPrefixExists(prefix IPPrefix, routeDb RouteDatabase) bool {
	for _, route := range routeDb.UnicastRoutes {
		if route.Dest == prefix {
			return true
		}
	}
	return false
}

// SortRoutes 按目的前缀字符串排序，便于比较快照。
func SortRoutes(routes []UnicastRoute) {
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Dest.String() < routes[j].Dest.String()
	})
}
