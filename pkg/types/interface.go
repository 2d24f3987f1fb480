package types

// InterfaceInfo 单个接口的状态。
type InterfaceInfo struct {
	IsUp     bool       `json:"isUp"`
	IfIndex  int        `json:"ifIndex"`
	Networks []IPPrefix `json:"networks"`
}

// InterfaceDatabase 节点接口快照。
type InterfaceDatabase struct {
	ThisNodeName string                   `json:"thisNodeName"`
	Interfaces   map[string]InterfaceInfo `json:"interfaces"`
}

// InterfaceEntry 外部驱动注入的接口描述。
type InterfaceEntry struct {
	IfName             string
	IfIndex            int
	IsUp               bool
	V4Network          IPPrefix
	V6LinkLocalNetwork IPPrefix
}

// Networks 返回有效的网络前缀列表。
func (e InterfaceEntry) Networks() []IPPrefix {
	out := make([]IPPrefix, 0, 2)
	for _, p := range []IPPrefix{e.V4Network, e.V6LinkLocalNetwork} {
		if p.IsValid() {
			out = append(out, p)
		}
	}
	return out
}

// NeighborEventType 邻居事件类型。
type NeighborEventType int

const (
	NeighborUp NeighborEventType = iota + 1
	NeighborDown
	NeighborRestart
)

func (t NeighborEventType) String() string {
	switch t {
	case NeighborUp:
		return "NEIGHBOR_UP"
	case NeighborDown:
		return "NEIGHBOR_DOWN"
	case NeighborRestart:
		return "NEIGHBOR_RESTART"
	default:
		return "UNKNOWN"
	}
}

// NeighborEvent 邻居发现模块产生的事件。
type NeighborEvent struct {
	Type         NeighborEventType
	IfName       string
	NeighborName string
	Metric       int
}

// PeerEvent 通知分布式存储增删对端。
type PeerEvent struct {
	PeersToAdd []string
	PeersToDel []string
}

// Adjacency 与邻居节点的一条链路。
type Adjacency struct {
	OtherNodeName string `json:"otherNodeName"`
	IfName        string `json:"ifName"`
	Metric        int    `json:"metric"`
}

// AdjacencyDatabase 节点的邻接表。
type AdjacencyDatabase struct {
	ThisNodeName string      `json:"thisNodeName"`
	Adjacencies  []Adjacency `json:"adjacencies"`
}

// PlatformEventType 平台事件类型。
type PlatformEventType int

const (
	PlatformLinkEvent PlatformEventType = iota + 1
	PlatformAddressEvent
)

// LinkEntry 链路状态。
type LinkEntry struct {
	IfName  string
	IfIndex int
	IsUp    bool
	Weight  int
}

// PlatformEvent 平台（内核/驱动）上报的事件。
type PlatformEvent struct {
	Type    PlatformEventType
	Link    LinkEntry
	Network IPPrefix
}
