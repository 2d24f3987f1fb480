package types

import (
	"fmt"
	"strings"
	"time"
)

// 分布式存储中的键前缀。
const (
	PrefixDBMarker    = "prefix:"
	AdjDBMarker       = "adj:"
	AllocPrefixMarker = "allocprefix:"
)

// TTLInfinity 表示永不过期。
const TTLInfinity time.Duration = 0

// Value 分布式存储中的值。
type Value struct {
	Version      int64         `json:"version"`
	OriginatorID string        `json:"originatorId"`
	Data         []byte        `json:"data,omitempty"`
	TTL          time.Duration `json:"ttl"`
}

// Supersedes 判断 v 是否应覆盖 other：版本更高者胜，版本相同时比较发起者。
func (v Value) Supersedes(other Value) bool {
	if v.Version != other.Version {
		return v.Version > other.Version
	}
	return v.OriginatorID > other.OriginatorID
}

// Publication 分布式存储变更通知。
type Publication struct {
	KeyVals     map[string]Value
	ExpiredKeys []string
}

// PrefixKey 节点前缀数据库的键，同时也是该节点所有前缀键的命名空间。
func PrefixKey(node string) string {
	return PrefixDBMarker + node
}

// PerPrefixKey 单前缀模式下的键。
func PerPrefixKey(node string, prefix IPPrefix) string {
	return fmt.Sprintf("%s%s:[%s]", PrefixDBMarker, node, prefix.String())
}

// AdjKey 节点邻接表的键。
func AdjKey(node string) string {
	return AdjDBMarker + node
}

// AllocPrefixKey 前缀分配占用键。
func AllocPrefixKey(index int) string {
	return fmt.Sprintf("%s%d", AllocPrefixMarker, index)
}

// NodeNameFromKey 从 "<marker><node>[:...]" 形式的键中解析节点名。
func NodeNameFromKey(key string) string {
	for _, marker := range []string{PrefixDBMarker, AdjDBMarker} {
		if strings.HasPrefix(key, marker) {
			rest := strings.TrimPrefix(key, marker)
			if i := strings.Index(rest, ":"); i >= 0 {
				return rest[:i]
			}
			return rest
		}
	}
	return ""
}
