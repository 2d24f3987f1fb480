package types

import (
	"net/netip"

	"github.com/cockroachdb/errors"
)

// IPPrefix 网络前缀，零值表示空前缀。
type IPPrefix struct {
	p netip.Prefix
}

// NewIPPrefix 由 netip.Prefix 构造，保留原始地址（接口地址需要主机位）。
func NewIPPrefix(p netip.Prefix) IPPrefix {
	return IPPrefix{p: p}
}

// ParseIPPrefix 解析 CIDR 字符串，例如 "fc00:cafe:babe::/64"。
func ParseIPPrefix(s string) (IPPrefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return IPPrefix{}, errors.Wrapf(err, "types: invalid prefix %q", s)
	}
	return NewIPPrefix(p), nil
}

// MustParseIPPrefix 解析失败时 panic，仅用于常量与测试。
func MustParseIPPrefix(s string) IPPrefix {
	p, err := ParseIPPrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Prefix 返回底层 netip.Prefix。
func (p IPPrefix) Prefix() netip.Prefix {
	return p.p
}

// Addr 返回前缀中的地址。
func (p IPPrefix) Addr() netip.Addr {
	return p.p.Addr()
}

// Masked 清零主机位，路由目的与前缀分配使用网络地址。
func (p IPPrefix) Masked() IPPrefix {
	if !p.p.IsValid() {
		return p
	}
	return IPPrefix{p: p.p.Masked()}
}

// Len 返回前缀长度。
func (p IPPrefix) Len() int {
	return p.p.Bits()
}

// IsValid 是否为有效前缀。
func (p IPPrefix) IsValid() bool {
	return p.p.IsValid()
}

// IsV4 是否为 IPv4 前缀。
func (p IPPrefix) IsV4() bool {
	return p.p.Addr().Is4()
}

// String 返回 CIDR 表示，空前缀返回空字符串。
func (p IPPrefix) String() string {
	if !p.p.IsValid() {
		return ""
	}
	return p.p.String()
}

// MarshalText 实现 encoding.TextMarshaler。
func (p IPPrefix) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (p *IPPrefix) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = IPPrefix{}
		return nil
	}
	parsed, err := ParseIPPrefix(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PrefixType 前缀来源类型。
type PrefixType int

const (
	PrefixTypeLoopback PrefixType = iota + 1
	PrefixTypeDefault
	PrefixTypeBGP
	PrefixTypePrefixAllocator
	PrefixTypeBreeze
	PrefixTypeConfig
)

var prefixTypeNames = map[PrefixType]string{
	PrefixTypeLoopback:        "LOOPBACK",
	PrefixTypeDefault:         "DEFAULT",
	PrefixTypeBGP:             "BGP",
	PrefixTypePrefixAllocator: "PREFIX_ALLOCATOR",
	PrefixTypeBreeze:          "BREEZE",
	PrefixTypeConfig:          "CONFIG",
}

func (t PrefixType) String() string {
	if name, ok := prefixTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// PrefixEntry 单条前缀通告。
type PrefixEntry struct {
	Prefix IPPrefix   `json:"prefix"`
	Type   PrefixType `json:"type"`
}

// PrefixDatabase 某节点通告的全部前缀。
type PrefixDatabase struct {
	ThisNodeName  string        `json:"thisNodeName"`
	PrefixEntries []PrefixEntry `json:"prefixEntries"`
	// DeletePrefix 为 true 表示该键即将被删除
	DeletePrefix bool `json:"deletePrefix,omitempty"`
}

// FirstOfType 返回第一条指定类型的前缀。
func (db PrefixDatabase) FirstOfType(t PrefixType) (IPPrefix, bool) {
	for _, entry := range db.PrefixEntries {
		if entry.Type == t {
			return entry.Prefix, true
		}
	}
	return IPPrefix{}, false
}

// PrefixUpdateCommand 前缀更新命令。
type PrefixUpdateCommand int

const (
	PrefixCmdAdd PrefixUpdateCommand = iota + 1
	PrefixCmdWithdraw
	PrefixCmdWithdrawByType
	PrefixCmdSyncByType
)

func (c PrefixUpdateCommand) String() string {
	switch c {
	case PrefixCmdAdd:
		return "ADD_PREFIXES"
	case PrefixCmdWithdraw:
		return "WITHDRAW_PREFIXES"
	case PrefixCmdWithdrawByType:
		return "WITHDRAW_PREFIXES_BY_TYPE"
	case PrefixCmdSyncByType:
		return "SYNC_PREFIXES_BY_TYPE"
	default:
		return "UNKNOWN"
	}
}

// PrefixUpdateRequest 发往前缀管理器的命令。
// Type 仅对 ...ByType 命令有效。
type PrefixUpdateRequest struct {
	Cmd      PrefixUpdateCommand
	Type     PrefixType
	Prefixes []PrefixEntry
}
