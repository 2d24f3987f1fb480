// Package logger 节点各模块共用的结构化日志接口，以及基于 zap 的实现与具名注册表。
package logger

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Level 日志等级
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String 返回等级名称
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel 解析配置中的等级名称，空串为 info。
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.Newf("logger: invalid level %q", raw)
	}
}

// Field 结构化字段
type Field struct {
	Key   string
	Value any
}

// Logger 模块日志接口。
// 模块通过 With 附加 module/node 等固定字段，通过 Named 区分子组件。
type Logger interface {
	With(fields ...Field) Logger
	Named(name string) Logger
	Enabled(level Level) bool

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// Sync 刷新缓冲
	Sync() error
}
