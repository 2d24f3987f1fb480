package logger

import (
	"os"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrNoOutput 既没有文件也没有控制台输出
var ErrNoOutput = errors.New("logger: no file path and console disabled")

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ZapConfig zap 日志参数，文件按 lumberjack 规则滚动
type ZapConfig struct {
	Filepath string
	Level    Level
	// Format json 或 console，默认 json
	Format string
	// MaxSize 单文件上限，单位 MB
	MaxSize    int
	MaxBackups int
	// MaxAge 旧文件保留天数
	MaxAge   int
	Compress bool
	// Console 同时输出到标准错误
	Console bool
}

// ZapLogger zap 实现
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger 按配置创建日志
func NewZapLogger(cfg ZapConfig) (*ZapLogger, error) {
	if cfg.Filepath == "" && !cfg.Console {
		return nil, ErrNoOutput
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	level := zapLevel(cfg.Level)

	cores := make([]zapcore.Core, 0, 2)
	if cfg.Filepath != "" {
		rolling := &lumberjack.Logger{
			Filename:   cfg.Filepath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rolling), level))
	}
	if cfg.Console {
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.Lock(os.Stderr), level))
	}
	return &ZapLogger{
		base: zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// NewConsole 仅输出到标准错误的人类可读日志，用于未配置日志时的命令行
func NewConsole(level Level) *ZapLogger {
	l, _ := NewZapLogger(ZapConfig{Level: level, Format: FormatConsole, Console: true})
	return l
}

func newEncoder(format string) (zapcore.Encoder, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	switch format {
	case "", FormatJSON:
		return zapcore.NewJSONEncoder(cfg), nil
	case FormatConsole:
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, errors.Newf("logger: unknown format %q", format)
	}
}

func (l *ZapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &ZapLogger{base: l.base.With(zapFields(fields)...)}
}

// Named 追加子组件名，输出在 logger 字段中以点号连接
func (l *ZapLogger) Named(name string) Logger {
	if name == "" {
		return l
	}
	return &ZapLogger{base: l.base.Named(name)}
}

func (l *ZapLogger) Enabled(level Level) bool {
	return l.base.Core().Enabled(zapLevel(level))
}

func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.log(zapcore.DebugLevel, msg, fields)
}

func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.log(zapcore.InfoLevel, msg, fields)
}

func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.log(zapcore.WarnLevel, msg, fields)
}

func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.log(zapcore.ErrorLevel, msg, fields)
}

func (l *ZapLogger) log(level zapcore.Level, msg string, fields []Field) {
	if ce := l.base.Check(level, msg); ce != nil {
		ce.Write(zapFields(fields)...)
	}
}

// Sync 刷新缓冲。标准错误不支持 fsync，忽略对应错误。
func (l *ZapLogger) Sync() error {
	err := l.base.Sync()
	if errors.Is(err, os.ErrInvalid) || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func zapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}

var _ Logger = (*ZapLogger)(nil)
