package logger

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Config 配置文件中的 loggers 段
type Config struct {
	Loggers []NamedConfig `yaml:"loggers"`
}

// NamedConfig 单个具名日志
type NamedConfig struct {
	Name       string `yaml:"name"`
	Filepath   string `yaml:"filepath"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
	// EnableEnv 非空时仅当该环境变量为真值才启用，否则注册为 Nop
	EnableEnv string `yaml:"enable_env"`
}

// Build 按配置创建日志，被环境变量禁用时返回 Nop。
func (c NamedConfig) Build() (Logger, error) {
	if !envEnabled(c.EnableEnv) {
		return Nop(), nil
	}
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	l, err := NewZapLogger(ZapConfig{
		Filepath:   strings.TrimSpace(c.Filepath),
		Level:      level,
		Format:     c.Format,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
		Console:    c.Console,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "logger %s", c.Name)
	}
	return l, nil
}

// InitFromConfig 创建并注册配置中的全部日志
func InitFromConfig(cfg Config) error {
	for _, item := range cfg.Loggers {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return ErrEmptyName
		}
		l, err := item.Build()
		if err != nil {
			return err
		}
		if err := Register(name, l); err != nil {
			return err
		}
	}
	return nil
}

func envEnabled(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}
	raw := strings.TrimSpace(os.Getenv(key))
	switch strings.ToLower(raw) {
	case "y", "yes", "on":
		return true
	}
	ok, err := strconv.ParseBool(raw)
	return err == nil && ok
}
