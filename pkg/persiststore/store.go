// Package persiststore 节点本地的持久化配置存储。
//
// 数据保存在内存中，由 cron 任务在有改动时写回 YAML 文件，停止时再写一次。
package persiststore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"gopkg.in/yaml.v3"

	"github.com/lk2023060901/routenode/pkg/conc"
	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/module"
)

// Name 模块名称
const Name = "config_store"

var (
	// ErrKeyNotFound 键不存在
	ErrKeyNotFound = errors.New("persiststore: key not found")
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("persiststore: invalid config")
)

// Config 持久化存储配置
type Config struct {
	// FilePath 存储文件路径
	FilePath string `yaml:"file_path"`
	// FlushSpec 写回文件的 cron 表达式
	FlushSpec string `yaml:"flush_spec"`
}

// DefaultConfig 返回默认配置
func DefaultConfig(nodeName string) Config {
	return Config{
		FilePath:  fmt.Sprintf("/tmp/%s_config_store.bin", nodeName),
		FlushSpec: "@every 1s",
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.FilePath == "" {
		return errors.Wrap(ErrInvalidConfig, "file path is required")
	}
	if _, err := cron.ParseStandard(c.FlushSpec); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "flush spec %q: %v", c.FlushSpec, err)
	}
	return nil
}

type fileFormat struct {
	Entries map[string]string `yaml:"entries"`
}

// Store 持久化配置存储
type Store struct {
	*module.Base

	cfg Config

	mu      sync.Mutex
	entries map[string][]byte
	dirty   bool

	flushMu sync.Mutex
	cron    *cron.Cron
	writer  *conc.Pool[struct{}]
	flushes atomic.Int64
}

// New 创建存储并加载已有文件，文件不存在时从空开始
func New(cfg Config, opts ...module.BaseOption) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		Base:    module.NewBase(Name, opts...),
		cfg:     cfg,
		entries: make(map[string][]byte),
		writer:  conc.NewPool[struct{}](1),
	}
	cl := cronLogger{log: s.Logger()}
	s.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	if _, err := s.cron.AddFunc(cfg.FlushSpec, s.scheduleFlush); err != nil {
		return nil, errors.Wrap(err, "persiststore: add flush job")
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	_ = s.AddTask("flush", s.flushLoop)
	return s, nil
}

// Store 保存 key 对应的数据
func (s *Store) Store(key string, data []byte) error {
	if key == "" {
		return errors.New("persiststore: empty key")
	}
	buf := append([]byte(nil), data...)
	s.mu.Lock()
	s.entries[key] = buf
	s.dirty = true
	s.mu.Unlock()
	return nil
}

// Load 读取 key 对应的数据
func (s *Store) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.entries[key]
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "%s", key)
	}
	return append([]byte(nil), data...), nil
}

// Erase 删除 key，返回是否存在
func (s *Store) Erase(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	s.dirty = true
	return true
}

// Keys 返回所有键（有序）
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flushes 返回写回文件的次数
func (s *Store) Flushes() int64 {
	return s.flushes.Load()
}

// Flush 立即写回文件（无改动时跳过）
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	out := fileFormat{Entries: make(map[string]string, len(s.entries))}
	for k, v := range s.entries {
		out.Entries[k] = base64.StdEncoding.EncodeToString(v)
	}
	s.dirty = false
	s.mu.Unlock()

	if err := writeFile(s.cfg.FilePath, out); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	s.flushes.Inc()
	return nil
}

func (s *Store) scheduleFlush() {
	future := s.writer.Submit(func() (struct{}, error) {
		return struct{}{}, s.Flush()
	})
	if err := future.Err(); err != nil {
		s.Logger().Error("flush config store failed",
			logger.Field{Key: "path", Value: s.cfg.FilePath}, logger.Err(err))
	}
}

func (s *Store) flushLoop(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.writer.Release()

	if err := s.Flush(); err != nil {
		s.Logger().Error("final flush failed", logger.Field{Key: "path", Value: s.cfg.FilePath}, logger.Err(err))
		return err
	}
	return nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.cfg.FilePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "persiststore: read %s", s.cfg.FilePath)
	}

	var in fileFormat
	if err := yaml.Unmarshal(raw, &in); err != nil {
		return errors.Wrapf(err, "persiststore: parse %s", s.cfg.FilePath)
	}
	for k, v := range in.Entries {
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			s.Logger().Warn("skip corrupt entry", logger.Field{Key: "key", Value: k}, logger.Err(err))
			continue
		}
		s.entries[k] = data
	}
	s.Logger().Info("config store loaded",
		logger.Field{Key: "path", Value: s.cfg.FilePath},
		logger.Field{Key: "entries", Value: len(s.entries)})
	return nil
}

func writeFile(path string, content fileFormat) error {
	raw, err := yaml.Marshal(content)
	if err != nil {
		return errors.Wrap(err, "persiststore: encode")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "persiststore: create dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "persiststore: write")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "persiststore: rename")
	}
	return nil
}
