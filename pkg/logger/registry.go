package logger

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrEmptyName  = errors.New("logger: name is empty")
	ErrNilLogger  = errors.New("logger: logger is nil")
	ErrRegistered = errors.New("logger: name already registered")
)

var registry = struct {
	sync.RWMutex
	byName map[string]Logger
}{byName: make(map[string]Logger)}

// Register 注册具名日志，同名重复注册返回 ErrRegistered。
func Register(name string, l Logger) error {
	if name == "" {
		return ErrEmptyName
	}
	if l == nil {
		return ErrNilLogger
	}
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.byName[name]; ok {
		return errors.Wrapf(ErrRegistered, "%s", name)
	}
	registry.byName[name] = l
	return nil
}

// Get 按名称查找日志，未注册时返回 Nop。
func Get(name string) Logger {
	registry.RLock()
	defer registry.RUnlock()
	if l, ok := registry.byName[name]; ok {
		return l
	}
	return Nop()
}

// Names 已注册名称，按字典序
func Names() []string {
	registry.RLock()
	names := make([]string, 0, len(registry.byName))
	for name := range registry.byName {
		names = append(names, name)
	}
	registry.RUnlock()
	sort.Strings(names)
	return names
}

// SyncAll 刷新所有已注册日志，返回合并后的错误
func SyncAll() error {
	registry.RLock()
	defer registry.RUnlock()
	var err error
	for name, l := range registry.byName {
		if serr := l.Sync(); serr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(serr, "sync %s", name))
		}
	}
	return err
}
