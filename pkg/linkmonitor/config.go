package linkmonitor

import (
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("linkmonitor: invalid config")

// Config 链路监控配置
type Config struct {
	// IncludeRegexes 参与邻接的接口名匹配规则，任一匹配即可
	IncludeRegexes []string `yaml:"include_regexes"`
	// ExcludeRegexes 排除规则，优先于 IncludeRegexes
	ExcludeRegexes []string `yaml:"exclude_regexes"`
	// FlapInitialBackoff 接口抖动后的初始抑制时间
	FlapInitialBackoff time.Duration `yaml:"flap_initial_backoff"`
	// FlapMaxBackoff 抖动抑制时间上限
	FlapMaxBackoff time.Duration `yaml:"flap_max_backoff"`
	// AdjHoldTime 启动后首次通告邻接表前的等待时间
	AdjHoldTime time.Duration `yaml:"adj_hold_time"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		IncludeRegexes:     []string{".*"},
		FlapInitialBackoff: time.Second,
		FlapMaxBackoff:     time.Minute,
		AdjHoldTime:        4 * time.Second,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if _, err := compileAll(c.IncludeRegexes); err != nil {
		return err
	}
	if _, err := compileAll(c.ExcludeRegexes); err != nil {
		return err
	}
	if c.FlapInitialBackoff <= 0 || c.FlapMaxBackoff < c.FlapInitialBackoff {
		return errors.Wrap(ErrInvalidConfig, "flap backoff must satisfy 0 < initial <= max")
	}
	if c.AdjHoldTime < 0 {
		return errors.Wrap(ErrInvalidConfig, "adj hold time must not be negative")
	}
	return nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "regex %q: %v", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

type matcher struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func newMatcher(c Config) (matcher, error) {
	inc, err := compileAll(c.IncludeRegexes)
	if err != nil {
		return matcher{}, err
	}
	exc, err := compileAll(c.ExcludeRegexes)
	if err != nil {
		return matcher{}, err
	}
	return matcher{include: inc, exclude: exc}, nil
}

func (m matcher) match(name string) bool {
	for _, re := range m.exclude {
		if re.MatchString(name) {
			return false
		}
	}
	for _, re := range m.include {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
