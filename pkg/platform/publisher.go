// Package platform 把平台（内核/驱动）事件发布到节点内的平台事件队列。
package platform

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/messaging"
	"github.com/lk2023060901/routenode/pkg/types"
)

// ErrClosed 平台事件队列已关闭
var ErrClosed = errors.New("platform: publisher closed")

// Config 平台发布配置
type Config struct {
	// Announce 启动后发布一次链路事件
	Announce bool `yaml:"announce"`
	// AnnounceDelay 启动到发布之间的延迟
	AnnounceDelay time.Duration `yaml:"announce_delay"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{AnnounceDelay: 100 * time.Millisecond}
}

// AnnouncementLink 启动时发布的链路事件
func AnnouncementLink(nodeName string) types.PlatformEvent {
	return types.PlatformEvent{
		Type: types.PlatformLinkEvent,
		Link: types.LinkEntry{
			IfName:  fmt.Sprintf("vethLMTest_%s", nodeName),
			IfIndex: 5,
			IsUp:    true,
			Weight:  1,
		},
	}
}

// Publisher 平台事件发布者
type Publisher struct {
	queue *messaging.Queue[types.PlatformEvent]
	log   logger.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewPublisher 创建发布者，queue 为平台事件队列
func NewPublisher(queue *messaging.Queue[types.PlatformEvent], log logger.Logger) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{queue: queue, log: log}
}

// Publish 发布一个事件
func (p *Publisher) Publish(ev types.PlatformEvent) error {
	if p.queue == nil || !p.queue.Push(ev) {
		return errors.Wrapf(ErrClosed, "event %d", ev.Type)
	}
	return nil
}

// PublishLink 发布链路状态
func (p *Publisher) PublishLink(link types.LinkEntry) error {
	return p.Publish(types.PlatformEvent{Type: types.PlatformLinkEvent, Link: link})
}

// PublishAddress 发布接口地址
func (p *Publisher) PublishAddress(ifName string, ifIndex int, network types.IPPrefix) error {
	return p.Publish(types.PlatformEvent{
		Type:    types.PlatformAddressEvent,
		Link:    types.LinkEntry{IfName: ifName, IfIndex: ifIndex, IsUp: true},
		Network: network,
	})
}

// AnnounceAfter 在 d 之后发布一次 ev。发布失败只记录日志，不重试。
// 再次调用会取消尚未触发的发布。
func (p *Publisher) AnnounceAfter(d time.Duration, ev types.PlatformEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, func() {
		if err := p.Publish(ev); err != nil {
			p.log.Error("platform announcement failed",
				logger.Field{Key: "if_name", Value: ev.Link.IfName}, logger.Err(err))
			return
		}
		p.log.Debug("platform announcement sent", logger.Field{Key: "if_name", Value: ev.Link.IfName})
	})
}

// Cancel 取消尚未触发的发布
func (p *Publisher) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
