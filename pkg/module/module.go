package module

import "time"

// Module 定义由节点统一托管的子系统生命周期。
type Module interface {
	// Name 返回模块的唯一名称。
	Name() string
	// Run 阻塞运行模块，直到 Stop 被调用且所有任务退出。
	Run() error
	// Stop 请求停止模块，可能在工作完全结束前返回。
	// 阻塞在队列读取上的任务不响应 Stop，借用的队列须由其所有者先关闭。
	Stop()
	// WaitUntilRunning 阻塞直到模块进入运行状态。
	WaitUntilRunning()
	// WaitUntilStopped 阻塞直到模块完全停止。
	WaitUntilStopped()
}

// Heartbeater 由能够上报存活心跳的模块实现，供看门狗读取。
type Heartbeater interface {
	// Name 返回模块名称。
	Name() string
	// LastHeartbeat 返回最近一次心跳时间，必须是非阻塞调用。
	LastHeartbeat() time.Time
}

// State 模块生命周期状态。
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
