// Package ctrl 节点的控制面 gRPC 端点，提供 grpc.health.v1 健康检查，按模块上报服务状态。
package ctrl

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lk2023060901/routenode/pkg/logger"
	"github.com/lk2023060901/routenode/pkg/module"
)

// Name 模块名称
const Name = "ctrl"

var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("ctrl: invalid config")
	// ErrNotListening 尚未调用 Listen
	ErrNotListening = errors.New("ctrl: not listening")
)

// Config 控制面配置
type Config struct {
	// ListenAddr 监听地址，端口为 0 时随机分配
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{ListenAddr: "127.0.0.1:0"}
}

// Validate 校验配置
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "listen addr %q: %v", c.ListenAddr, err)
	}
	return nil
}

// Server 控制面服务模块
type Server struct {
	*module.Base

	cfg    Config
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

// New 创建控制面模块，需先 Listen 再 Run
func New(cfg Config, opts ...module.BaseOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		Base:   module.NewBase(Name, opts...),
		cfg:    cfg,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	_ = s.AddTask("serve", s.serve)
	return s, nil
}

// Listen 绑定监听地址
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "ctrl: listen %s", s.cfg.ListenAddr)
	}
	s.lis = lis
	s.Logger().Info("ctrl endpoint bound", logger.Field{Key: "addr", Value: lis.Addr().String()})
	return nil
}

// Addr 返回实际监听地址，未监听时为空
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// SetServingStatus 设置模块的健康状态，service 为空串表示整个节点
func (s *Server) SetServingStatus(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

func (s *Server) serve(ctx context.Context) error {
	if s.lis == nil {
		return ErrNotListening
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(s.lis) }()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return errors.Wrap(err, "ctrl: serve")
	}
}
