package etcd

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config etcd 后端配置
type Config struct {
	Endpoints      []string      `yaml:"endpoints"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Namespace 键前缀，必须以 / 结尾，为空时直接使用存储键
	Namespace string `yaml:"namespace"`

	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
	TLS      *TLSConfig `yaml:"tls"`

	// ConflictRetries 并发写入导致版本冲突时的重试次数
	ConflictRetries int `yaml:"conflict_retries"`
	// WatchRetryMin 监听中断后的重连退避区间
	WatchRetryMin time.Duration `yaml:"watch_retry_min"`
	WatchRetryMax time.Duration `yaml:"watch_retry_max"`
}

// TLSConfig 双向 TLS 证书文件
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Endpoints:       []string{"127.0.0.1:2379"},
		DialTimeout:     5 * time.Second,
		RequestTimeout:  3 * time.Second,
		Namespace:       "/routenode/",
		ConflictRetries: 3,
		WatchRetryMin:   100 * time.Millisecond,
		WatchRetryMax:   5 * time.Second,
	}
}

// withDefaults 补齐未设置的重连退避
func (c Config) withDefaults() *Config {
	def := DefaultConfig()
	if c.WatchRetryMin <= 0 {
		c.WatchRetryMin = def.WatchRetryMin
	}
	if c.WatchRetryMax <= 0 {
		c.WatchRetryMax = def.WatchRetryMax
	}
	return &c
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch {
	case len(c.Endpoints) == 0:
		return errors.Wrap(ErrInvalidConfig, "no endpoints")
	case c.DialTimeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "dial_timeout %s", c.DialTimeout)
	case c.RequestTimeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "request_timeout %s", c.RequestTimeout)
	case c.Namespace != "" && !strings.HasSuffix(c.Namespace, "/"):
		return errors.Wrapf(ErrInvalidConfig, "namespace %q must end with /", c.Namespace)
	case c.ConflictRetries < 0:
		return errors.Wrapf(ErrInvalidConfig, "conflict_retries %d", c.ConflictRetries)
	case c.WatchRetryMax < c.WatchRetryMin:
		return errors.Wrapf(ErrInvalidConfig, "watch retry range %s..%s", c.WatchRetryMin, c.WatchRetryMax)
	}
	if t := c.TLS; t != nil && (t.CertFile == "" || t.KeyFile == "" || t.CAFile == "") {
		return errors.Wrap(ErrInvalidConfig, "tls requires cert_file, key_file and ca_file")
	}
	return nil
}

// clientConfig 转换为 clientv3 配置，未配置 TLS 时使用明文连接
func (c *Config) clientConfig() (clientv3.Config, error) {
	out := clientv3.Config{
		Endpoints:           c.Endpoints,
		DialTimeout:         c.DialTimeout,
		Username:            c.Username,
		Password:            c.Password,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}
	if c.TLS == nil {
		out.DialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
		return out, nil
	}
	tlsCfg, err := c.TLS.load()
	if err != nil {
		return clientv3.Config{}, err
	}
	out.TLS = tlsCfg
	return out, nil
}

func (t *TLSConfig) load() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "etcd: load client certificate")
	}
	ca, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, errors.Wrap(err, "etcd: read ca")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, errors.Newf("etcd: no certificates in %s", t.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
