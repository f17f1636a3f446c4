package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"50ms" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听端口、诊断端口、日志与接入限速。
type GlobalConfig struct {
	ListenPort    int     `mapstructure:"ListenPort"`
	AdminPort     int     `mapstructure:"AdminPort"`
	LogLevel      string  `mapstructure:"LogLevel"`
	LogFilePath   string  `mapstructure:"LogFilePath"`
	LogMaxSize    int     `mapstructure:"LogMaxSize"`
	LogMaxBackups int     `mapstructure:"LogMaxBackups"`
	LogCompress   bool    `mapstructure:"LogCompress"`
	AcceptRate    float64 `mapstructure:"AcceptRate"`
	AcceptBurst   int     `mapstructure:"AcceptBurst"`
}

// CacheConfig 控制内存缓存预算以及可选的磁盘归档。
type CacheConfig struct {
	MaxCacheSize     int64    `mapstructure:"MaxCacheSize"`
	CacheBuckets     int      `mapstructure:"CacheBuckets"`
	CacheReadTimeout Duration `mapstructure:"CacheReadTimeout"`
	MaxKeyLength     int      `mapstructure:"MaxKeyLength"`
	ArchivePath      string   `mapstructure:"ArchivePath"`
	ArchiveCodec     string   `mapstructure:"ArchiveCodec"`
	ArchiveMaxSize   int64    `mapstructure:"ArchiveMaxSize"`
}

// PoolConfig 决定 worker 数量、每个 worker 可承载的连接数与就绪轮询间隔。
type PoolConfig struct {
	Workers             int      `mapstructure:"Workers"`
	MaxClientsPerWorker int      `mapstructure:"MaxClientsPerWorker"`
	PollInterval        Duration `mapstructure:"PollInterval"`
}

// ProxyConfig 约束请求/响应头大小与回源超时。
type ProxyConfig struct {
	MaxRequestSize  int      `mapstructure:"MaxRequestSize"`
	MaxHeaderSize   int      `mapstructure:"MaxHeaderSize"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// Config 是 TOML 文件映射的整体结构，所有键都位于顶层。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:",squash"`
	Pool   PoolConfig   `mapstructure:",squash"`
	Proxy  ProxyConfig  `mapstructure:",squash"`
}

// Capacity 返回连接池可同时承载的客户端数量。
func (p PoolConfig) Capacity() int {
	return p.Workers * p.MaxClientsPerWorker
}

// ArchiveEnabled 表示是否开启磁盘归档。
func (c CacheConfig) ArchiveEnabled() bool {
	return strings.TrimSpace(c.ArchivePath) != ""
}
