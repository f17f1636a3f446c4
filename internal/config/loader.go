package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort          = 8080
	defaultMaxCacheSize        = 100 * 1024 * 1024
	defaultCacheBuckets        = 1024
	defaultCacheReadTimeout    = 5 * time.Second
	defaultMaxKeyLength        = 2048
	defaultWorkers             = 8
	defaultMaxClientsPerWorker = 64
	defaultPollInterval        = 50 * time.Millisecond
	defaultMaxRequestSize      = 8192
	defaultMaxHeaderSize       = 8192
	defaultUpstreamTimeout     = 30 * time.Second
	defaultArchiveCodec        = "zstd"
	defaultArchiveMaxSize      = 1024 * 1024 * 1024
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Cache.ArchiveEnabled() {
		absArchive, err := filepath.Abs(cfg.Cache.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析归档目录: %w", err)
		}
		cfg.Cache.ArchivePath = absArchive
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("AdminPort", 0)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("AcceptRate", 0)
	v.SetDefault("AcceptBurst", 0)
	v.SetDefault("MaxCacheSize", defaultMaxCacheSize)
	v.SetDefault("CacheBuckets", defaultCacheBuckets)
	v.SetDefault("CacheReadTimeout", "5s")
	v.SetDefault("MaxKeyLength", defaultMaxKeyLength)
	v.SetDefault("ArchivePath", "")
	v.SetDefault("ArchiveCodec", defaultArchiveCodec)
	v.SetDefault("ArchiveMaxSize", defaultArchiveMaxSize)
	v.SetDefault("Workers", defaultWorkers)
	v.SetDefault("MaxClientsPerWorker", defaultMaxClientsPerWorker)
	v.SetDefault("PollInterval", "50ms")
	v.SetDefault("MaxRequestSize", defaultMaxRequestSize)
	v.SetDefault("MaxHeaderSize", defaultMaxHeaderSize)
	v.SetDefault("UpstreamTimeout", "30s")
}

// applyDefaults 填充零值字段，使直接构造的 Config 与文件加载的结果一致。
func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.AcceptRate > 0 && g.AcceptBurst <= 0 {
		g.AcceptBurst = 1
	}

	c := &cfg.Cache
	if c.MaxCacheSize == 0 {
		c.MaxCacheSize = defaultMaxCacheSize
	}
	if c.CacheBuckets == 0 {
		c.CacheBuckets = defaultCacheBuckets
	}
	if c.CacheReadTimeout.DurationValue() == 0 {
		c.CacheReadTimeout = Duration(defaultCacheReadTimeout)
	}
	if c.MaxKeyLength == 0 {
		c.MaxKeyLength = defaultMaxKeyLength
	}
	c.ArchiveCodec = strings.ToLower(strings.TrimSpace(c.ArchiveCodec))
	if c.ArchiveCodec == "" {
		c.ArchiveCodec = defaultArchiveCodec
	}
	if c.ArchiveMaxSize == 0 {
		c.ArchiveMaxSize = defaultArchiveMaxSize
	}

	p := &cfg.Pool
	if p.Workers == 0 {
		p.Workers = defaultWorkers
	}
	if p.MaxClientsPerWorker == 0 {
		p.MaxClientsPerWorker = defaultMaxClientsPerWorker
	}
	if p.PollInterval.DurationValue() == 0 {
		p.PollInterval = Duration(defaultPollInterval)
	}

	x := &cfg.Proxy
	if x.MaxRequestSize == 0 {
		x.MaxRequestSize = defaultMaxRequestSize
	}
	if x.MaxHeaderSize == 0 {
		x.MaxHeaderSize = defaultMaxHeaderSize
	}
	if x.UpstreamTimeout.DurationValue() == 0 {
		x.UpstreamTimeout = Duration(defaultUpstreamTimeout)
	}
}

// Default 返回全部字段取默认值的配置，测试与嵌入场景可在此基础上修改。
func Default() *Config {
	cfg := &Config{}
	cfg.Global.LogMaxSize = 100
	cfg.Global.LogMaxBackups = 10
	cfg.Global.LogCompress = true
	applyDefaults(cfg)
	return cfg
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
