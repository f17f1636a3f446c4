package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedArchiveCodecs = map[string]struct{}{
	"zstd": {},
	"lz4":  {},
	"none": {},
}

const supportedArchiveCodecList = "zstd|lz4|none"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if err := validatePort("ListenPort", g.ListenPort, false); err != nil {
		return err
	}
	if err := validatePort("AdminPort", g.AdminPort, true); err != nil {
		return err
	}
	if g.AdminPort != 0 && g.AdminPort == g.ListenPort {
		return newFieldError("AdminPort", "不能与 ListenPort 相同")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("LogLevel", "无法识别的日志级别: "+g.LogLevel)
	}
	if g.LogMaxSize < 0 {
		return newFieldError("LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("LogMaxBackups", "不能为负数")
	}
	if g.AcceptRate < 0 {
		return newFieldError("AcceptRate", "不能为负数")
	}
	if g.AcceptBurst < 0 {
		return newFieldError("AcceptBurst", "不能为负数")
	}

	cache := c.Cache
	if cache.MaxCacheSize <= 0 {
		return newFieldError("MaxCacheSize", "必须大于 0")
	}
	if cache.CacheBuckets <= 0 {
		return newFieldError("CacheBuckets", "必须大于 0")
	}
	if cache.CacheReadTimeout.DurationValue() <= 0 {
		return newFieldError("CacheReadTimeout", "必须大于 0")
	}
	if cache.MaxKeyLength <= 0 {
		return newFieldError("MaxKeyLength", "必须大于 0")
	}
	if _, ok := supportedArchiveCodecs[strings.ToLower(strings.TrimSpace(cache.ArchiveCodec))]; !ok {
		return newFieldError("ArchiveCodec", "仅支持 "+supportedArchiveCodecList)
	}
	if cache.ArchiveMaxSize < 0 {
		return newFieldError("ArchiveMaxSize", "不能为负数")
	}

	pool := c.Pool
	if pool.Workers <= 0 {
		return newFieldError("Workers", "必须大于 0")
	}
	if pool.MaxClientsPerWorker <= 0 {
		return newFieldError("MaxClientsPerWorker", "必须大于 0")
	}
	if pool.PollInterval.DurationValue() <= 0 {
		return newFieldError("PollInterval", "必须大于 0")
	}

	proxy := c.Proxy
	if proxy.MaxRequestSize <= 0 {
		return newFieldError("MaxRequestSize", "必须大于 0")
	}
	if proxy.MaxHeaderSize <= 0 {
		return newFieldError("MaxHeaderSize", "必须大于 0")
	}
	if proxy.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}

	return nil
}

func validatePort(field string, port int, allowZero bool) error {
	if allowZero && port == 0 {
		return nil
	}
	if port <= 0 || port > 65535 {
		return newFieldError(field, "必须在 1-65535")
	}
	return nil
}
