package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "absent.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
CacheReadTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadMinimalFileUsesDefaults(t *testing.T) {
	path := writeTempConfig(t, "ListenPort = 9000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Pool.Workers != defaultWorkers {
		t.Fatalf("Workers 默认值错误: %d", cfg.Pool.Workers)
	}
	if cfg.Pool.PollInterval.DurationValue() != 50*time.Millisecond {
		t.Fatalf("PollInterval 默认值错误: %v", cfg.Pool.PollInterval.DurationValue())
	}
	if cfg.Cache.ArchiveCodec != "zstd" {
		t.Fatalf("ArchiveCodec 默认值错误: %s", cfg.Cache.ArchiveCodec)
	}
	if cfg.Cache.ArchiveMaxSize != defaultArchiveMaxSize {
		t.Fatalf("ArchiveMaxSize 默认值错误: %d", cfg.Cache.ArchiveMaxSize)
	}
	if !cfg.Global.LogCompress {
		t.Fatalf("LogCompress 默认应开启")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("250ms")); err != nil || d.DurationValue() != 250*time.Millisecond {
		t.Fatalf("unexpected duration %v, %v", d.DurationValue(), err)
	}
	if err := d.UnmarshalText([]byte("0x10")); err != nil || d.DurationValue() != 16*time.Second {
		t.Fatalf("hex seconds not parsed: %v, %v", d.DurationValue(), err)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("invalid duration should fail")
	}
}
