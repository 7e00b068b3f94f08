package config

import (
	"net/netip"
	"time"
)

// LogConfig 描述日志输出行为，所有字段均来自 LOG_* 环境变量。
type LogConfig struct {
	Level      string
	FilePath   string
	MaxSize    int
	MaxBackups int
	Compress   bool
}

// Config 汇总全部环境变量解析后的运行时参数，进程内共享一份实例。
type Config struct {
	Port           int
	CacheDir       string
	MaxCacheSize   int64 // 0 表示不限制
	RequestTimeout time.Duration
	MaxRedirects   int

	LookupTimeout   time.Duration
	LookupRelays    []string
	FallbackServers []string

	AllowedUploadIPs []netip.Prefix

	Log LogConfig
}

// UploadAllowed 判断来源 IP 是否命中 PUT/DELETE 白名单。
func (c *Config) UploadAllowed(raw string) bool {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.AllowedUploadIPs {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// PruneEnabled 表示是否配置了缓存大小上限。
func (c *Config) PruneEnabled() bool {
	return c.MaxCacheSize > 0
}
