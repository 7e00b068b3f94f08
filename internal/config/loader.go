package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/spf13/viper"
)

// Load 读取环境变量并注入默认值与校验逻辑，返回完整配置。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	maxSize, err := parseByteSize(v.GetString("MAX_CACHE_SIZE"))
	if err != nil {
		return nil, fmt.Errorf("解析 MAX_CACHE_SIZE 失败: %w", err)
	}

	allowed, err := parseUploadPrefixes(v.GetString("ALLOWED_UPLOAD_IPS"))
	if err != nil {
		return nil, fmt.Errorf("解析 ALLOWED_UPLOAD_IPS 失败: %w", err)
	}

	cfg := &Config{
		Port:             v.GetInt("PORT"),
		CacheDir:         v.GetString("CACHE_DIR"),
		MaxCacheSize:     maxSize,
		RequestTimeout:   time.Duration(v.GetInt64("REQUEST_TIMEOUT")) * time.Millisecond,
		MaxRedirects:     v.GetInt("MAX_REDIRECTS"),
		LookupTimeout:    time.Duration(v.GetInt64("USER_SERVER_LIST_TIMEOUT")) * time.Millisecond,
		LookupRelays:     normalizeRelays(splitList(v.GetString("LOOKUP_RELAYS"))),
		FallbackServers:  filterServers(splitList(v.GetString("FALLBACK_SERVERS"))),
		AllowedUploadIPs: allowed,
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			FilePath:   v.GetString("LOG_FILE_PATH"),
			MaxSize:    v.GetInt("LOG_MAX_SIZE"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			Compress:   v.GetBool("LOG_COMPRESS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.CacheDir = absCache

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 3000)
	v.SetDefault("CACHE_DIR", "./cache")
	v.SetDefault("MAX_CACHE_SIZE", "")
	v.SetDefault("REQUEST_TIMEOUT", 30_000)
	v.SetDefault("MAX_REDIRECTS", 5)
	v.SetDefault("USER_SERVER_LIST_TIMEOUT", 20_000)
	v.SetDefault("LOOKUP_RELAYS", "")
	v.SetDefault("FALLBACK_SERVERS", "")
	v.SetDefault("ALLOWED_UPLOAD_IPS", "127.0.0.1,::1")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE_PATH", "")
	v.SetDefault("LOG_MAX_SIZE", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 10)
	v.SetDefault("LOG_COMPRESS", true)
}

// parseByteSize 支持纯数字与 B/KB/MB/GB/TB（含 KiB 等二进制单位）两种写法。
func parseByteSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	n, err := units.ParseStrictBytes(raw)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRelays 为缺少 scheme 的 relay 地址补全 wss://。
func normalizeRelays(relays []string) []string {
	out := make([]string, 0, len(relays))
	for _, relay := range relays {
		if !strings.Contains(relay, "://") {
			relay = "wss://" + relay
		}
		out = append(out, relay)
	}
	return out
}

// filterServers 跳过无法解析的回退服务器地址，保持启动不被单个坏条目阻断。
func filterServers(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, server := range servers {
		parsed, err := url.Parse(server)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			continue
		}
		out = append(out, server)
	}
	return out
}

// parseUploadPrefixes 接受单个 IP 或 CIDR，单 IP 会转换为全长前缀。
func parseUploadPrefixes(raw string) ([]netip.Prefix, error) {
	entries := splitList(raw)
	out := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("无效的 CIDR: %s", entry)
			}
			out = append(out, prefix)
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("无效的 IP: %s", entry)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
