package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hzrd149/flower-cache/internal/cache"
	"github.com/hzrd149/flower-cache/internal/config"
	"github.com/hzrd149/flower-cache/internal/proxy"
	"github.com/hzrd149/flower-cache/internal/server"
	"github.com/hzrd149/flower-cache/internal/upstream"
)

// proxyEnv 把一套完整的代理栈（配置、缓存、handler、Fiber app）绑在一起。
type proxyEnv struct {
	app   *fiber.App
	store *cache.Store
	cfg   *config.Config
	dir   string
}

// newProxyEnv 构建默认配置的测试环境；mutate 可在建 Store 前调整配置。
func newProxyEnv(t *testing.T, mutate func(*config.Config)) *proxyEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	cfg := &config.Config{
		Port:           3000,
		CacheDir:       dir,
		RequestTimeout: 5 * time.Second,
		MaxRedirects:   5,
		LookupTimeout:  time.Second,
		AllowedUploadIPs: []netip.Prefix{
			netip.MustParsePrefix("0.0.0.0/0"),
			netip.MustParsePrefix("::/0"),
		},
		Log: config.LogConfig{Level: "info"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := cache.NewStore(cfg.CacheDir, cfg.MaxCacheSize, logger)
	if err != nil {
		t.Fatalf("创建 Store 失败: %v", err)
	}
	if err := store.EnsureReady(); err != nil {
		t.Fatalf("EnsureReady 失败: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fetcher := upstream.NewFetcher(cfg.RequestTimeout, cfg.MaxRedirects, logger)
	resolver := upstream.NewResolver(nil, cfg.FallbackServers, logger)
	handler := proxy.NewHandler(cfg, logger, store, fetcher, resolver)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    handler,
		ListenPort: cfg.Port,
	})
	if err != nil {
		t.Fatalf("NewApp 失败: %v", err)
	}

	return &proxyEnv{app: app, store: store, cfg: cfg, dir: cfg.CacheDir}
}

// seedBlob 直接向缓存目录与元数据写入一个条目。
func (e *proxyEnv) seedBlob(t *testing.T, digest string, body []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.dir, digest), body, 0o644); err != nil {
		t.Fatalf("写缓存文件失败: %v", err)
	}
	e.store.WriteAndRecord(digest, int64(len(body)), time.Now().Unix())
}

func digestOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// waitFor 轮询条件直到成立或超时。
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func blobExists(e *proxyEnv, digest string) bool {
	_, err := os.Stat(filepath.Join(e.dir, digest))
	return err == nil
}
