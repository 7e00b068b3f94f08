package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hzrd149/flower-cache/internal/cache"
	"github.com/hzrd149/flower-cache/internal/config"
	"github.com/hzrd149/flower-cache/internal/logging"
	"github.com/hzrd149/flower-cache/internal/proxy"
	"github.com/hzrd149/flower-cache/internal/server"
	"github.com/hzrd149/flower-cache/internal/upstream"
	"github.com/hzrd149/flower-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config")
		fields["cache_dir"] = cfg.CacheDir
		fields["max_cache_size"] = cfg.MaxCacheSize
		fields["lookup_relays"] = len(cfg.LookupRelays)
		fields["fallback_servers"] = len(cfg.FallbackServers)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序遵循“配置 → 磁盘缓存 → 取回组件 → Fiber server”，
	// 保证所有请求共享同一份缓存与在途表。
	store, err := cache.NewStore(cfg.CacheDir, cfg.MaxCacheSize, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	if err := store.EnsureReady(); err != nil {
		fmt.Fprintf(stdErr, "初始化缓存元数据失败: %v\n", err)
		return 1
	}
	defer store.Close()

	var lookup *upstream.Lookup
	if len(cfg.LookupRelays) > 0 {
		lookup = upstream.NewLookup(cfg.LookupRelays, cfg.LookupTimeout, logger)
		defer lookup.Close()
	}
	fetcher := upstream.NewFetcher(cfg.RequestTimeout, cfg.MaxRedirects, logger)
	resolver := upstream.NewResolver(lookup, cfg.FallbackServers, logger)
	handler := proxy.NewHandler(cfg, logger, store, fetcher, resolver)

	fields := logging.BaseFields("startup")
	fields["listen_port"] = cfg.Port
	fields["cache_dir"] = cfg.CacheDir
	fields["max_cache_size"] = cfg.MaxCacheSize
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, handler, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数；运行时配置全部来自环境变量。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("flower-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		checkOnly bool
		showVer   bool
	)

	fs.BoolVar(&checkOnly, "check-config", false, "仅校验环境变量配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	return cliOptions{
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, handler *proxy.Handler, store *cache.Store, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    handler,
		ListenPort: cfg.Port,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Port,
	}).Info("Fiber 服务启动")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.RunPruner(ctx)
	})
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.Port))
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.Shutdown()
	})
	return g.Wait()
}
