package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/fwdcache/internal/cache"
	"github.com/any-hub/fwdcache/internal/config"
	"github.com/any-hub/fwdcache/internal/logging"
	"github.com/any-hub/fwdcache/internal/proxy"
	"github.com/any-hub/fwdcache/internal/server"
	"github.com/any-hub/fwdcache/internal/server/routes"
	"github.com/any-hub/fwdcache/internal/version"
	"github.com/any-hub/fwdcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const shutdownTimeout = 10 * time.Second

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr

	// onListening 在代理与诊断端口就绪后调用，测试用来获取实际地址。
	onListening func(proxyAddr, adminAddr net.Addr)
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

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["listen_port"] = cfg.Global.ListenPort
		fields["capacity"] = cfg.Pool.Capacity()
		fields["archive"] = cfg.Cache.ArchiveEnabled()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, opts.configPath); err != nil {
		fmt.Fprintf(stdErr, "代理服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“缓存 → 归档 → 请求管线 → worker 池 → 诊断端口 → 接入器”的顺序启动，
// ctx 取消后反向关闭：先停止接入，再排空 worker，最后等待归档写入完成。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger, configPath string) error {
	store := cache.New(cache.Options{
		MaxSize:      cfg.Cache.MaxCacheSize,
		Buckets:      cfg.Cache.CacheBuckets,
		ReadTimeout:  cfg.Cache.CacheReadTimeout.DurationValue(),
		MaxKeyLength: cfg.Cache.MaxKeyLength,
	})
	defer store.Close()

	writer, err := newArchiveWriter(cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer writer.Close()

	handler := proxy.NewHandler(store, writer, proxy.Options{
		MaxRequestSize:  cfg.Proxy.MaxRequestSize,
		MaxHeaderSize:   cfg.Proxy.MaxHeaderSize,
		UpstreamTimeout: cfg.Proxy.UpstreamTimeout.DurationValue(),
		Logger:          logger,
	})

	pool := worker.New(worker.Options{
		Workers:             cfg.Pool.Workers,
		MaxClientsPerWorker: cfg.Pool.MaxClientsPerWorker,
		PollInterval:        cfg.Pool.PollInterval.DurationValue(),
		Logger:              logger,
	}, handler)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("worker pool did not stop cleanly")
		}
	}()

	ln, err := server.Listen(cfg.Global.ListenPort)
	if err != nil {
		return err
	}
	acceptor, err := server.NewAcceptor(ln, pool, server.AcceptorOptions{
		Rate:   cfg.Global.AcceptRate,
		Burst:  cfg.Global.AcceptBurst,
		Logger: logger,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	var adminAddr net.Addr
	if cfg.Global.AdminPort > 0 {
		app, addr, err := startAdmin(cfg.Global.AdminPort, logger, routes.Sources{
			Cache:    store,
			Pool:     pool,
			Acceptor: acceptor,
			Archive:  writer.Archive(),
			Version:  version.Full(),
		})
		if err != nil {
			_ = ln.Close()
			return err
		}
		adminAddr = addr
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				logger.WithError(err).WithField("action", "shutdown").Warn("admin server did not stop cleanly")
			}
		}()
	}

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["admin_port"] = cfg.Global.AdminPort
	fields["max_cache_size"] = cfg.Cache.MaxCacheSize
	fields["capacity"] = cfg.Pool.Capacity()
	fields["archive"] = writer.Enabled()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("代理服务启动")

	if onListening != nil {
		onListening(acceptor.Addr(), adminAddr)
	}

	err = acceptor.Serve(ctx)
	logger.WithFields(logrus.Fields{
		"action": "shutdown",
		"accept": acceptor.Stats(),
	}).Info("停止接入，开始关闭")
	return err
}

// newArchiveWriter 在配置了 ArchivePath 时创建磁盘归档，否则返回空写入器。
func newArchiveWriter(cfg config.CacheConfig, logger *logrus.Logger) (*cache.ArchiveWriter, error) {
	if !cfg.ArchiveEnabled() {
		return nil, nil
	}
	codec, err := cache.ParseCodec(cfg.ArchiveCodec)
	if err != nil {
		return nil, err
	}
	archive, err := cache.NewArchive(cfg.ArchivePath, cache.ArchiveOptions{
		Codec:    codec,
		MaxBytes: cfg.ArchiveMaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化归档目录失败: %w", err)
	}
	return cache.NewArchiveWriter(archive, func(key string, err error) {
		logger.WithError(err).WithFields(logrus.Fields{
			"action": "archive",
			"key":    key,
		}).Warn("归档写入失败")
	}), nil
}

// startAdmin 在独立端口上运行诊断应用。
func startAdmin(port int, logger *logrus.Logger, src routes.Sources) (*fiber.App, net.Addr, error) {
	app, err := server.NewAdminApp(server.AdminOptions{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, src)

	ln, err := server.Listen(port)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		err := app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logger.WithError(err).WithField("action", "admin").Error("admin server stopped")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("诊断服务启动")
	return app, ln.Addr(), nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("fwdcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 FWDCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("FWDCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
