package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/config"
	"github.com/any-hub/edge-cache/internal/logging"
	"github.com/any-hub/edge-cache/internal/notify"
	"github.com/any-hub/edge-cache/internal/proxy"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/server/routes"
	"github.com/any-hub/edge-cache/internal/strategy"
	"github.com/any-hub/edge-cache/internal/upstream"
	"github.com/any-hub/edge-cache/internal/version"
)

const configEnv = "EDGE_CACHE_CONFIG"

// 子命令名称。
const (
	commandServe       = "serve"
	commandCheckConfig = "check-config"
	commandInstall     = "install"
	commandActivate    = "activate"
	commandSweep       = "sweep"
	commandVersion     = "version"
)

// cliOptions 汇总 CLI 解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	command    string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	code := 0
	root := newRootCmd(func(opts cliOptions) int { return run(opts) }, &code)
	root.SetArgs(os.Args[1:])
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(code)
}

// newRootCmd 构建 cobra 命令树；exec 执行实际流程并把退出码写入 code。
func newRootCmd(exec func(cliOptions) int, code *int) *cobra.Command {
	var (
		configFlag  string
		checkOnly   bool
		showVersion bool
	)

	runAs := func(command string) func(*cobra.Command, []string) {
		return func(*cobra.Command, []string) {
			*code = exec(cliOptions{configPath: resolveConfigPath(configFlag), command: command})
		}
	}

	root := &cobra.Command{
		Use:           "edge-cache",
		Short:         "离线优先的边缘缓存代理",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			command := commandServe
			switch {
			case showVersion:
				command = commandVersion
			case checkOnly:
				command = commandCheckConfig
			}
			runAs(command)(cmd, args)
		},
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	root.Flags().BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&showVersion, "version", false, "显示版本信息")

	subcommands := []struct {
		name  string
		short string
	}{
		{commandServe, "启动代理服务（默认）"},
		{commandCheckConfig, "仅校验配置后退出"},
		{commandInstall, "打开当前版本分区并执行预缓存"},
		{commandActivate, "删除旧版本分区并清理过期条目"},
		{commandSweep, "清理当前分区的过期条目"},
		{commandVersion, "显示版本信息"},
	}
	for _, sub := range subcommands {
		root.AddCommand(&cobra.Command{
			Use:   sub.name,
			Short: sub.short,
			Args:  cobra.NoArgs,
			Run:   runAs(sub.name),
		})
	}
	return root
}

// parseCLIFlags 解析 CLI 参数但不执行，返回最终的命令与配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var parsed cliOptions
	code := 0
	root := newRootCmd(func(opts cliOptions) int {
		parsed = opts
		return 0
	}, &code)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	return parsed, nil
}

// resolveConfigPath 优先级：--config > EDGE_CACHE_CONFIG > ./config.toml。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return "config.toml"
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.command == commandVersion {
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

	if opts.command == commandCheckConfig {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["backend"] = cfg.Storage.Backend
		fields["cache_version"] = cfg.Global.CacheVersion
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.close()

	switch opts.command {
	case commandInstall:
		return printReport(rt.router.Install(ctx))
	case commandActivate:
		return printReport(rt.router.Activate(ctx))
	case commandSweep:
		return printReport(rt.router.SweepExpired(ctx))
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Global.Origin
	fields["backend"] = cfg.Storage.Backend
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_version"] = cfg.Global.CacheVersion
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	prepareCache(ctx, rt.router, logger)

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

type runtimeDeps struct {
	store  cache.Store
	router *strategy.Router
}

func (rt *runtimeDeps) close() {
	rt.router.Refresher().Wait()
	_ = rt.store.Close()
}

// buildRuntime 按“存储 → 源站客户端 → 缓存路由”顺序组装依赖。
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*runtimeDeps, error) {
	store, err := cache.OpenStore(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("打开缓存存储: %w", err)
	}

	client, err := upstream.NewClient(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("创建源站客户端: %w", err)
	}

	router, err := strategy.NewRouter(cfg.RouterConfig(), store, client, strategy.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("创建缓存路由: %w", err)
	}
	return &runtimeDeps{store: store, router: router}, nil
}

// prepareCache 执行 install 与 activate。install 失败时保留现有分区继续服务，
// 不执行 activate，避免删除仍可用的旧版本数据。
func prepareCache(ctx context.Context, router *strategy.Router, logger *logrus.Logger) {
	if _, err := router.Install(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "install"}).WithError(err).Error("install_failed")
		return
	}
	if _, err := router.Activate(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "activate"}).WithError(err).Error("activate_failed")
	}
}

func printReport(report any, err error) int {
	if err != nil {
		fmt.Fprintf(stdErr, "执行失败: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(stdErr, "输出结果失败: %v\n", err)
		return 1
	}
	return 0
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *runtimeDeps, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(rt.router, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Router:   rt.router,
		Notifier: notify.LogNotifier{Logger: logger},
		Logger:   logger,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止服务")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
