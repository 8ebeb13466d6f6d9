package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"resume-crosscheck/internal/api/handler"
	"resume-crosscheck/internal/api/router"
	"resume-crosscheck/internal/config"
	appLogger "resume-crosscheck/internal/logger"
	"resume-crosscheck/internal/outbox"
	"resume-crosscheck/internal/parser"
	"resume-crosscheck/internal/pipeline"
	"resume-crosscheck/internal/storage"
	"resume-crosscheck/internal/tracing"
)

var version = "1.0.0" //nolint:gochecknoglobals

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("加载配置失败")
	}
	zl := initLogger(cfg.Logger)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing, version)
	if err != nil {
		glog.Warnf("初始化链路追踪失败，继续运行: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := storage.NewStorage(ctx, cfg, zl)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer store.Close()
	glog.Info("存储服务初始化成功")

	service, closeProviders, err := pipeline.NewServiceFromConfig(ctx, cfg, store, zl)
	if err != nil {
		glog.Fatalf("初始化分析服务失败: %v", err)
	}
	defer func() {
		if err := closeProviders(); err != nil {
			glog.Warnf("关闭provider失败: %v", err)
		}
	}()

	// 异步分析依赖 outbox 中继和队列消费者
	var (
		relay  *outbox.MessageRelay
		worker *pipeline.Worker
	)
	if store.MySQL != nil && store.RabbitMQ != nil {
		relay = outbox.NewMessageRelay(store.MySQL.DB(), store.RabbitMQ, appLogger.Component("outbox"))
		relay.Start()
		glog.Info("消息中继服务已启动")

		var locker pipeline.Locker
		if store.Redis != nil {
			locker = store.Redis
		}
		worker = pipeline.NewWorker(service, store.RabbitMQ, locker, cfg.RabbitMQ, zl)
		if err := worker.Start(); err != nil {
			glog.Fatalf("启动分析任务消费者失败: %v", err)
		}
	} else {
		glog.Warn("MySQL或RabbitMQ未配置，异步分析不可用")
	}

	extractor, err := parser.NewEinoPDFTextExtractor(ctx, parser.WithEinoLogger(appLogger.Component("pdf")))
	if err != nil {
		glog.Fatalf("创建Eino PDF提取器失败: %v", err)
	}

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.Default(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		server.WithMaxRequestBodySize(int(handler.DefaultMaxUploadSize)+1<<20),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		glog.CtxInfof(c, "%s %s status=%d elapsed=%s", string(ctx.Method()), string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	})

	router.RegisterRoutes(h.Engine, handler.NewAnalysisHandler(service, extractor, zl), cfg.Server.APIKeys)
	if len(cfg.Server.APIKeys) == 0 {
		glog.Warn("未配置API密钥，接口不做鉴权")
	}

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	if worker != nil {
		worker.Stop()
	}
	if relay != nil {
		relay.Stop()
		glog.Info("消息中继服务已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		glog.Warnf("关闭链路追踪失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// initLogger 初始化全局 zerolog，并通过适配器接管 hertz 的日志
func initLogger(cfg config.LoggerConfig) zerolog.Logger {
	zl := appLogger.Init(appLogger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		TimeFormat:   cfg.TimeFormat,
		ReportCaller: cfg.ReportCaller,
	})

	glog.SetLogger(hertzadapter.From(zl))
	if zl.GetLevel() <= zerolog.DebugLevel {
		glog.SetLevel(glog.LevelDebug)
	} else {
		glog.SetLevel(glog.LevelInfo)
	}
	return zl
}
