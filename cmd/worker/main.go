package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricetracker/internal/config"
	"pricetracker/internal/extractor"
	"pricetracker/internal/pkg/dedup"
	"pricetracker/internal/pkg/logger"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/pkg/notify"
	"pricetracker/internal/pkg/ratelimit"
	"pricetracker/internal/pkg/taskqueue"
	"pricetracker/internal/pkg/taskstate"
	"pricetracker/internal/runner"
	"pricetracker/internal/scheduler"
	"pricetracker/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是抓取 worker 的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 构建抽取器、PriceStore 与 Runner
// 3. 启动 Scheduler（beat、消费、延迟重试）与 Metrics 服务
// 4. 收到信号后停止拉取新任务并等待执行中的任务结束
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.New(cfg.App.LogLevel, cfg.App.LogDir)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		appLogger.Error("open database failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	var renderer extractor.Renderer
	if rr := extractor.NewRodRenderer(cfg, appLogger); rr != nil {
		renderer = rr
		defer func() {
			if err := rr.Close(); err != nil {
				appLogger.Warn("close browser failed", slog.String("error", err.Error()))
			}
		}()
	}
	extractors := extractor.New(cfg, appLogger, renderer)
	if err := extractors.Check(cfg.Scraper.Platforms); err != nil {
		appLogger.Error("invalid platform config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	run := runner.New(st, extractors, appLogger, runner.Options{
		DelayMin: cfg.Scraper.SweepDelayMin,
		DelayMax: cfg.Scraper.SweepDelayMax,
	})

	consumer, err := taskqueue.NewConsumer(ctx, rdb, appLogger, cfg.App.TaskQueueStream, taskqueue.ConsumerConfig{
		Group:    cfg.App.TaskQueueGroup,
		Name:     consumerID(),
		MaxRetry: cfg.App.FullSweepMaxRetry,
	})
	if err != nil {
		appLogger.Error("create consumer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	states := taskstate.NewStore(rdb, cfg.App.TaskStateTTL)
	enqueuer := scheduler.NewEnqueuer(
		taskqueue.NewProducer(rdb, appLogger, cfg.App.TaskQueueStream),
		states,
		dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second),
		appLogger,
		scheduler.EnqueueOptionsFromConfig(cfg, "beat"),
	)
	limiter := ratelimit.NewPerMinute(rdb, appLogger, ratelimit.FullSweepKey, cfg.App.FullSweepPerMinute)

	var reporter notify.Reporter = notify.NewLogReporter(appLogger)
	if email := notify.NewEmailReporter(&cfg.Email, appLogger); email.Configured() {
		reporter = email
	}

	sched := scheduler.New(run, enqueuer, consumer, states, limiter, reporter, appLogger, scheduler.OptionsFromConfig(cfg))

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("worker metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	appLogger.Info("worker started",
		slog.Int("workers", cfg.App.WorkerPoolSize),
		slog.String("stream", cfg.App.TaskQueueStream),
		slog.String("group", cfg.App.TaskQueueGroup))

	// Run 在 ctx 取消后等待执行中的任务结束才返回
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("scheduler stopped with error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	appLogger.Info("worker stopped gracefully")
}

func consumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return ""
	}
	return host + "-" + time.Now().Format("150405")
}
