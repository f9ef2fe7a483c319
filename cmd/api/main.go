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

	"pricetracker/internal/api"
	"pricetracker/internal/config"
	"pricetracker/internal/pkg/dedup"
	"pricetracker/internal/pkg/logger"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/pkg/taskqueue"
	"pricetracker/internal/pkg/taskstate"
	"pricetracker/internal/scheduler"
	"pricetracker/internal/store"

	"github.com/redis/go-redis/v9"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 连接数据库与 Redis
// 3. 启动 HTTP 服务并在收到信号后优雅关闭
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

	metrics.InitMetrics(0)

	enqueuer := scheduler.NewEnqueuer(
		taskqueue.NewProducer(rdb, appLogger, cfg.App.TaskQueueStream),
		taskstate.NewStore(rdb, cfg.App.TaskStateTTL),
		dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second),
		appLogger,
		scheduler.EnqueueOptionsFromConfig(cfg, "api"),
	)
	srv := api.NewServer(cfg, appLogger, st, enqueuer, rdb)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	appLogger.Info("api server stopped")
}
