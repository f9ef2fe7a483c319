package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricetracker/internal/api/middleware"
	"pricetracker/internal/config"
	"pricetracker/internal/extractor"
	"pricetracker/internal/pkg/dedup"
	"pricetracker/internal/pkg/logger"
	"pricetracker/internal/pkg/ratelimit"
	"pricetracker/internal/pkg/taskqueue"
	"pricetracker/internal/pkg/taskstate"
	"pricetracker/internal/runner"
	"pricetracker/internal/scheduler"
	"pricetracker/internal/store"

	cli "github.com/jawher/mow.cli"
	"github.com/redis/go-redis/v9"
)

// main 是运维命令行入口。
//
// run / product 默认在当前进程内同步执行，加 --queue 时改为提交到任务队列；
// token 为运维人员签发调用 API 所需的 JWT。
func main() {
	app := cli.App("scrape", "Momo / PChome 价格抓取工具")
	configPath := app.StringOpt("c config", "configs/config.json", "配置文件路径")

	app.Command("run", "抓取已追踪的全部商品", func(cmd *cli.Cmd) {
		cmd.Spec = "[--target] [--queue] [--wait]"
		target := cmd.StringOpt("t target", "all", "平台名称或 all")
		queue := cmd.BoolOpt("q queue", false, "提交到任务队列而不是本地执行")
		wait := cmd.StringOpt("w wait", "2m", "本地执行前等待扫描令牌的最长时间，0 表示不等待限流")

		cmd.Action = func() {
			cfg, log := setup(*configPath)
			if *queue {
				exitOnErr(log, enqueue(cfg, log, func(ctx context.Context, e *scheduler.Enqueuer) (any, error) {
					id, err := e.EnqueueFullSweep(ctx, *target)
					return map[string]string{"task_id": id}, err
				}))
				return
			}
			maxWait, err := time.ParseDuration(*wait)
			if err != nil {
				exitOnErr(log, fmt.Errorf("parse wait: %w", err))
			}
			exitOnErr(log, runLocal(cfg, log, func(ctx context.Context, r *runner.Runner, platforms []string) (any, error) {
				if maxWait > 0 {
					if err := waitSweepSlot(ctx, cfg, log, maxWait); err != nil {
						return nil, err
					}
				}
				targets := []string{*target}
				if *target == "" || *target == "all" {
					targets = platforms
				}
				summaries := make([]runner.Summary, 0, len(targets))
				for _, t := range targets {
					sum, err := r.Run(ctx, t)
					summaries = append(summaries, sum)
					if err != nil {
						return summaries, err
					}
					if ctx.Err() != nil {
						break
					}
				}
				return summaries, nil
			}))
		}
	})

	app.Command("product", "即时抓取单个商品", func(cmd *cli.Cmd) {
		cmd.Spec = "--platform --id [--queue]"
		platform := cmd.StringOpt("p platform", "", "平台名称 (Momo / PChome)")
		nativeID := cmd.StringOpt("i id", "", "平台商品编号")
		queue := cmd.BoolOpt("q queue", false, "提交到任务队列而不是本地执行")

		cmd.Action = func() {
			cfg, log := setup(*configPath)
			if *queue {
				exitOnErr(log, enqueue(cfg, log, func(ctx context.Context, e *scheduler.Enqueuer) (any, error) {
					id, dup, err := e.EnqueueSingleProduct(ctx, *platform, *nativeID)
					return map[string]any{"task_id": id, "deduplicated": dup}, err
				}))
				return
			}
			exitOnErr(log, runLocal(cfg, log, func(ctx context.Context, r *runner.Runner, _ []string) (any, error) {
				res := r.ScrapeProduct(ctx, *platform, *nativeID)
				if res.Kind == runner.ResultError {
					return res, res.Err
				}
				return res, nil
			}))
		}
	})

	app.Command("token", "签发运维 JWT", func(cmd *cli.Cmd) {
		cmd.Spec = "--subject [--ttl]"
		subject := cmd.StringOpt("s subject", "", "操作者名称")
		ttl := cmd.StringOpt("ttl", "", "有效期（如 12h），为空使用配置")

		cmd.Action = func() {
			cfg, log := setup(*configPath)
			d := cfg.Security.TokenTTL
			if *ttl != "" {
				parsed, err := time.ParseDuration(*ttl)
				if err != nil {
					exitOnErr(log, fmt.Errorf("parse ttl: %w", err))
				}
				d = parsed
			}
			token, err := middleware.IssueToken(cfg.Security.JWTSecret, *subject, d)
			exitOnErr(log, err)
			fmt.Println(token)
		}
	})

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(path string) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		cli.Exit(1)
	}
	// stdout 留给结果输出
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logger.ParseLevel(cfg.App.LogLevel)}))
	return cfg, log
}

// runLocal 连接数据库，在当前进程内执行 fn 并打印 JSON 结果。
func runLocal(cfg *config.Config, log *slog.Logger, fn func(ctx context.Context, r *runner.Runner, platforms []string) (any, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var renderer extractor.Renderer
	if rr := extractor.NewRodRenderer(cfg, log); rr != nil {
		renderer = rr
		defer rr.Close()
	}
	extractors := extractor.New(cfg, log, renderer)
	if err := extractors.Check(cfg.Scraper.Platforms); err != nil {
		return err
	}
	r := runner.New(st, extractors, log, runner.Options{
		DelayMin: cfg.Scraper.SweepDelayMin,
		DelayMax: cfg.Scraper.SweepDelayMax,
	})

	out, err := fn(ctx, r, cfg.Scraper.Platforms)
	printJSON(out)
	return err
}

// enqueue 把任务交给 worker 执行，只打印任务 ID。
func enqueue(cfg *config.Config, log *slog.Logger, fn func(ctx context.Context, e *scheduler.Enqueuer) (any, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()

	e := scheduler.NewEnqueuer(
		taskqueue.NewProducer(rdb, log, cfg.App.TaskQueueStream),
		taskstate.NewStore(rdb, cfg.App.TaskStateTTL),
		dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second),
		log,
		scheduler.EnqueueOptionsFromConfig(cfg, "cli"),
	)
	out, err := fn(ctx, e)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

// waitSweepSlot 与 worker 共用全平台扫描令牌桶，避免本地扫描和定时扫描叠加。
func waitSweepSlot(ctx context.Context, cfg *config.Config, log *slog.Logger, maxWait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()

	limiter := ratelimit.NewPerMinute(rdb, log, ratelimit.FullSweepKey, cfg.App.FullSweepPerMinute)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for sweep slot: %w", err)
	}
	return nil
}

func printJSON(v any) {
	if v == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func exitOnErr(log *slog.Logger, err error) {
	if err == nil {
		return
	}
	log.Error("command failed", slog.String("error", err.Error()))
	cli.Exit(1)
}
