// Package scheduler 负责定时触发全平台扫描，并在 worker 进程中消费、执行、重试抓取任务。
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pricetracker/internal/config"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/pkg/notify"
	"pricetracker/internal/pkg/queue"
	"pricetracker/internal/pkg/ratelimit"
	"pricetracker/internal/pkg/taskqueue"
	"pricetracker/internal/pkg/taskstate"
	"pricetracker/internal/runner"
)

// errInterrupted 扫描在商品之间被进程退出打断。
var errInterrupted = errors.New("task interrupted by shutdown")

// TaskRunner 是 runner.Runner 的执行能力。
type TaskRunner interface {
	Run(ctx context.Context, target string) (runner.Summary, error)
	ScrapeProduct(ctx context.Context, platform string, nativeID string) runner.ProductResult
}

// Options 调度参数。
type Options struct {
	Interval            time.Duration // beat 间隔，<= 0 关闭 beat
	BeatOnStart         bool
	Platforms           []string // "all" 依次展开的平台
	FullSweepRetryDelay time.Duration
	ProductRetryDelay   time.Duration
	PromoteInterval     time.Duration // 延迟重试提升的检查间隔
	ShutdownTimeout     time.Duration
	Workers             int
}

// OptionsFromConfig 从配置构造调度参数。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:            cfg.App.ScheduleInterval,
		BeatOnStart:         cfg.App.BeatOnStart,
		Platforms:           cfg.Scraper.Platforms,
		FullSweepRetryDelay: cfg.App.FullSweepRetryDelay,
		ProductRetryDelay:   cfg.App.ProductRetryDelay,
		Workers:             cfg.App.WorkerPoolSize,
	}
}

// Scheduler 运行在 worker 进程中。
//
// 读取 Redis Stream 的任务交给固定大小的 worker 池执行；
// 池满时停止读取，未开始的任务留在 Stream 中由其他 worker 领取。
type Scheduler struct {
	runner   TaskRunner
	enqueuer *Enqueuer
	consumer *taskqueue.Consumer
	states   *taskstate.Store
	limiter  *ratelimit.Limiter
	reporter notify.Reporter
	pool     *queue.Pool
	logger   *slog.Logger
	opts     Options
}

// New 创建调度器。limiter 为 nil 时全平台任务不限流。
func New(r TaskRunner, enqueuer *Enqueuer, consumer *taskqueue.Consumer, states *taskstate.Store, limiter *ratelimit.Limiter, reporter notify.Reporter, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if reporter == nil {
		reporter = notify.NewLogReporter(logger)
	}

	pool := queue.New(logger, opts.Workers, queue.WithErrorHandler(func(job queue.Job, err error) {
		logger.Error("task execution failed",
			slog.String("task", job.Name),
			slog.String("error", err.Error()))
	}))

	return &Scheduler{
		runner:   r,
		enqueuer: enqueuer,
		consumer: consumer,
		states:   states,
		limiter:  limiter,
		reporter: reporter,
		pool:     pool,
		logger:   logger,
		opts:     opts,
	}
}

// Run 启动 beat、延迟重试提升与消费循环，直到 ctx 取消。
//
// 退出时停止读取新任务，等待执行中的任务最多 ShutdownTimeout。
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.String("interval", s.opts.Interval.String()),
		slog.Bool("beat_on_start", s.opts.BeatOnStart),
		slog.Int("workers", s.opts.Workers))

	s.pool.Start(ctx)

	if s.opts.BeatOnStart {
		s.beat(ctx)
	}
	if s.opts.Interval > 0 {
		go s.beatLoop(ctx)
	}
	go s.promoteLoop(ctx)
	go s.statsLoop(ctx)

	s.consumeLoop(ctx)

	s.logger.Info("scheduler stopping")
	if err := s.pool.Close(s.opts.ShutdownTimeout); err != nil {
		s.logger.Error("worker pool shutdown timeout", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) beatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

// beat 提交一次定时全平台扫描。
func (s *Scheduler) beat(ctx context.Context) {
	taskID, err := s.enqueuer.enqueueFullSweep(ctx, "all", "beat")
	if err != nil {
		s.logger.Error("beat enqueue failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("beat enqueued full sweep", slog.String("task_id", taskID))
}

func (s *Scheduler) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			moved, err := s.consumer.Queue().PromoteDue(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("promote delayed tasks failed", slog.String("error", err.Error()))
				}
				continue
			}
			if moved > 0 {
				s.logger.Info("delayed tasks promoted", slog.Int("count", moved))
			}
		}
	}
}

func (s *Scheduler) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.printQueueStats(ctx)
		}
	}
}

// consumeLoop 先占用一个空闲 worker 再读取消息，worker 全忙时不读取新任务。
func (s *Scheduler) consumeLoop(ctx context.Context) {
	for {
		if err := s.pool.Acquire(ctx); err != nil {
			return
		}

		msgs, err := s.consumer.Read(ctx)
		if err != nil || len(msgs) == 0 {
			s.pool.Release()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Error("read task stream failed", slog.String("error", err.Error()))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
			}
			continue
		}

		for i, m := range msgs {
			// 第一条消息使用已占用的 worker，其余各自再占用一个
			if i > 0 {
				if err := s.pool.Acquire(ctx); err != nil {
					s.logger.Warn("stop dispatching, task left pending",
						slog.String("task_id", m.Message.TaskID),
						slog.String("error", err.Error()))
					return
				}
			}
			job := queue.Job{
				Name: m.Message.Describe(),
				Run:  func(jobCtx context.Context) error { return s.handle(jobCtx, m) },
			}
			if err := s.pool.Dispatch(job); err != nil {
				// 消息未确认，留在 Pending 中等待重新认领
				s.logger.Warn("stop dispatching, task left pending",
					slog.String("task_id", m.Message.TaskID),
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

// taskResult 是写入任务状态的结果。
type taskResult struct {
	Status    string           `json:"status"`
	Price     string           `json:"price,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Saved     *bool            `json:"saved,omitempty"`
	Summaries []runner.Summary `json:"summaries,omitempty"`
}

// handle 执行一条任务消息并决定确认、重试或进入死信队列。
//
// 返回的错误只用于 worker 池日志，消息的去向已在这里处理完。
func (s *Scheduler) handle(ctx context.Context, m *taskqueue.MessageWithID) error {
	msg := m.Message
	bg := context.WithoutCancel(ctx)
	log := s.logger.With(
		slog.String("task_id", msg.TaskID),
		slog.String("task", msg.Describe()),
		slog.Int("retry", msg.Retry))

	if msg.Kind == taskqueue.KindFullSweep {
		if wait, throttled := s.throttle(bg); throttled {
			if err := s.consumer.Requeue(bg, m, wait); err != nil {
				return fmt.Errorf("requeue throttled task: %w", err)
			}
			s.markPending(bg, msg.TaskID, "rate limited")
			log.Info("full sweep rate limited, deferred", slog.Duration("wait", wait))
			return nil
		}
	}

	if err := s.states.MarkRunning(bg, msg.TaskID); err != nil {
		log.Warn("update task state failed", slog.String("error", err.Error()))
	}
	metrics.TasksTotal.WithLabelValues(string(msg.Kind), string(taskstate.StateRunning)).Inc()

	var (
		result taskResult
		err    error
	)
	switch msg.Kind {
	case taskqueue.KindFullSweep:
		result, err = s.runFullSweep(ctx, msg.Target)
	case taskqueue.KindSingleProduct:
		result, err = s.runSingleProduct(bg, msg.Platform, msg.NativeID)
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, msg.Kind)
	}

	switch {
	case errors.Is(err, errInterrupted):
		if rqErr := s.consumer.Requeue(bg, m, 0); rqErr != nil {
			return fmt.Errorf("requeue interrupted task: %w", rqErr)
		}
		s.markPending(bg, msg.TaskID, err.Error())
		log.Warn("task interrupted, requeued")
		return nil
	case err != nil:
		return s.fail(bg, m, err)
	}

	payload, _ := json.Marshal(result)
	if stErr := s.states.MarkSucceeded(bg, msg.TaskID, string(payload)); stErr != nil {
		log.Warn("update task state failed", slog.String("error", stErr.Error()))
	}
	metrics.TasksTotal.WithLabelValues(string(msg.Kind), string(taskstate.StateSucceeded)).Inc()
	if ackErr := s.consumer.Ack(bg, m.ID); ackErr != nil {
		return fmt.Errorf("ack task: %w", ackErr)
	}
	log.Info("task succeeded", slog.String("result", result.Status))
	return nil
}

// throttle 检查全平台任务的分布式限流，返回需要等待的时间。
// 限流器不可用时放行。
func (s *Scheduler) throttle(ctx context.Context) (time.Duration, bool) {
	if s.limiter == nil {
		return 0, false
	}
	allowed, wait, err := s.limiter.Allow(ctx)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, running anyway", slog.String("error", err.Error()))
		return 0, false
	}
	if allowed {
		return 0, false
	}
	if wait <= 0 {
		wait = time.Second
	}
	return wait, true
}

// runFullSweep 执行扫描。"all" 按配置的平台顺序逐个扫描。
func (s *Scheduler) runFullSweep(ctx context.Context, target string) (taskResult, error) {
	targets := []string{target}
	if strings.EqualFold(target, "all") && len(s.opts.Platforms) > 0 {
		targets = s.opts.Platforms
	}

	res := taskResult{Status: "success"}
	for _, t := range targets {
		sum, err := s.runner.Run(ctx, t)
		res.Summaries = append(res.Summaries, sum)
		if err != nil {
			if ctx.Err() != nil {
				return res, errInterrupted
			}
			return res, fmt.Errorf("sweep %s: %w", t, err)
		}
	}
	return res, nil
}

// runSingleProduct 执行单品抓取。not_found 是终态，只有 error 需要重试。
func (s *Scheduler) runSingleProduct(ctx context.Context, platform string, nativeID string) (taskResult, error) {
	pr := s.runner.ScrapeProduct(ctx, platform, nativeID)
	switch pr.Kind {
	case runner.ResultSuccess:
		saved := pr.Saved
		return taskResult{Status: "success", Price: pr.Price.StringFixed(2), Saved: &saved}, nil
	case runner.ResultNotFound:
		return taskResult{Status: "failed", Reason: pr.Reason}, nil
	default:
		err := pr.Err
		if err == nil {
			err = errors.New(pr.Reason)
		}
		return taskResult{}, err
	}
}

// fail 按重试策略处理失败，重试耗尽时发送失败报告。
func (s *Scheduler) fail(ctx context.Context, m *taskqueue.MessageWithID, cause error) error {
	msg := m.Message
	attempts := msg.Retry + 1
	log := s.logger.With(
		slog.String("task_id", msg.TaskID),
		slog.String("task", msg.Describe()),
		slog.Int("attempt", attempts))

	action, err := s.consumer.HandleFailure(ctx, m, cause, s.retryDelay(msg.Kind))
	if err != nil {
		log.Error("handle task failure failed",
			slog.String("action", string(action)),
			slog.String("error", err.Error()))
	}

	switch action {
	case taskqueue.FailureActionRetry:
		if stErr := s.states.MarkFailed(ctx, msg.TaskID, cause.Error(), true); stErr != nil {
			log.Warn("update task state failed", slog.String("error", stErr.Error()))
		}
		metrics.TasksTotal.WithLabelValues(string(msg.Kind), string(taskstate.StateRetrying)).Inc()
		log.Warn("task failed, retry scheduled",
			slog.Duration("delay", s.retryDelay(msg.Kind)),
			slog.String("error", cause.Error()))
	case taskqueue.FailureActionDLQ:
		if stErr := s.states.MarkFailed(ctx, msg.TaskID, cause.Error(), false); stErr != nil {
			log.Warn("update task state failed", slog.String("error", stErr.Error()))
		}
		metrics.TasksTotal.WithLabelValues(string(msg.Kind), string(taskstate.StateFailedExhausted)).Inc()
		log.Error("task retries exhausted", slog.String("error", cause.Error()))

		report := notify.Failure{
			TaskID:      msg.TaskID,
			Kind:        string(msg.Kind),
			Description: msg.Describe(),
			Attempts:    attempts,
			Error:       cause.Error(),
			FailedAt:    time.Now(),
		}
		if rpErr := s.reporter.ReportFailure(ctx, report); rpErr != nil {
			log.Error("failure report failed", slog.String("error", rpErr.Error()))
		}
	}
	return cause
}

func (s *Scheduler) retryDelay(kind taskqueue.Kind) time.Duration {
	if kind == taskqueue.KindFullSweep {
		return s.opts.FullSweepRetryDelay
	}
	return s.opts.ProductRetryDelay
}

func (s *Scheduler) markPending(ctx context.Context, taskID string, reason string) {
	if err := s.states.MarkPending(ctx, taskID, reason); err != nil {
		s.logger.Warn("update task state failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
	}
}

// printQueueStats 打印 worker 池统计与队列深度。
func (s *Scheduler) printQueueStats(ctx context.Context) {
	if depth, err := s.consumer.Depth(ctx); err != nil {
		s.logger.Warn("read queue depth failed", slog.String("error", err.Error()))
	} else {
		metrics.TaskQueueDepth.WithLabelValues("stream").Set(float64(depth.Stream))
		metrics.TaskQueueDepth.WithLabelValues("pending").Set(float64(depth.Pending))
		metrics.TaskQueueDepth.WithLabelValues("delayed").Set(float64(depth.Delayed))
		s.logger.Info("task queue depth",
			slog.Int64("stream", depth.Stream),
			slog.Int64("pending", depth.Pending),
			slog.Int64("delayed", depth.Delayed))
	}

	stats := s.pool.Stats()
	s.logger.Info("worker pool statistics",
		slog.Int("workers", s.pool.Size()),
		slog.Int64("busy", stats.Busy),
		slog.Int("idle", stats.Idle),
		slog.Int64("submitted", stats.Submitted),
		slog.Int64("done", stats.Done),
		slog.Int64("failed", stats.Failed),
		slog.Int64("panicked", stats.Panicked),
	)
}
