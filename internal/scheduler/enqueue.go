package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pricetracker/internal/config"
	"pricetracker/internal/pkg/dedup"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/pkg/taskqueue"
	"pricetracker/internal/pkg/taskstate"
)

var (
	// ErrInvalidTask 任务参数缺失。
	ErrInvalidTask = errors.New("invalid task")
	// ErrUnsupportedPlatform 单品任务的平台不在支持列表中。
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// EnqueueOptions 控制任务提交。
type EnqueueOptions struct {
	Source            string   // 写入消息的来源标记: api / cli / beat
	Platforms         []string // 支持的平台，空表示不校验
	FullSweepMaxRetry int
	ProductMaxRetry   int
}

// EnqueueOptionsFromConfig 从配置构造提交参数。
func EnqueueOptionsFromConfig(cfg *config.Config, source string) EnqueueOptions {
	return EnqueueOptions{
		Source:            source,
		Platforms:         cfg.Scraper.Platforms,
		FullSweepMaxRetry: cfg.App.FullSweepMaxRetry,
		ProductMaxRetry:   cfg.App.ProductMaxRetry,
	}
}

// Enqueuer 提交任务并立即返回任务 ID，执行由 worker 进程完成。
type Enqueuer struct {
	producer *taskqueue.Producer
	states   *taskstate.Store
	dedup    *dedup.Deduplicator
	logger   *slog.Logger
	opts     EnqueueOptions
}

// NewEnqueuer 创建任务提交器。dedup 为 nil 时不做去重。
func NewEnqueuer(producer *taskqueue.Producer, states *taskstate.Store, d *dedup.Deduplicator, logger *slog.Logger, opts EnqueueOptions) *Enqueuer {
	if opts.Source == "" {
		opts.Source = "api"
	}
	return &Enqueuer{
		producer: producer,
		states:   states,
		dedup:    d,
		logger:   logger,
		opts:     opts,
	}
}

// EnqueueFullSweep 提交一次扫描任务，target 为平台名称或 "all"。
func (e *Enqueuer) EnqueueFullSweep(ctx context.Context, target string) (string, error) {
	return e.enqueueFullSweep(ctx, target, e.opts.Source)
}

func (e *Enqueuer) enqueueFullSweep(ctx context.Context, target string, source string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" || strings.EqualFold(target, "all") {
		target = "all"
	} else {
		canonical, err := e.canonicalPlatform(target)
		if err != nil {
			return "", err
		}
		target = canonical
	}

	msg := taskqueue.NewFullSweepMessage(target, source, e.opts.FullSweepMaxRetry)
	if err := e.submit(ctx, msg, msg.Target); err != nil {
		return "", err
	}
	return msg.TaskID, nil
}

// EnqueueSingleProduct 提交单品即时抓取。
//
// 去重窗口内相同 (平台, 商品) 的请求返回已有任务 ID，第二个返回值为 true。
func (e *Enqueuer) EnqueueSingleProduct(ctx context.Context, platform string, nativeID string) (string, bool, error) {
	nativeID = strings.TrimSpace(nativeID)
	if strings.TrimSpace(platform) == "" || nativeID == "" {
		return "", false, fmt.Errorf("%w: platform and native_id are required", ErrInvalidTask)
	}
	canonical, err := e.canonicalPlatform(platform)
	if err != nil {
		return "", false, err
	}

	msg := taskqueue.NewSingleProductMessage(canonical, nativeID, e.opts.Source, e.opts.ProductMaxRetry)
	key := dedup.ProductKey(canonical, nativeID)
	existing, claimed, err := e.dedup.Claim(ctx, key, msg.TaskID)
	if err != nil {
		// 去重不可用时仍然提交
		e.logger.Warn("dedup claim failed", slog.String("error", err.Error()))
	} else if !claimed {
		metrics.TaskDuplicatePreventedTotal.Inc()
		e.logger.Info("duplicate single product request",
			slog.String("task_id", existing),
			slog.String("platform", canonical),
			slog.String("native_id", nativeID))
		return existing, true, nil
	}

	if err := e.submit(ctx, msg, canonical+"/"+nativeID); err != nil {
		if relErr := e.dedup.Release(ctx, key); relErr != nil {
			e.logger.Warn("dedup release failed", slog.String("error", relErr.Error()))
		}
		return "", false, err
	}
	return msg.TaskID, false, nil
}

// Status 查询任务状态。
func (e *Enqueuer) Status(ctx context.Context, taskID string) (*taskstate.Task, error) {
	return e.states.Get(ctx, taskID)
}

func (e *Enqueuer) submit(ctx context.Context, msg *taskqueue.TaskMessage, params string) error {
	if err := e.states.Create(ctx, msg.TaskID, string(msg.Kind), params); err != nil {
		return fmt.Errorf("record task state: %w", err)
	}
	if err := e.producer.Submit(ctx, msg); err != nil {
		if stErr := e.states.MarkFailed(ctx, msg.TaskID, "enqueue failed: "+err.Error(), false); stErr != nil {
			e.logger.Warn("update task state failed", slog.String("error", stErr.Error()))
		}
		return fmt.Errorf("enqueue %s: %w", msg.Kind, err)
	}
	return nil
}

// canonicalPlatform 不区分大小写地匹配支持的平台，返回配置中的名称。
//
// 完全相同优先；否则任一方包含另一方即视为匹配，如 "mo"、"momoshop" 对应
// Momo，"PChome 24h" 对应 PChome。多个平台匹配时取配置中靠前的一个。
func (e *Enqueuer) canonicalPlatform(platform string) (string, error) {
	platform = strings.TrimSpace(platform)
	if len(e.opts.Platforms) == 0 {
		return platform, nil
	}
	if platform == "" {
		return "", fmt.Errorf("%w: empty platform", ErrUnsupportedPlatform)
	}
	for _, p := range e.opts.Platforms {
		if strings.EqualFold(p, platform) {
			return p, nil
		}
	}
	want := strings.ToLower(platform)
	for _, p := range e.opts.Platforms {
		have := strings.ToLower(p)
		if strings.Contains(have, want) || strings.Contains(want, have) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
}
