// Package runner 执行价格抓取：按平台顺序扫描所有已追踪商品，或即时抓取单个商品。
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"pricetracker/internal/extractor"
	"pricetracker/internal/model"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/store"

	"github.com/shopspring/decimal"
)

// ErrSetup 运行开始前无法获取数据库会话，整轮失败，由调度层重试。
var ErrSetup = errors.New("scrape run setup failed")

// PriceStore 是 Runner 需要的持久化能力。
type PriceStore interface {
	Ping(ctx context.Context) error
	ListTracked(ctx context.Context, target string) ([]model.Product, error)
	FindProduct(ctx context.Context, platform string, nativeID string) (*model.Product, error)
	Save(ctx context.Context, product model.Product, amount decimal.Decimal) error
}

// Resolver 按平台名称查找抽取器。
type Resolver interface {
	Resolve(platform string) (extractor.Extractor, error)
}

// Options 控制商品之间的节奏。
type Options struct {
	DelayMin time.Duration
	DelayMax time.Duration
}

// Runner 执行一次 sweep 或单品抓取。
type Runner struct {
	store      PriceStore
	extractors Resolver
	logger     *slog.Logger
	opts       Options

	mu  sync.Mutex
	rng *rand.Rand
}

// New 创建 Runner。
func New(st PriceStore, extractors Resolver, logger *slog.Logger, opts Options) *Runner {
	return &Runner{
		store:      st,
		extractors: extractors,
		logger:     logger,
		opts:       opts,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Summary 是一轮 sweep 的统计。
type Summary struct {
	Target    string        `json:"target"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	NotFound  int           `json:"not_found"` // 未匹配或网络错误
	Failed    int           `json:"failed"`    // 平台不支持或入库失败
	Duration  time.Duration `json:"duration"`
}

// Run 顺序抓取平台名称匹配 target 的所有商品。
//
// 单个商品的失败只记录日志，不会中断整轮；只有开局拿不到数据库会话时返回 ErrSetup。
// ctx 只在商品之间检查，正在处理的商品总会完成。
func (r *Runner) Run(ctx context.Context, target string) (Summary, error) {
	start := time.Now()
	sum := Summary{Target: target}
	defer func() {
		sum.Duration = time.Since(start)
		metrics.SweepDuration.WithLabelValues(target).Observe(sum.Duration.Seconds())
	}()

	if err := r.store.Ping(ctx); err != nil {
		r.logger.Error("scrape run setup failed",
			slog.String("target", target),
			slog.String("error", err.Error()))
		return sum, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	products, err := r.store.ListTracked(ctx, target)
	if err != nil {
		r.logger.Error("list tracked products failed",
			slog.String("target", target),
			slog.String("error", err.Error()))
		return sum, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	if len(products) == 0 {
		r.logger.Warn("no tracked products for target", slog.String("target", target))
		return sum, nil
	}

	r.logger.Info("scrape run started",
		slog.String("target", target),
		slog.Int("products", len(products)))

	for i, p := range products {
		if i > 0 {
			if err := r.pause(ctx); err != nil {
				r.logger.Warn("scrape run interrupted",
					slog.String("target", target),
					slog.Int("attempted", sum.Attempted),
					slog.Int("remaining", len(products)-i))
				return sum, err
			}
		}

		sum.Attempted++
		result := r.scrapeOne(context.WithoutCancel(ctx), p)
		switch result {
		case resultSaved:
			sum.Succeeded++
		case resultNotFound:
			sum.NotFound++
		default:
			sum.Failed++
		}
		metrics.SweepProductsTotal.WithLabelValues(target, string(result)).Inc()
	}

	r.logger.Info("scrape run completed",
		slog.String("target", target),
		slog.Int("attempted", sum.Attempted),
		slog.Int("succeeded", sum.Succeeded),
		slog.Int("not_found", sum.NotFound),
		slog.Int("failed", sum.Failed),
		slog.Duration("duration", time.Since(start)))
	return sum, nil
}

type sweepResult string

const (
	resultSaved       sweepResult = "saved"
	resultNotFound    sweepResult = "not_found"
	resultUnsupported sweepResult = "unsupported"
	resultSaveFailed  sweepResult = "save_failed"
)

// scrapeOne 处理单个商品。平台按商品自身的平台名称解析，而不是 sweep 的 target。
func (r *Runner) scrapeOne(ctx context.Context, p model.Product) sweepResult {
	log := r.logger.With(
		slog.Uint64("product_id", uint64(p.ID)),
		slog.String("platform", p.Platform.Name),
		slog.String("native_id", p.NativeID))

	ext, err := r.extractors.Resolve(p.Platform.Name)
	if err != nil {
		log.Error("no extractor for product platform", slog.String("error", err.Error()))
		return resultUnsupported
	}

	out := ext.Extract(ctx, p.NativeID)
	if !out.OK() {
		attrs := []any{slog.String("status", out.Status.String())}
		if out.Err != nil {
			attrs = append(attrs, slog.String("error", out.Err.Error()))
		}
		log.Warn("price not found, skipping product", attrs...)
		return resultNotFound
	}

	if err := r.store.Save(ctx, p, out.Price); err != nil {
		log.Error("save price failed", slog.String("error", err.Error()))
		return resultSaveFailed
	}
	log.Info("price updated",
		slog.String("price", out.Price.StringFixed(2)),
		slog.String("strategy", out.Strategy))
	return resultSaved
}

// pause 在商品之间随机等待 [DelayMin, DelayMax]。
func (r *Runner) pause(ctx context.Context) error {
	d := r.randomDelay()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) randomDelay() time.Duration {
	lo, hi := r.opts.DelayMin, r.opts.DelayMax
	if hi <= 0 {
		return 0
	}
	if hi <= lo {
		return hi
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo + time.Duration(r.rng.Int63n(int64(hi-lo)))
}

// ResultKind 单品任务的结果类型。
type ResultKind string

const (
	// ResultSuccess 拿到正价格。
	ResultSuccess ResultKind = "success"
	// ResultNotFound 页面可达但没有有效价格，终态，不重试。
	ResultNotFound ResultKind = "not_found"
	// ResultError 网络或内部错误，由调度层按策略重试。
	ResultError ResultKind = "error"
)

// ProductResult 是单品抓取的结果。
type ProductResult struct {
	Kind     ResultKind      `json:"status"`
	Platform string          `json:"platform"`
	NativeID string          `json:"native_id"`
	Price    decimal.Decimal `json:"price"`
	Strategy string          `json:"strategy,omitempty"`
	Saved    bool            `json:"saved"`  // 商品已被追踪且价格已入库
	Reason   string          `json:"reason,omitempty"`
	Err      error           `json:"-"`
}

// Retryable 仅 error 结果需要重试。
func (p ProductResult) Retryable() bool {
	return p.Kind == ResultError
}

// ScrapeProduct 即时抓取单个商品。
//
// 商品已在目录中时价格会入库；不在目录中时只返回价格。
// 入库失败不影响结果类型，只记录日志，下一轮 sweep 会再次写入。
func (r *Runner) ScrapeProduct(ctx context.Context, platform string, nativeID string) ProductResult {
	res := ProductResult{Platform: platform, NativeID: strings.TrimSpace(nativeID)}
	log := r.logger.With(slog.String("platform", platform), slog.String("native_id", res.NativeID))

	ext, err := r.extractors.Resolve(platform)
	if err != nil {
		res.Kind = ResultError
		res.Err = fmt.Errorf("resolve extractor for %q: %w", platform, err)
		res.Reason = res.Err.Error()
		log.Error("single product scrape failed", slog.String("error", res.Reason))
		return res
	}
	res.Platform = ext.Platform()

	out := ext.Extract(ctx, res.NativeID)
	switch {
	case out.OK():
		res.Kind = ResultSuccess
		res.Price = out.Price
		res.Strategy = out.Strategy
	case out.Retryable():
		res.Kind = ResultError
		res.Err = out.Err
		if res.Err == nil {
			res.Err = fmt.Errorf("extract %s/%s: %s", res.Platform, res.NativeID, out.Status)
		}
		res.Reason = res.Err.Error()
		log.Warn("single product scrape errored", slog.String("error", res.Reason))
		return res
	default:
		res.Kind = ResultNotFound
		res.Reason = "price not found"
		log.Warn("single product scrape finished without a valid price")
		return res
	}

	product, err := r.store.FindProduct(ctx, res.Platform, res.NativeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Info("product is not tracked, price not persisted")
	case err != nil:
		log.Error("lookup product failed", slog.String("error", err.Error()))
	default:
		if err := r.store.Save(ctx, *product, res.Price); err != nil {
			log.Error("save price failed", slog.String("error", err.Error()))
		} else {
			res.Saved = true
		}
	}

	log.Info("single product scrape succeeded",
		slog.String("price", res.Price.StringFixed(2)),
		slog.Bool("saved", res.Saved))
	return res
}
