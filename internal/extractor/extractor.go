// Package extractor 从各电商平台抓取商品价格。
//
// 每个平台是一个独立的 Extractor 实现，内部按顺序尝试多种抽取策略，
// 第一个得到正价格的策略胜出。抽取器自身不做重试，重试由调度层负责。
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pricetracker/internal/config"
	"pricetracker/internal/pkg/metrics"

	"github.com/shopspring/decimal"
)

// Status 表示一次抽取的结果类型。
type Status int

const (
	// StatusSuccess 抽取到正价格。
	StatusSuccess Status = iota
	// StatusNotFound 页面可达但所有策略均未匹配，或价格为 0。
	StatusNotFound
	// StatusTransient 网络超时或连接失败，可由调度层重试。
	StatusTransient
	// StatusFatal 无法继续的错误（如平台不受支持）。
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotFound:
		return "not_found"
	case StatusTransient:
		return "transient_error"
	case StatusFatal:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// ErrUnsupportedPlatform 没有与平台名称匹配的 Extractor。
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Outcome 是一次抽取的结果，不会被持久化。
type Outcome struct {
	Status   Status
	Price    decimal.Decimal
	Strategy string // 命中的策略名
	Name     string // 页面上的商品名（若策略提供）
	Err      error
}

// OK 仅当抽取成功且价格为正时返回 true。
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess && o.Price.IsPositive()
}

// Retryable 表示该结果是否应该触发任务级重试。
func (o Outcome) Retryable() bool {
	return o.Status == StatusTransient || o.Status == StatusFatal
}

// Extractor 是单个平台的价格抽取能力。
type Extractor interface {
	// Platform 返回平台名称（如 "Momo"）。
	Platform() string
	// Extract 根据平台原生 ID 抽取价格，永远不会 panic。
	Extract(ctx context.Context, nativeID string) Outcome
}

// Registry 按平台名称查找 Extractor。
type Registry struct {
	extractors []Extractor
}

// NewRegistry 创建注册表，按传入顺序匹配。
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// New 根据配置构建 Momo 与 PChome 抽取器。renderer 为 nil 时关闭浏览器兜底。
func New(cfg *config.Config, logger *slog.Logger, renderer Renderer) *Registry {
	fetcher := NewFetcher(logger, cfg.Scraper.RequestsPerSec, cfg.Scraper.ProxyURL)
	return NewRegistry(
		NewMomoExtractor(fetcher, renderer, logger, MomoOptions{
			JitterMin:   cfg.Scraper.MomoJitterMin,
			JitterMax:   cfg.Scraper.MomoJitterMax,
			PageTimeout: cfg.Scraper.PageTimeout,
		}),
		NewPChomeExtractor(fetcher, renderer, logger, PChomeOptions{
			JitterMin:   cfg.Scraper.PChomeJitterMin,
			JitterMax:   cfg.Scraper.PChomeJitterMax,
			APITimeout:  cfg.Scraper.APITimeout,
			PageTimeout: cfg.Scraper.PageTimeout,
		}),
	)
}

// Resolve 大小写不敏感地按子串匹配平台名称。
func (r *Registry) Resolve(platform string) (Extractor, error) {
	name := strings.ToLower(strings.TrimSpace(platform))
	if name == "" {
		return nil, ErrUnsupportedPlatform
	}
	for _, ext := range r.extractors {
		key := strings.ToLower(ext.Platform())
		if strings.Contains(name, key) || strings.Contains(key, name) {
			return ext, nil
		}
	}
	return nil, ErrUnsupportedPlatform
}

// Platforms 返回已注册的平台名称。
func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.extractors))
	for _, ext := range r.extractors {
		names = append(names, ext.Platform())
	}
	return names
}

// Check 确认每个配置的平台都有对应的 Extractor，启动时调用。
func (r *Registry) Check(platforms []string) error {
	for _, p := range platforms {
		if _, err := r.Resolve(p); err != nil {
			return fmt.Errorf("%w: %q (registered: %s)", err, p, strings.Join(r.Platforms(), ", "))
		}
	}
	return nil
}

// match 是单个策略的结果。
type match struct {
	price decimal.Decimal
	name  string
}

// strategy 是一个命名的抽取步骤。
//
// 返回 error 表示网络层失败；返回零价格表示未匹配。
type strategy struct {
	name string
	fn   func(ctx context.Context, nativeID string) (match, error)
}

// runStrategies 依次执行策略，第一个正价格胜出。
//
// 所有策略都因网络错误失败时结果为 StatusTransient；
// 只要有一个策略拿到了页面但未匹配，结果为 StatusNotFound。
func runStrategies(ctx context.Context, logger *slog.Logger, platform string, nativeID string, strategies []strategy) Outcome {
	start := time.Now()
	defer func() {
		metrics.ExtractDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	missed := false
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: StatusTransient, Err: err}
		}

		m, err := s.fn(ctx, nativeID)
		if err != nil {
			lastErr = err
			metrics.ExtractTotal.WithLabelValues(platform, s.name, "error").Inc()
			logger.Warn("extract strategy failed",
				slog.String("platform", platform),
				slog.String("native_id", nativeID),
				slog.String("strategy", s.name),
				slog.String("error_type", classifyFetchError(err)),
				slog.String("error", err.Error()))
			continue
		}
		if m.price.IsPositive() {
			metrics.ExtractTotal.WithLabelValues(platform, s.name, "success").Inc()
			return Outcome{Status: StatusSuccess, Price: m.price, Strategy: s.name, Name: m.name}
		}
		missed = true
		metrics.ExtractTotal.WithLabelValues(platform, s.name, "miss").Inc()
		logger.Debug("extract strategy missed",
			slog.String("platform", platform),
			slog.String("native_id", nativeID),
			slog.String("strategy", s.name))
	}

	if lastErr != nil && !missed {
		return Outcome{Status: StatusTransient, Err: lastErr}
	}
	logger.Warn("no extract strategy matched",
		slog.String("platform", platform),
		slog.String("native_id", nativeID))
	return Outcome{Status: StatusNotFound}
}
