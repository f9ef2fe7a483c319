package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"pricetracker/internal/pkg/metrics"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Request 描述一次对外请求。
type Request struct {
	Platform  string
	URL       string
	Referer   string
	Timeout   time.Duration
	JitterMin time.Duration // 请求前随机等待下限
	JitterMax time.Duration // 请求前随机等待上限
}

// Response 是请求的原始响应。
type Response struct {
	StatusCode int
	Body       []byte
}

// Fetcher 负责发出带伪装请求头的 HTTP 请求。
//
// 每个平台共享一个进程内限速器，避免多个并发任务同时打到同一个站点。
type Fetcher struct {
	logger   *slog.Logger
	proxyURL string
	rps      float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rng      *rand.Rand
}

// NewFetcher 创建 Fetcher。rps <= 0 表示不限速。
func NewFetcher(logger *slog.Logger, rps float64, proxyURL string) *Fetcher {
	return &Fetcher{
		logger:   logger,
		proxyURL: proxyURL,
		rps:      rps,
		limiters: make(map[string]*rate.Limiter),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Get 发出 GET 请求。
//
// 非 2xx 状态码不会作为错误返回，由调用方根据 StatusCode 判断；
// 超时与连接失败作为错误返回。
func (f *Fetcher) Get(ctx context.Context, req Request) (*Response, error) {
	if err := f.sleepJitter(ctx, req.JitterMin, req.JitterMax); err != nil {
		return nil, err
	}
	if err := f.limiter(req.Platform).Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait request slot: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := colly.NewCollector(colly.AllowURLRevisit())
	c.Context = reqCtx
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(timeout)
	if f.proxyURL != "" {
		if err := c.SetProxy(f.proxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	headers := f.headers(req.Referer)
	c.OnRequest(func(r *colly.Request) {
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	})

	var resp *Response
	c.OnResponse(func(r *colly.Response) {
		resp = &Response{StatusCode: r.StatusCode, Body: r.Body}
	})
	var visitErr error
	c.OnError(func(r *colly.Response, err error) {
		visitErr = err
	})

	if err := c.Visit(req.URL); err != nil && visitErr == nil {
		visitErr = err
	}
	if visitErr != nil {
		metrics.FetchErrorsTotal.WithLabelValues(req.Platform, classifyFetchError(visitErr)).Inc()
		return nil, fmt.Errorf("fetch %s: %w", req.URL, visitErr)
	}
	if resp == nil {
		return nil, fmt.Errorf("fetch %s: empty response", req.URL)
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		metrics.FetchErrorsTotal.WithLabelValues(req.Platform, "blocked").Inc()
	}
	return resp, nil
}

func (f *Fetcher) headers(referer string) map[string]string {
	f.mu.Lock()
	ua := userAgents[f.rng.Intn(len(userAgents))]
	f.mu.Unlock()

	h := map[string]string{
		"User-Agent":      ua,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
		"Accept-Language": "zh-TW,zh;q=0.9,en-US;q=0.8,en;q=0.7",
		"Cache-Control":   "no-cache",
		"Connection":      "keep-alive",
	}
	if referer != "" {
		h["Referer"] = referer
	}
	return h
}

func (f *Fetcher) limiter(platform string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.ToLower(platform)
	if l, ok := f.limiters[key]; ok {
		return l
	}
	limit := rate.Inf
	if f.rps > 0 {
		limit = rate.Limit(f.rps)
	}
	l := rate.NewLimiter(limit, 1)
	f.limiters[key] = l
	return l
}

// sleepJitter 在 [min, max] 内随机等待，ctx 取消时提前返回。
func (f *Fetcher) sleepJitter(ctx context.Context, min, max time.Duration) error {
	d := f.randomDuration(min, max)
	if d <= 0 {
		return nil
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

func (f *Fetcher) randomDuration(min, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if max <= min {
		return max
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// classifyFetchError 返回用于日志与 metrics 的错误类型。
func classifyFetchError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "403") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "forbidden") || strings.Contains(msg, "too many requests"):
		return "blocked"
	case strings.Contains(msg, "connection") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "net::"):
		return "network"
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal"):
		return "parse"
	default:
		return "unknown"
	}
}
