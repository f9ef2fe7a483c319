package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	pchomePlatform = "PChome"
	pchomeAPIBase  = "https://ecapi.pchome.com.tw"
	pchomePageBase = "https://24h.pchome.com.tw"
	pchomeReferer  = "https://24h.pchome.com.tw/"
)

var (
	jsonpBodyRe = regexp.MustCompile(`(?s)\w+\(\s*(\{.*\}|\[.*\])\s*\)`)
	pagePriceRe = regexp.MustCompile(`"price":\s*"?(\d[\d,]*(?:\.\d+)?)"?`)
)

// PChomeOptions PChome 抽取器的节奏参数。
type PChomeOptions struct {
	APIBase     string // 为空时使用官方 API
	PageBase    string // 为空时使用官方商品页
	JitterMin   time.Duration
	JitterMax   time.Duration
	APITimeout  time.Duration
	PageTimeout time.Duration
}

// PChomeExtractor 从 PChome 24h 抽取价格。
//
// 策略顺序：JSONP 商品 API → 商品页内嵌 "price" 字段 → 浏览器渲染后重试页面解析。
type PChomeExtractor struct {
	fetcher  *Fetcher
	renderer Renderer
	logger   *slog.Logger
	opts     PChomeOptions
	now      func() time.Time
}

// NewPChomeExtractor 创建 PChome 抽取器。
func NewPChomeExtractor(fetcher *Fetcher, renderer Renderer, logger *slog.Logger, opts PChomeOptions) *PChomeExtractor {
	if opts.APIBase == "" {
		opts.APIBase = pchomeAPIBase
	}
	if opts.PageBase == "" {
		opts.PageBase = pchomePageBase
	}
	return &PChomeExtractor{fetcher: fetcher, renderer: renderer, logger: logger, opts: opts, now: time.Now}
}

// Platform 实现 Extractor。
func (p *PChomeExtractor) Platform() string { return pchomePlatform }

// ProductURL 返回商品页地址。
func (p *PChomeExtractor) ProductURL(prodID string) string {
	return fmt.Sprintf("%s/prod/%s", strings.TrimRight(p.opts.PageBase, "/"), url.PathEscape(prodID))
}

func (p *PChomeExtractor) apiURL(prodID string) string {
	return fmt.Sprintf("%s/ecshop/prodapi/v2/prod?id=%s&fields=Price&_callback=jsonp_price&_=%d",
		strings.TrimRight(p.opts.APIBase, "/"), url.QueryEscape(prodID), p.now().UnixMilli())
}

// Extract 实现 Extractor。
func (p *PChomeExtractor) Extract(ctx context.Context, nativeID string) Outcome {
	prodID := strings.TrimSpace(nativeID)
	p.logger.Info("pchome extract", slog.String("prod_id", prodID))

	strategies := []strategy{
		{name: "api", fn: p.fromAPI},
		{name: "page", fn: p.fromPage},
	}
	if p.renderer != nil {
		strategies = append(strategies, strategy{name: "browser", fn: func(ctx context.Context, id string) (match, error) {
			html, err := p.renderer.Render(ctx, p.ProductURL(id))
			if err != nil {
				return match{}, err
			}
			if err := checkBlocked(pchomePlatform, html); err != nil {
				return match{}, err
			}
			return match{price: pchomePagePrice(html)}, nil
		}})
	}
	return runStrategies(ctx, p.logger, pchomePlatform, prodID, strategies)
}

func (p *PChomeExtractor) fromAPI(ctx context.Context, prodID string) (match, error) {
	resp, err := p.fetcher.Get(ctx, Request{
		Platform: pchomePlatform,
		URL:      p.apiURL(prodID),
		Referer:  pchomeReferer,
		Timeout:  p.opts.APITimeout,
	})
	if err != nil {
		return match{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return match{}, nil
	}
	return match{price: pchomeAPIPrice(resp.Body)}, nil
}

func (p *PChomeExtractor) fromPage(ctx context.Context, prodID string) (match, error) {
	resp, err := p.fetcher.Get(ctx, Request{
		Platform:  pchomePlatform,
		URL:       p.ProductURL(prodID),
		Referer:   pchomeReferer,
		Timeout:   p.opts.PageTimeout,
		JitterMin: p.opts.JitterMin,
		JitterMax: p.opts.JitterMax,
	})
	if err != nil {
		return match{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return match{}, nil
	}
	if err := checkBlocked(pchomePlatform, string(resp.Body)); err != nil {
		return match{}, err
	}
	return match{price: pchomePagePrice(string(resp.Body))}, nil
}

// pchomeAPIPrice 解析 JSONP 包裹的商品 API 响应。
//
// 响应形如 jsonp_price({"DYAJ8A-A900GXXXX-000":{"Price":{"M":1490,"P":1299}}})，
// 外层 key 是商品 ID；也兼容数组形式。取第一个含 Price 的对象的 Price.P。
func pchomeAPIPrice(body []byte) decimal.Decimal {
	m := jsonpBodyRe.FindSubmatch(body)
	if len(m) < 2 {
		return decimal.Zero
	}

	type entry struct {
		Price *struct {
			P any `json:"P"`
		} `json:"Price"`
	}

	var byID map[string]json.RawMessage
	if err := json.Unmarshal(m[1], &byID); err == nil {
		keys := make([]string, 0, len(byID))
		for k := range byID {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var e entry
			if err := json.Unmarshal(byID[k], &e); err != nil || e.Price == nil {
				continue
			}
			return normalizeAny(e.Price.P)
		}
		return decimal.Zero
	}

	var list []entry
	if err := json.Unmarshal(m[1], &list); err == nil {
		for _, e := range list {
			if e.Price != nil {
				return normalizeAny(e.Price.P)
			}
		}
	}
	return decimal.Zero
}

// pchomePagePrice 在商品页 HTML 中查找 JSON-LD 的 "price" 字段。
func pchomePagePrice(html string) decimal.Decimal {
	m := pagePriceRe.FindStringSubmatch(html)
	if len(m) < 2 {
		return decimal.Zero
	}
	return NormalizePrice(m[1])
}
