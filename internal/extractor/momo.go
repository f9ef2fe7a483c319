package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

const (
	momoPlatform = "Momo"
	momoBaseURL  = "https://www.momoshop.com.tw"
	momoReferer  = "https://www.momoshop.com.tw/"
)

// MomoOptions Momo 抽取器的节奏参数。
type MomoOptions struct {
	BaseURL     string // 为空时使用官方站点，测试时指向 httptest
	JitterMin   time.Duration
	JitterMax   time.Duration
	PageTimeout time.Duration
}

// MomoExtractor 从 Momo 商品页抽取价格。
//
// 策略顺序：meta product:price:amount → JSON-LD offers.price → 浏览器渲染后重试前两者。
type MomoExtractor struct {
	fetcher  *Fetcher
	renderer Renderer
	logger   *slog.Logger
	opts     MomoOptions
}

// NewMomoExtractor 创建 Momo 抽取器。
func NewMomoExtractor(fetcher *Fetcher, renderer Renderer, logger *slog.Logger, opts MomoOptions) *MomoExtractor {
	if opts.BaseURL == "" {
		opts.BaseURL = momoBaseURL
	}
	return &MomoExtractor{fetcher: fetcher, renderer: renderer, logger: logger, opts: opts}
}

// Platform 实现 Extractor。
func (m *MomoExtractor) Platform() string { return momoPlatform }

// GoodsURL 返回商品详情页地址。
func (m *MomoExtractor) GoodsURL(iCode string) string {
	return fmt.Sprintf("%s/goods/GoodsDetail.jsp?i_code=%s", strings.TrimRight(m.opts.BaseURL, "/"), url.QueryEscape(iCode))
}

// Extract 实现 Extractor。
func (m *MomoExtractor) Extract(ctx context.Context, nativeID string) Outcome {
	iCode := strings.TrimSpace(nativeID)
	page := &pageLoader{load: func(ctx context.Context) (*goquery.Document, error) {
		resp, err := m.fetcher.Get(ctx, Request{
			Platform:  momoPlatform,
			URL:       m.GoodsURL(iCode),
			Referer:   momoReferer,
			Timeout:   m.opts.PageTimeout,
			JitterMin: m.opts.JitterMin,
			JitterMax: m.opts.JitterMax,
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			m.logger.Warn("momo page returned non-200",
				slog.String("i_code", iCode),
				slog.Int("status", resp.StatusCode))
			return nil, nil
		}
		if err := checkBlocked(momoPlatform, string(resp.Body)); err != nil {
			return nil, err
		}
		return goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	}}

	strategies := []strategy{
		{name: "meta", fn: page.with(momoMetaPrice)},
		{name: "json_ld", fn: page.with(momoJSONLDPrice)},
	}
	if m.renderer != nil {
		strategies = append(strategies, strategy{name: "browser", fn: func(ctx context.Context, id string) (match, error) {
			html, err := m.renderer.Render(ctx, m.GoodsURL(id))
			if err != nil {
				return match{}, err
			}
			if err := checkBlocked(momoPlatform, html); err != nil {
				return match{}, err
			}
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
			if err != nil {
				return match{}, fmt.Errorf("parse rendered page: %w", err)
			}
			if got := momoMetaPrice(doc); got.price.IsPositive() {
				return got, nil
			}
			return momoJSONLDPrice(doc), nil
		}})
	}

	out := runStrategies(ctx, m.logger, momoPlatform, iCode, strategies)
	if out.Name != "" {
		out.Name = RepairText(out.Name)
	}
	return out
}

// momoMetaPrice 读取 <meta property="product:price:amount">。
func momoMetaPrice(doc *goquery.Document) match {
	content, ok := doc.Find(`meta[property="product:price:amount"]`).First().Attr("content")
	if !ok {
		return match{}
	}
	name, _ := doc.Find(`meta[property="og:title"]`).First().Attr("content")
	return match{price: NormalizePrice(content), name: name}
}

// momoJSONLDPrice 读取第一个 application/ld+json 中的 offers.price。
//
// offers 可能是对象，也可能是数组（取第一个）。
func momoJSONLDPrice(doc *goquery.Document) match {
	raw := strings.TrimSpace(doc.Find(`script[type="application/ld+json"]`).First().Text())
	if raw == "" {
		return match{}
	}

	var data struct {
		Name   string          `json:"name"`
		Offers json.RawMessage `json:"offers"`
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return match{}
	}

	price := offerPrice(data.Offers)
	return match{price: price, name: data.Name}
}

func offerPrice(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 {
		return decimal.Zero
	}
	type offer struct {
		Price any `json:"price"`
	}

	var list []offer
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return decimal.Zero
		}
		return normalizeAny(list[0].Price)
	}

	var single offer
	if err := json.Unmarshal(raw, &single); err != nil {
		return decimal.Zero
	}
	return normalizeAny(single.Price)
}

// pageLoader 在一次 Extract 中只抓取一次页面，供多个策略共享。
type pageLoader struct {
	load   func(ctx context.Context) (*goquery.Document, error)
	loaded bool
	doc    *goquery.Document
	err    error
}

func (p *pageLoader) get(ctx context.Context) (*goquery.Document, error) {
	if !p.loaded {
		p.doc, p.err = p.load(ctx)
		p.loaded = true
	}
	return p.doc, p.err
}

// with 把文档解析函数包装成策略；页面不可用（非 200）时视为未匹配。
func (p *pageLoader) with(parse func(*goquery.Document) match) func(context.Context, string) (match, error) {
	return func(ctx context.Context, _ string) (match, error) {
		doc, err := p.get(ctx)
		if err != nil {
			return match{}, err
		}
		if doc == nil {
			return match{}, nil
		}
		return parse(doc), nil
	}
}
