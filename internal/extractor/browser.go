package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"pricetracker/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	browserInitTimeout = 30 * time.Second
	renderSettle       = 1500 * time.Millisecond
)

// Renderer 渲染页面并返回最终 HTML，作为静态抽取失败后的兜底。
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// RodRenderer 基于 go-rod 的无头浏览器渲染器。
//
// 浏览器在第一次 Render 时才启动，之后每次调用只开关标签页。
type RodRenderer struct {
	cfg    config.BrowserConfig
	proxy  string
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRodRenderer 创建渲染器；cfg.Enabled 为 false 时返回 nil。
func NewRodRenderer(cfg *config.Config, logger *slog.Logger) *RodRenderer {
	if !cfg.Browser.Enabled {
		return nil
	}
	return &RodRenderer{cfg: cfg.Browser, proxy: cfg.Scraper.ProxyURL, logger: logger}
}

// Render 打开页面、等待加载完成并返回 HTML。
func (r *RodRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	browser, err := r.ensureBrowser(ctx)
	if err != nil {
		return "", err
	}

	timeout := r.cfg.PageTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := stealth.Page(browser.Context(pageCtx))
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	// 图片与字体对价格没有帮助
	if err := (proto.NetworkSetBlockedURLs{Urls: []string{
		"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
		"*.woff", "*.woff2", "*.ttf", "*.mp4",
		"*google-analytics*", "*googletagmanager*", "*doubleclick*", "*facebook*",
	}}).Call(page); err != nil {
		r.logger.Debug("set blocked urls failed", slog.String("error", err.Error()))
	}

	if err := page.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}

	select {
	case <-pageCtx.Done():
		return "", fmt.Errorf("render %s: %w", pageURL, pageCtx.Err())
	case <-time.After(renderSettle):
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (r *RodRenderer) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()
	browser, err := r.start(initCtx)
	if err != nil {
		return nil, err
	}
	r.browser = browser
	return browser, nil
}

// start 启动浏览器，针对容器环境关闭沙箱与 /dev/shm。
func (r *RodRenderer) start(ctx context.Context) (*rod.Browser, error) {
	bin := r.cfg.BinPath
	if bin == "" {
		r.logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Context(ctx).
		Headless(r.cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("disk-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if r.proxy != "" {
		parsed, err := url.Parse(r.proxy)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", r.proxy)
		}
		l = l.Proxy(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			proxyPass, _ = parsed.User.Password()
		}
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	r.logger.Info("browser started", slog.String("bin", bin), slog.Bool("proxy", r.proxy != ""))
	return browser, nil
}

// Close 关闭浏览器（如果已启动）。
func (r *RodRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}
