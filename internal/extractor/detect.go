package extractor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"pricetracker/internal/pkg/metrics"
)

// ErrBlocked 页面是反爬挑战或拦截页，而不是商品页。
var ErrBlocked = errors.New("blocked page")

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// 拦截页标题特征
var blockedTitles = []string{
	"just a moment",
	"attention required",
	"access denied",
	"403 forbidden",
	"429 too many requests",
	"too many requests",
}

// DetectBlock 判断 200 响应的 HTML 是否为拦截页，返回拦截类型；正常页面返回空串。
//
// 只看标题与挑战页特有的标记，商品页里零散出现的 captcha 脚本不算拦截。
func DetectBlock(html string) string {
	trimmed := strings.TrimSpace(html)
	if trimmed == "" || trimmed == "<html><head></head><body></body></html>" {
		return "blank_page"
	}

	lowerHTML := strings.ToLower(html)
	title := ""
	if m := titleRe.FindStringSubmatch(html); len(m) == 2 {
		title = strings.ToLower(strings.TrimSpace(m[1]))
	}

	// Cloudflare 拦截
	if strings.Contains(title, "just a moment") ||
		strings.Contains(lowerHTML, "cf-browser-verification") ||
		strings.Contains(lowerHTML, "challenges.cloudflare.com") ||
		strings.Contains(lowerHTML, `id="challenge-form"`) ||
		strings.Contains(lowerHTML, `id="challenge-running"`) {
		return "cloudflare_challenge"
	}

	// 人机验证
	if strings.Contains(title, "captcha") || strings.Contains(lowerHTML, "verify you are human") {
		return "captcha"
	}

	if strings.Contains(title, "403") || strings.Contains(title, "forbidden") {
		return "403_forbidden"
	}
	if strings.Contains(title, "429") || strings.Contains(title, "too many requests") {
		return "429_rate_limited"
	}

	for _, hint := range blockedTitles {
		if strings.Contains(title, hint) {
			return "blocked"
		}
	}
	return ""
}

// checkBlocked 在页面被拦截时返回包装了 ErrBlocked 的错误并计数。
func checkBlocked(platform string, html string) error {
	kind := DetectBlock(html)
	if kind == "" {
		return nil
	}
	metrics.FetchErrorsTotal.WithLabelValues(platform, kind).Inc()
	return fmt.Errorf("%w: %s", ErrBlocked, kind)
}
