package extractor

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var (
	priceTokenRe   = regexp.MustCompile(`\d+(\.\d+)?`)
	escapedRuneRe  = regexp.MustCompile(`\\u([0-9a-fA-F]{4})|\\x([0-9a-fA-F]{2})`)
	priceCleanRepl = strings.NewReplacer(",", "", "$", "", "NT", "")
)

// NormalizePrice 从原始价格字符串中取第一个数字 token。
//
// 输入: "NT$ 1,299.00", "$990", "售價 1,280 元"
// 输出: 1299.00, 990, 1280
//
// 没有数字时返回 0，调用方把 0 视为无效价格。结果保留两位小数。
func NormalizePrice(raw string) decimal.Decimal {
	cleaned := priceCleanRepl.Replace(raw)
	token := priceTokenRe.FindString(cleaned)
	if token == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(token)
	if err != nil {
		return decimal.Zero
	}
	return d.Round(2)
}

// normalizeAny 处理 JSON 中可能出现的数字或字符串价格。
func normalizeAny(v any) decimal.Decimal {
	switch t := v.(type) {
	case nil:
		return decimal.Zero
	case string:
		return NormalizePrice(t)
	case float64:
		return decimal.NewFromFloat(t).Round(2)
	case json.Number:
		return NormalizePrice(t.String())
	case int:
		return decimal.NewFromInt(int64(t))
	case int64:
		return decimal.NewFromInt(t)
	default:
		return decimal.Zero
	}
}

// RepairText 尽力修复双重编码的商品名称，失败时原样返回。
//
// 处理两类问题：
//  1. 字符串里残留 \uXXXX / \xNN 转义
//  2. UTF-8 字节被当作 Latin-1 解码（如 "å¤§" 应为 "大"）
//
// 该函数不会 panic。
func RepairText(raw string) (out string) {
	if raw == "" {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			out = raw
		}
	}()

	unescaped := raw
	if strings.Contains(raw, `\`) {
		unescaped = escapedRuneRe.ReplaceAllStringFunc(raw, func(m string) string {
			code, err := strconv.ParseUint(m[2:], 16, 32)
			if err != nil {
				return m
			}
			return string(rune(code))
		})
	}

	buf := make([]byte, 0, len(unescaped))
	for _, r := range unescaped {
		if r > 0xFF {
			// 已经是正常的多字节字符，无需 Latin-1 还原
			return validOr(unescaped, raw)
		}
		buf = append(buf, byte(r))
	}
	if !utf8.Valid(buf) {
		return validOr(unescaped, raw)
	}
	return string(buf)
}

func validOr(s string, fallback string) string {
	if utf8.ValidString(s) {
		return s
	}
	return fallback
}
