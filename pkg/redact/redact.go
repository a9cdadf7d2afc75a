// Package redact strips credential-like values from structured summaries
// before they are logged or persisted.
package redact

import (
	"fmt"
	"strings"
	"unicode"
)

// Mask replaces a sensitive value.
const Mask = "***"

// Map returns a sanitized deep copy of params. Nested maps and slices are
// walked; keys that look like credentials are masked wholesale and values
// that look like account numbers keep only their ends.
func Map(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = value(k, v)
	}
	return out
}

func value(key string, v interface{}) interface{} {
	if IsSensitiveKey(key) {
		return Mask
	}

	switch typed := v.(type) {
	case map[string]interface{}:
		return Map(typed)
	case map[string]string:
		cp := make(map[string]interface{}, len(typed))
		for k, s := range typed {
			cp[k] = value(k, s)
		}
		return cp
	case []interface{}:
		cp := make([]interface{}, 0, len(typed))
		for i, item := range typed {
			// 数组元素使用索引作为 key，避免父级 key 误判
			cp = append(cp, value(fmt.Sprintf("[%d]", i), item))
		}
		return cp
	case string:
		if shouldMaskPartial(key, typed) {
			return maskPreserveEnds(typed, 2, 2)
		}
		return typed
	default:
		return v
	}
}

// IsSensitiveKey reports whether a field name carries a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	if lower == "key" || strings.HasSuffix(lower, "_key") {
		return true
	}
	k := strings.NewReplacer("-", "", "_", "").Replace(lower)
	for _, part := range sensitiveParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

var sensitiveParts = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"apikey",
	"accesskey",
	"privatekey",
	"credential",
	"authorization",
	"cookie",
	"signature",
}

func shouldMaskPartial(key, v string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if strings.Contains(k, "phone") || strings.Contains(k, "mobile") || strings.Contains(k, "email") {
		return true
	}

	// 值本身看起来像账号：数字占比高且长度足够
	digits := 0
	for _, r := range v {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return len(v) >= 12 && digits >= len(v)-2
}

func maskPreserveEnds(s string, prefixKeep, suffixKeep int) string {
	runes := []rune(s)
	if len(runes) <= prefixKeep+suffixKeep {
		return Mask
	}
	maskedLen := len(runes) - prefixKeep - suffixKeep
	return string(runes[:prefixKeep]) + strings.Repeat("*", maskedLen) + string(runes[len(runes)-suffixKeep:])
}
