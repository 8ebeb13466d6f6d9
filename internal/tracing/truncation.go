package tracing

import (
	"strings"
	"unicode/utf8"
)

// span 属性长度上限
const (
	DefaultMaxLength  = 200
	MaxSQLLength      = 500
	MaxRedisLength    = 100
	MaxFilenameLength = 80
)

const ellipsis = "..."

// sensitiveKeys 属性名包含这些片段时值需要掩码，简历文件名常带候选人姓名
var sensitiveKeys = []string{
	"email", "phone", "password", "address", "name", "birth",
	"api_key", "secret", "token",
	"이름", "성명", "연락처", "휴대폰", "이메일", "주소", "생년월일",
}

func isSensitive(attrName string) bool {
	lower := strings.ToLower(attrName)
	for _, key := range sensitiveKeys {
		if strings.Contains(lower, key) {
			return true
		}
	}
	return false
}

// SafeAttributeValue 返回可以写进 span 的属性值：敏感字段掩码，其余按 maxLength 截断
func SafeAttributeValue(attrName, value string, maxLength int) string {
	if isSensitive(attrName) {
		return MaskPII(value)
	}
	return TruncateString(value, maxLength)
}

// MaskPII 只保留首尾少量字符。
// 两个字保留首字 ("김민" -> "김*")，三到四个字保留首尾各一，更长的保留首尾各两位
func MaskPII(value string) string {
	runes := []rune(value)
	n := len(runes)
	keep := 2
	switch {
	case n == 0:
		return ""
	case n == 1:
		return "*"
	case n == 2:
		return string(runes[0]) + "*"
	case n <= 4:
		keep = 1
	}

	var b strings.Builder
	b.Grow(len(value))
	b.WriteString(string(runes[:keep]))
	b.WriteString(strings.Repeat("*", n-2*keep))
	b.WriteString(string(runes[n-keep:]))
	return b.String()
}

// TruncateString 超长时保留头尾，中间以 ... 相连，按 rune 计长度
func TruncateString(s string, maxLength int) string {
	if utf8.RuneCountInString(s) <= maxLength {
		return s
	}
	runes := []rune(s)
	if maxLength <= len(ellipsis) {
		return string(runes[:maxLength])
	}

	side := max((maxLength-len(ellipsis))/2, 1)
	return string(runes[:side]) + ellipsis + string(runes[len(runes)-side:])
}

// SafeSQL 截断 SQL 语句
func SafeSQL(sql string) string { return TruncateString(sql, MaxSQLLength) }

// SafeRedisKey 截断 Redis 键
func SafeRedisKey(key string) string { return TruncateString(key, MaxRedisLength) }
