package embedding

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

const defaultEncoding = "cl100k_base"

// TokenCounter 用 tiktoken 统计 token；编码不可用时按 4 字符 1 token 估算
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter 加载编码，失败时降级为估算
func NewTokenCounter(encoding string, logger zerolog.Logger) *TokenCounter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn().Err(err).Str("encoding", encoding).Msg("tiktoken编码加载失败，使用长度估算")
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// EstimateCounter 只做长度估算
func EstimateCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count 单条文本的 token 数
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.enc == nil {
		return utf8.RuneCountInString(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountAll 多条文本的 token 总数
func (c *TokenCounter) CountAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}
