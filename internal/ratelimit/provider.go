// Package ratelimit 为外部 provider 调用提供按 QPM 的令牌桶限流。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"resume-crosscheck/internal/extraction"
)

// Provider 对抽取 provider 的调用进行限流的代理，不做重试
type Provider struct {
	original extraction.Provider
	limiter  *rate.Limiter
}

// NewLimiter 每分钟 qpm 个令牌，桶容量为 QPM 的一半，允许一定的突发
func NewLimiter(qpm int) *rate.Limiter {
	qpm = max(qpm, 1)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(qpm)), max(qpm/2, 1))
}

// WrapProvider qpm<=0 时原样返回
func WrapProvider(original extraction.Provider, qpm int) extraction.Provider {
	if original == nil || qpm <= 0 {
		return original
	}
	return &Provider{original: original, limiter: NewLimiter(qpm)}
}

// Name 实现 extraction.Provider
func (p *Provider) Name() string { return p.original.Name() }

// Extract 等到令牌后再调用原 provider
func (p *Provider) Extract(ctx context.Context, messages []*schema.Message, s extraction.Schema, temperature float32) (*extraction.Completion, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s 等待限流令牌失败: %w", p.original.Name(), err)
	}
	return p.original.Extract(ctx, messages, s, temperature)
}
