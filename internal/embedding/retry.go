package embedding

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"resume-crosscheck/internal/config"
)

// ErrRetryExhausted 所有尝试均失败
var ErrRetryExhausted = errors.New("최대 재시도 횟수 초과")

// 每次等待额外加上 [0, 1s] 的随机时长
const defaultJitter = time.Second

// RetryPolicy 单条 embedding 的退避策略：
// 第 n 次重试前等待 min(Base·2^n + jitter, Max)，最多尝试 MaxRetries+1 次
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Jitter     time.Duration
}

// PolicyFromConfig 从配置构建
func PolicyFromConfig(cfg config.EmbeddingConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.RetryLimit(),
		Base:       config.SecondsToDuration(cfg.BaseWaitSec),
		Max:        config.SecondsToDuration(cfg.MaxWaitSec),
		Jitter:     defaultJitter,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.Jitter > 0 {
		b = withPositiveJitter(p.Jitter, b)
	}
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// withPositiveJitter 在 next 的等待时间上加 [0, jitter] 的随机量，等待不会短于 next 给出的值。
// go-retry 自带的 WithJitter 是 ±jitter
func withPositiveJitter(jitter time.Duration, next retry.Backoff) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop {
			return 0, true
		}
		return d + rand.N(jitter+1), false
	})
}

// Do 执行 fn，失败时按策略重试。每次重试记 warn，耗尽时记 error 并返回 ErrRetryExhausted 包装的最后一次错误。
// 等待期间不持有任何锁，ctx 取消立即返回。
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attempt := 0
	var last error
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			last = err
			if attempt <= p.MaxRetries {
				logger.Warn().Err(err).Int("attempt", attempt).Int("max_retries", p.MaxRetries).Msg("embedding失败，准备重试")
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	logger.Error().Err(last).Int("attempts", attempt).Msg(ErrRetryExhausted.Error())
	return errors.Join(ErrRetryExhausted, last)
}
