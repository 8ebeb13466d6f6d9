package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/constants"
	"resume-crosscheck/internal/crosscheck"
	"resume-crosscheck/internal/tracing"
)

var redisTracer = otel.Tracer("resume-crosscheck/storage/redis")

// 业务 span 采样率，底层命令已由 redisotel 记录
var spanRates = map[string]float64{
	constants.ResultModulePrefix:   0.05,
	constants.AnalysisModulePrefix: 0.5,
}

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

var errRedisNotReady = errors.New("redis客户端未初始化")

// Redis 合并结果缓存和分析任务锁
type Redis struct {
	Client *redis.Client
	prefix string
}

// NewRedisAdapter 连接 Redis 并注册 OpenTelemetry 钩子
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, errors.New("缺少Redis地址配置")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  seconds(cfg.DialTimeoutSeconds),
		ReadTimeout:  seconds(cfg.ReadTimeoutSeconds),
	})
	if err := redisotel.InstrumentTracing(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("注册Redis追踪失败: %w", err)
	}

	r := &Redis{Client: client, prefix: cfg.KeyPrefix}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis %s 失败: %w", cfg.Address, err)
	}
	return r, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// FormatKey 给 constants 中的 key 模板加上配置前缀
func (r *Redis) FormatKey(keyTemplate string, parts ...any) string {
	if len(parts) == 0 {
		return r.prefix + keyTemplate
	}
	return r.prefix + fmt.Sprintf(keyTemplate, parts...)
}

func (r *Redis) AnalysisLockKey(analysisID string) string {
	return r.FormatKey(constants.KeyAnalysisLock, analysisID)
}

func (r *Redis) Close() error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return errRedisNotReady
	}
	return r.Client.Ping(ctx).Err()
}

// startSpan 按 key 所属模块采样，未采样时返回 nil
func (r *Redis) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	module, _, _ := strings.Cut(strings.TrimPrefix(key, r.prefix), ":")
	rate, ok := spanRates[module]
	if !ok {
		rate = 0.05
	}
	if rand.Float64() >= rate {
		return ctx, nil
	}
	ctx, span := redisTracer.Start(ctx, "Redis."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", strings.ToUpper(op)),
		attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	switch {
	case errors.Is(err, redis.Nil):
		span.SetAttributes(attribute.Bool("db.redis.key_exists", false))
		span.SetStatus(codes.Ok, "")
	case err != nil:
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// GetCachedResult 读取合并结果缓存，未命中返回 (nil, nil)
func (r *Redis) GetCachedResult(ctx context.Context, textMD5, mode, kind string) (*crosscheck.Result, error) {
	if r.Client == nil {
		return nil, errRedisNotReady
	}
	key := r.FormatKey(constants.KeyMergedResult, textMD5, mode, kind)
	ctx, span := r.startSpan(ctx, "get", key)
	raw, err := r.Client.Get(ctx, key).Bytes()
	endSpan(span, err)

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取结果缓存失败: %w", err)
	}
	var res crosscheck.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("解析结果缓存失败: %w", err)
	}
	res.ProcessingTime = time.Duration(res.ProcessingMS) * time.Millisecond
	return &res, nil
}

// CacheResult 写入合并结果缓存，失败的结果不缓存
func (r *Redis) CacheResult(ctx context.Context, textMD5, mode, kind string, res crosscheck.Result, ttl time.Duration) error {
	if !res.Success {
		return nil
	}
	if r.Client == nil {
		return errRedisNotReady
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("序列化结果缓存失败: %w", err)
	}
	if ttl <= 0 {
		ttl = constants.DefaultResultCacheTTL
	}

	key := r.FormatKey(constants.KeyMergedResult, textMD5, mode, kind)
	ctx, span := r.startSpan(ctx, "set", key)
	if span != nil {
		span.SetAttributes(attribute.Int("db.redis.value_length", len(data)))
	}
	err = r.Client.Set(ctx, key, data, ttl).Err()
	endSpan(span, err)
	return err
}

// AcquireLock 尝试加锁，锁已被占用时返回空字符串
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", errRedisNotReady
	}
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, lockKey, token, expiration).Result()
	if err != nil || !ok {
		return "", err
	}
	return token, nil
}

// ReleaseLock 仅当锁仍由 lockValue 持有时删除
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, errRedisNotReady
	}
	n, err := releaseScript.Run(ctx, r.Client, []string{lockKey}, lockValue).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
