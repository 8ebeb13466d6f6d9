package extraction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/tracing"
)

var tracer = otel.Tracer("extraction")

// modeProviders 各模式需要的 provider，顺序即优先级
var modeProviders = map[string][]string{
	config.ModeTwoWay:   {ProviderOpenAI, ProviderGemini},
	config.ModeThreeWay: {ProviderOpenAI, ProviderGemini, ProviderClaude},
}

// Orchestrator 并行调用多个 provider。注册表在构造后只读
type Orchestrator struct {
	providers   map[string]Provider
	order       []string // 注册顺序
	temperature float32
	callTimeout time.Duration
	logger      zerolog.Logger
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTemperature 覆盖默认温度，0 表示确定性输出，负数保持默认
func WithTemperature(t float32) Option {
	return func(o *Orchestrator) {
		if t >= 0 {
			o.temperature = t
		}
	}
}

// WithCallTimeout 单个 provider 调用的超时，0 表示只受上游 ctx 控制
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.callTimeout = d }
}

// NewOrchestrator 创建编排器，nil provider 会被忽略，同名 provider 以后者为准
func NewOrchestrator(providers []Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers:   make(map[string]Provider, len(providers)),
		temperature: DefaultTemperature,
		logger:      zerolog.Nop(),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, exists := o.providers[p.Name()]; !exists {
			o.order = append(o.order, p.Name())
		}
		o.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Available 已注册的 provider 名称，按注册顺序
func (o *Orchestrator) Available() []string {
	return append([]string(nil), o.order...)
}

// SelectProviders 按模式挑选 provider；所需的都不可用时退回第一个可用的
func (o *Orchestrator) SelectProviders(mode string) ([]string, error) {
	required, ok := modeProviders[mode]
	if !ok {
		return nil, fmt.Errorf("未知的抽取模式: %q", mode)
	}

	var selected []string
	for _, name := range required {
		if _, ok := o.providers[name]; ok {
			selected = append(selected, name)
		}
	}
	if len(selected) > 0 {
		return selected, nil
	}
	if len(o.order) > 0 {
		return o.order[:1], nil
	}
	return nil, ErrNoProviders
}

// Run 用同一组消息并行调用选中的 provider，等待全部结束后返回。
// 单个 provider 的错误或 panic 只体现在对应的 Response.Err 中
func (o *Orchestrator) Run(ctx context.Context, mode string, s Schema, messages []*schema.Message) (map[string]Response, error) {
	names, err := o.SelectProviders(mode)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Extraction.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("extraction.mode", mode),
		attribute.String("extraction.kind", string(s.Kind)),
		attribute.StringSlice("extraction.providers", names),
	)

	o.logger.Info().Str("mode", mode).Str("kind", string(s.Kind)).Strs("providers", names).Msg("开始并行调用抽取provider")

	var (
		mu        sync.Mutex
		responses = make(map[string]Response, len(names))
		g         errgroup.Group
	)
	start := time.Now()
	for _, name := range names {
		p := o.providers[name]
		g.Go(func() error {
			resp := o.call(ctx, p, name, s, messages)
			mu.Lock()
			responses[name] = resp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info().Dur("elapsed", time.Since(start)).Int("responses", len(responses)).Msg("抽取provider调用完成")
	return responses, nil
}

func (o *Orchestrator) call(ctx context.Context, p Provider, name string, s Schema, messages []*schema.Message) (resp Response) {
	ctx, span := tracer.Start(ctx, "Extraction.Provider")
	defer span.End()
	span.SetAttributes(attribute.String("provider", name))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("provider panic: %v", r)
			tracing.RecordError(span, err, tracing.ErrorTypeInternal)
			o.logger.Error().Str("provider", name).Interface("panic", r).Msg("provider调用发生panic")
			resp = failedResponse(name, "unknown", err)
		}
	}()

	if o.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
	}

	completion, err := p.Extract(ctx, messages, s, o.temperature)
	if err == nil && completion == nil {
		err = fmt.Errorf("provider 返回了空结果")
	}
	if err != nil {
		// context 超时统一带上 timeout 字样
		if tracing.IsContextTimeout(err) && !tracing.IsTimeout(err.Error()) {
			err = fmt.Errorf("request timeout: %w", err)
		}
		tracing.RecordError(span, err, tracing.ClassifyProviderError(err), attribute.String("provider", name))
		o.logger.Warn().Err(err).Str("provider", name).Msg("provider调用失败")
		return failedResponse(name, "unknown", err)
	}

	if err := s.Conform(completion.Content); err != nil {
		// 不符合 schema 的结果仍参与合并
		span.SetAttributes(attribute.Bool("schema.conform", false))
		o.logger.Debug().Err(err).Str("provider", name).Msg("provider结果不符合schema")
	}
	o.logger.Debug().Str("provider", name).Str("model", completion.Model).Int("fields", len(completion.Content)).Msg("provider调用成功")
	return Response{
		Provider: name,
		Content:  completion.Content,
		RawText:  completion.RawText,
		Model:    completion.Model,
	}
}
