package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/embedding"
	"resume-crosscheck/internal/extraction"
	"resume-crosscheck/internal/ratelimit"
	"resume-crosscheck/internal/storage"
)

// BuildProviders 按配置创建抽取 provider，未配置密钥的跳过。
// 返回的 closer 释放 provider 持有的客户端
func BuildProviders(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]extraction.Provider, func() error, error) {
	var (
		providers []extraction.Provider
		closers   []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	if pc := cfg.Providers.OpenAI; pc.Usable() {
		chat, err := extraction.NewOpenAIChatModel(pc.APIKey, pc.Model, pc.BaseURL, logger)
		if err != nil {
			return nil, closeAll, fmt.Errorf("创建 openai provider 失败: %w", err)
		}
		p := extraction.NewChatModelProvider(extraction.ProviderOpenAI, pc.Model, chat)
		providers = append(providers, ratelimit.WrapProvider(p, pc.QPM))
	}

	if pc := cfg.Providers.Gemini; pc.Usable() {
		p, err := extraction.NewGeminiProvider(ctx, pc.APIKey, pc.Model)
		if err != nil {
			return nil, closeAll, fmt.Errorf("创建 gemini provider 失败: %w", err)
		}
		closers = append(closers, p.Close)
		providers = append(providers, ratelimit.WrapProvider(p, pc.QPM))
	}

	if pc := cfg.Providers.Claude; pc.Usable() {
		p, err := extraction.NewClaudeProvider(pc.APIKey, pc.Model)
		if err != nil {
			return nil, closeAll, fmt.Errorf("创建 claude provider 失败: %w", err)
		}
		providers = append(providers, ratelimit.WrapProvider(p, pc.QPM))
	}

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	logger.Info().Strs("providers", names).Msg("抽取provider初始化完成")
	return providers, closeAll, nil
}

// NewServiceFromConfig 按配置组装完整的分析服务，store 中为 nil 的组件对应步骤会被跳过
func NewServiceFromConfig(ctx context.Context, cfg *config.Config, store *storage.Storage, logger zerolog.Logger) (*Service, func() error, error) {
	providers, closer, err := BuildProviders(ctx, cfg, logger.With().Str("component", "providers").Logger())
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	if len(providers) == 0 {
		logger.Warn().Msg("没有配置任何抽取provider，分析请求将返回错误")
	}

	orchestrator := extraction.NewOrchestrator(providers,
		extraction.WithLogger(logger.With().Str("component", "orchestrator").Logger()),
		extraction.WithTemperature(cfg.Extraction.Temperature),
		extraction.WithCallTimeout(config.GetDuration(cfg.Extraction.CallTimeout, 0)),
	)

	opts := []Option{WithLogger(logger.With().Str("component", "pipeline").Logger())}

	if cfg.Embedding.APIKey != "" {
		embedder, err := embedding.NewOpenAIEmbedder(cfg.Embedding, logger)
		if err != nil {
			_ = closer()
			return nil, nil, fmt.Errorf("创建embedder失败: %w", err)
		}
		opts = append(opts, WithEmbedder(embedding.NewPipeline(embedder, cfg.Embedding, logger)))
	} else {
		logger.Warn().Msg("未配置embedding密钥，只生成chunk不做向量化")
	}

	// 只注入非 nil 的组件，避免接口持有 nil 指针
	if store != nil {
		if store.MySQL != nil {
			opts = append(opts, WithRepository(store.MySQL))
		}
		if store.Redis != nil {
			opts = append(opts, WithResultCache(store.Redis))
		}
		if store.MinIO != nil {
			opts = append(opts, WithArchive(store.MinIO))
		}
		if store.Qdrant != nil {
			opts = append(opts, WithVectorStore(store.Qdrant))
		}
	}

	return NewService(orchestrator, cfg, opts...), closer, nil
}
