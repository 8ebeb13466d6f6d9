package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/tracing"
	"resume-crosscheck/internal/types"
)

var tracer = otel.Tracer("embedding")

var errEmptyVector = errors.New("embedding响应为空")

// Result chunk 向量化的汇总结果，部分失败不视为整体失败
type Result struct {
	Success          bool            `json:"success"`
	Chunks           []types.Chunk   `json:"chunks"`
	TotalTokens      int             `json:"total_tokens"`
	TotalChunks      int             `json:"total_chunks"`
	EmbeddedChunks   int             `json:"embedded_chunks"`
	FailedChunks     int             `json:"failed_chunks"`
	IsPartialSuccess bool            `json:"is_partial_success"`
	Warnings         []types.Warning `json:"warnings"`
	Error            string          `json:"error,omitempty"`
}

// Pipeline 先整批请求，失败的条目再逐条带退避重试
type Pipeline struct {
	embedder embedding.Embedder
	policy   RetryPolicy
	counter  *TokenCounter
	maxChars int
	logger   zerolog.Logger
}

// Option 管道选项
type Option func(*Pipeline)

// WithRetryPolicy 覆盖退避策略
func WithRetryPolicy(p RetryPolicy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

// WithTokenCounter 覆盖 token 统计
func WithTokenCounter(c *TokenCounter) Option {
	return func(pl *Pipeline) { pl.counter = c }
}

// NewPipeline 创建管道；embedder 为 nil 时只生成 chunk 不做向量化
func NewPipeline(embedder embedding.Embedder, cfg config.EmbeddingConfig, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		embedder: embedder,
		policy:   PolicyFromConfig(cfg),
		maxChars: cfg.MaxChars,
		logger:   logger.With().Str("component", "embedding").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.counter == nil {
		p.counter = NewTokenCounter(cfg.Encoding, p.logger)
	}
	return p
}

// Enabled 是否配置了 embedder
func (p *Pipeline) Enabled() bool {
	return p.embedder != nil
}

// EmbedText 单条文本，带重试；耗尽返回 nil
func (p *Pipeline) EmbedText(ctx context.Context, text string) []float64 {
	if p.embedder == nil {
		p.logger.Error().Msg("embedder未初始化")
		return nil
	}
	input := p.capText(text)
	var vector []float64
	err := p.policy.Do(ctx, p.logger, func(ctx context.Context) error {
		vectors, err := p.embedder.EmbedStrings(ctx, []string{input})
		if err != nil {
			return err
		}
		if len(vectors) != 1 || len(vectors[0]) == 0 {
			return errEmptyVector
		}
		vector = vectors[0]
		return nil
	})
	if err != nil {
		return nil
	}
	return vector
}

// EmbedBatch 整批请求一次，按原下标回填；整批失败或缺失的条目逐条重试
func (p *Pipeline) EmbedBatch(ctx context.Context, texts []string) [][]float64 {
	out := make([][]float64, len(texts))
	if p.embedder == nil || len(texts) == 0 {
		return out
	}

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = p.capText(t)
	}

	vectors, err := p.embedder.EmbedStrings(ctx, inputs)
	if err != nil {
		p.logger.Warn().Err(err).Int("texts", len(texts)).Msg("批量embedding失败，逐条重试")
	} else if len(vectors) == len(texts) {
		copy(out, vectors)
	} else {
		p.logger.Warn().Int("expected", len(texts)).Int("got", len(vectors)).Msg("批量embedding数量不符，逐条重试")
	}

	for i := range out {
		if len(out[i]) > 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		out[i] = p.EmbedText(ctx, texts[i])
	}
	return out
}

// ProcessChunks 为 chunk 附加向量，返回计数和部分成功标记。输入切片不被修改
func (p *Pipeline) ProcessChunks(ctx context.Context, chunks []types.Chunk) Result {
	ctx, span := tracer.Start(ctx, "embedding.ProcessChunks")
	defer span.End()

	if len(chunks) == 0 {
		return Result{Success: false, Chunks: []types.Chunk{}, Error: "No chunks created"}
	}

	res := Result{
		Chunks:      make([]types.Chunk, len(chunks)),
		TotalChunks: len(chunks),
	}
	copy(res.Chunks, chunks)

	if p.embedder == nil {
		res.Success = true
		return res
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = p.capText(c.Content)
	}
	res.TotalTokens = p.counter.CountAll(texts)

	vectors := p.EmbedBatch(ctx, texts)
	for i := range res.Chunks {
		if len(vectors[i]) > 0 {
			res.Chunks[i].Embedding = vectors[i]
			res.EmbeddedChunks++
			continue
		}
		res.Chunks[i].Embedding = nil
		res.FailedChunks++
		res.Warnings = append(res.Warnings, types.Warning{
			Kind:     types.WarnEmbedding,
			Field:    string(res.Chunks[i].Type),
			Message:  fmt.Sprintf("Chunk %d (%s) embedding failed", i, res.Chunks[i].Type),
			Severity: types.SeverityMedium,
		})
	}

	res.IsPartialSuccess = res.EmbeddedChunks > 0 && res.FailedChunks > 0
	res.Success = res.EmbeddedChunks > 0
	if !res.Success {
		res.Error = "All chunk embeddings failed"
		tracing.RecordError(span, errors.New(res.Error), tracing.ErrorTypeEmbedding)
	}

	span.SetAttributes(
		attribute.Int("embedding.total", res.TotalChunks),
		attribute.Int("embedding.embedded", res.EmbeddedChunks),
		attribute.Int("embedding.failed", res.FailedChunks),
	)
	p.logger.Info().
		Int("total", res.TotalChunks).
		Int("embedded", res.EmbeddedChunks).
		Int("failed", res.FailedChunks).
		Int("tokens", res.TotalTokens).
		Msg("chunk向量化完成")
	return res
}

// capText 按字符数截断
func (p *Pipeline) capText(text string) string {
	if p.maxChars <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= p.maxChars {
		return text
	}
	return string(r[:p.maxChars])
}
