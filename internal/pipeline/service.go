// Package pipeline 把分段、并行抽取、交叉验证、复核、分块与向量化串成完整的分析流程，
// 并负责结果的缓存、持久化和异步任务提交。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"resume-crosscheck/internal/chunking"
	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/constants"
	"resume-crosscheck/internal/crosscheck"
	"resume-crosscheck/internal/embedding"
	"resume-crosscheck/internal/extraction"
	"resume-crosscheck/internal/labels"
	"resume-crosscheck/internal/segmenter"
	"resume-crosscheck/internal/storage"
	"resume-crosscheck/internal/storage/models"
	"resume-crosscheck/internal/tracing"
	"resume-crosscheck/internal/types"
	"resume-crosscheck/internal/validation"
)

var tracer = otel.Tracer("resume-crosscheck/pipeline")

// Repository 分析记录与 chunk 的持久化，storage.MySQL 实现
type Repository interface {
	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	CreateAnalysisWithOutbox(ctx context.Context, a *models.Analysis, msg *models.OutboxMessage) error
	UpdateAnalysisStatus(ctx context.Context, analysisID, status, errMsg string) error
	SaveResult(ctx context.Context, analysisID string, res crosscheck.Result) error
	ReplaceChunks(ctx context.Context, analysisID string, chunkTypes []types.ChunkType, rows []models.AnalysisChunk) error
	GetAnalysis(ctx context.Context, analysisID string) (*models.Analysis, error)
	ListChunks(ctx context.Context, analysisID string) ([]models.AnalysisChunk, error)
}

// ResultCache 合并结果缓存，storage.Redis 实现
type ResultCache interface {
	GetCachedResult(ctx context.Context, textMD5, mode, kind string) (*crosscheck.Result, error)
	CacheResult(ctx context.Context, textMD5, mode, kind string, res crosscheck.Result, ttl time.Duration) error
}

// ChunkEmbedder chunk 向量化，embedding.Pipeline 实现
type ChunkEmbedder interface {
	ProcessChunks(ctx context.Context, chunks []types.Chunk) embedding.Result
}

// kindLabels 段落抽取时每种 schema 读取的语义块
var kindLabels = map[extraction.Kind][]labels.Label{
	extraction.KindProfile: {labels.Profile},
	extraction.KindCareer:  {labels.Career},
	extraction.KindSpec:    {labels.Education, labels.Skills, labels.Projects},
	extraction.KindSummary: {labels.Summary, labels.Strengths},
}

var rawChunkTypes = []types.ChunkType{types.ChunkRawFull, types.ChunkRawSection}

// AnalyzeRequest 一次分析请求
type AnalyzeRequest struct {
	Text     string `json:"text"`
	Filename string `json:"filename"`
	Mode     string `json:"mode,omitempty"` // 空时使用配置的默认模式
	Kind     string `json:"kind,omitempty"` // unified | sections
	Index    bool   `json:"index"`          // 同时生成并向量化 chunk
	Async    bool   `json:"async"`

	// Original 上传的原始文件，配置了对象存储时一并归档
	Original []byte `json:"-"`
}

// IndexSummary chunk 向量化的统计
type IndexSummary struct {
	Success          bool            `json:"success"`
	TotalChunks      int             `json:"total_chunks"`
	EmbeddedChunks   int             `json:"embedded_chunks"`
	FailedChunks     int             `json:"failed_chunks"`
	TotalTokens      int             `json:"total_tokens"`
	IsPartialSuccess bool            `json:"is_partial_success"`
	Warnings         []types.Warning `json:"warnings,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Analysis 对外返回的分析视图
type Analysis struct {
	AnalysisID string             `json:"analysis_id"`
	Status     string             `json:"status"`
	Filename   string             `json:"filename,omitempty"`
	Kind       string             `json:"kind"`
	Mode       string             `json:"mode"`
	Cached     bool               `json:"cached"`
	Result     *crosscheck.Result `json:"result,omitempty"`
	Index      *IndexSummary      `json:"index,omitempty"`
	Chunks     []types.Chunk      `json:"chunks,omitempty"`
	CreatedAt  *time.Time         `json:"created_at,omitempty"`
}

// Service 分析流程。存储相关依赖均可为空，为空时跳过对应步骤
type Service struct {
	orchestrator *extraction.Orchestrator
	merger       *crosscheck.Merger
	validator    *validation.Validator
	segmenter    *segmenter.Segmenter
	chunker      *chunking.Builder
	embedder     ChunkEmbedder

	repo    Repository
	cache   ResultCache
	archive storage.RawTextArchive
	vectors storage.VectorStore

	defaultMode string
	cacheTTL    time.Duration
	jobExchange string
	jobRouting  string

	newID  func() string
	logger zerolog.Logger
}

// Option 服务选项
type Option func(*Service)

// WithRepository 设置持久化
func WithRepository(r Repository) Option {
	return func(s *Service) { s.repo = r }
}

// WithResultCache 设置结果缓存
func WithResultCache(c ResultCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithArchive 设置原文归档
func WithArchive(a storage.RawTextArchive) Option {
	return func(s *Service) { s.archive = a }
}

// WithVectorStore 设置向量库
func WithVectorStore(v storage.VectorStore) Option {
	return func(s *Service) { s.vectors = v }
}

// WithEmbedder 覆盖默认的 chunk 向量化实现
func WithEmbedder(e ChunkEmbedder) Option {
	return func(s *Service) { s.embedder = e }
}

// WithValidator 覆盖默认复核器，测试中用于固定时钟
func WithValidator(v *validation.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIDGenerator 覆盖分析ID生成
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService 创建分析服务
func NewService(orchestrator *extraction.Orchestrator, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		orchestrator: orchestrator,
		defaultMode:  cfg.Extraction.Mode,
		cacheTTL:     config.GetDuration(cfg.Extraction.CacheTTL, 0),
		jobExchange:  cfg.RabbitMQ.JobsExchange,
		jobRouting:   cfg.RabbitMQ.AnalyzeRouting,
		newID:        uuid.NewString,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaultMode == "" {
		s.defaultMode = config.ModeTwoWay
	}
	s.merger = crosscheck.NewMerger(cfg.CrossCheck, s.logger.With().Str("component", "merger").Logger())
	if s.validator == nil {
		s.validator = validation.New(validation.WithLogger(s.logger.With().Str("component", "validator").Logger()))
	}
	s.segmenter = segmenter.New(segmenter.WithLogger(s.logger.With().Str("component", "segmenter").Logger()))
	s.chunker = chunking.NewBuilder(cfg.Chunking, s.logger.With().Str("component", "chunking").Logger())
	if s.embedder == nil {
		s.embedder = embedding.NewPipeline(nil, cfg.Embedding, s.logger, embedding.WithTokenCounter(embedding.EstimateCounter()))
	}
	return s
}

// Segment 返回文档的语义中间表示
func (s *Service) Segment(text, filename string) *segmenter.IR {
	return s.segmenter.Segment(text, filename)
}

// PreviewChunks 只运行分块，不做向量化
func (s *Service) PreviewChunks(data types.Record, rawText string) []types.Chunk {
	return s.chunker.Build(data, rawText)
}

// Providers 已注册的抽取 provider，未配置编排器时为空
func (s *Service) Providers() []string {
	if s.orchestrator == nil {
		return nil
	}
	return s.orchestrator.Available()
}

// DefaultMode 未指定模式时使用的抽取模式
func (s *Service) DefaultMode() string { return s.defaultMode }

func (s *Service) resolveMode(mode string) string {
	if mode == "" {
		return s.defaultMode
	}
	return mode
}

func (s *Service) checkMode(mode string) (string, error) {
	mode = s.resolveMode(mode)
	switch mode {
	case config.ModeTwoWay, config.ModeThreeWay:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: 未知的抽取模式 %q", ErrInvalidRequest, mode)
	}
}

func resolveKind(kind string) (string, error) {
	switch kind {
	case "", constants.AnalysisUnified:
		return constants.AnalysisUnified, nil
	case constants.AnalysisSections:
		return constants.AnalysisSections, nil
	default:
		return "", fmt.Errorf("%w: 未知的分析类型 %q", ErrInvalidRequest, kind)
	}
}

// Extract 用统一 schema 做一次交叉验证抽取。
// 只有没有可用 provider 或文本为空时返回错误，provider 失败体现在结果中
func (s *Service) Extract(ctx context.Context, text, filename, mode string) (crosscheck.Result, error) {
	if strings.TrimSpace(text) == "" {
		return crosscheck.Result{}, ErrEmptyText
	}
	mode = s.resolveMode(mode)

	ctx, span := tracer.Start(ctx, "Pipeline.Extract")
	defer span.End()
	span.SetAttributes(attribute.String("extraction.mode", mode), attribute.Int("text.length", len(text)))

	start := time.Now()
	schema := extraction.Unified()
	responses, err := s.orchestrator.Run(ctx, mode, schema, extraction.BuildMessages(schema, text, filename))
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeProvider)
		return crosscheck.Result{}, err
	}

	res := s.validator.Apply(s.merger.Merge(responses), text, filename)
	res.Mode = mode
	res.SetProcessingTime(time.Since(start))
	span.SetAttributes(attribute.Bool("result.success", res.Success), attribute.Float64("result.confidence", res.Confidence))
	return res, nil
}

type kindResult struct {
	kind   extraction.Kind
	result crosscheck.Result
}

// ExtractSections 先分段，再按 profile/career/spec/summary 各自抽取并合并。
// 某个种类在文档中没有对应段落时退回使用全文
func (s *Service) ExtractSections(ctx context.Context, text, filename, mode string) (crosscheck.Result, error) {
	if strings.TrimSpace(text) == "" {
		return crosscheck.Result{}, ErrEmptyText
	}
	mode = s.resolveMode(mode)
	if _, err := s.orchestrator.SelectProviders(mode); err != nil {
		return crosscheck.Result{}, err
	}

	ctx, span := tracer.Start(ctx, "Pipeline.ExtractSections")
	defer span.End()
	span.SetAttributes(attribute.String("extraction.mode", mode))

	start := time.Now()
	ir := s.segmenter.Segment(text, filename)

	results := make([]kindResult, len(extraction.SectionKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range extraction.SectionKinds {
		schema := extraction.MustSchema(kind)
		sectionText := ir.TextFor(kindLabels[kind]...)
		if strings.TrimSpace(sectionText) == "" {
			sectionText = text
		}
		g.Go(func() error {
			responses, err := s.orchestrator.Run(gctx, mode, schema, extraction.BuildMessages(schema, sectionText, filename))
			if err != nil {
				return err
			}
			res := s.merger.Merge(responses)
			if res.Success {
				res.Data = schema.Project(res.Data)
				for _, finding := range schema.Validate(res.Data) {
					res.Warnings = append(res.Warnings, types.Warning{
						Kind: types.WarnValidation, Field: string(kind), Message: finding, Severity: types.SeverityMedium,
					})
				}
			}
			results[i] = kindResult{kind: kind, result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeProvider)
		return crosscheck.Result{}, err
	}

	combined := combineSections(results)
	res := s.validator.Apply(combined, text, filename)
	res.Mode = mode
	res.SetProcessingTime(time.Since(start))
	s.logger.Info().
		Int("blocks", len(ir.Blocks)).
		Bool("success", res.Success).
		Float64("confidence", res.Confidence).
		Msg("分段抽取完成")
	return res, nil
}

// combineSections 合并各种类的结果：字段取并集，置信度取成功种类的平均值。
// 各种类都会报的告警（单 provider、provider 错误等）只保留一条
func combineSections(results []kindResult) crosscheck.Result {
	out := crosscheck.Result{
		Data:            types.Record{},
		FieldConfidence: map[string]float64{},
	}
	seen := map[types.Warning]bool{}
	var sum float64
	succeeded := 0
	for _, kr := range results {
		for _, w := range kr.result.Warnings {
			if !seen[w] {
				seen[w] = true
				out.Warnings = append(out.Warnings, w)
			}
		}
		if !kr.result.Success {
			continue
		}
		succeeded++
		sum += kr.result.Confidence
		for k, v := range kr.result.Data {
			if existing, ok := out.Data[k]; !ok || existing == nil {
				out.Data[k] = v
			}
		}
		for k, c := range kr.result.FieldConfidence {
			out.FieldConfidence[k] = c
		}
	}
	if succeeded == 0 {
		out.Error = "All LLM providers failed to extract data"
		return out
	}
	out.Success = true
	out.Confidence = sum / float64(succeeded)
	return out
}

func (s *Service) extractByKind(ctx context.Context, kind, text, filename, mode string) (crosscheck.Result, error) {
	if kind == constants.AnalysisSections {
		return s.ExtractSections(ctx, text, filename, mode)
	}
	return s.Extract(ctx, text, filename, mode)
}

// extractCached 先查缓存，未命中时抽取并写回。缓存故障只记录日志
func (s *Service) extractCached(ctx context.Context, kind, text, filename, mode string) (crosscheck.Result, bool, error) {
	textMD5 := storage.TextMD5(text)
	if s.cache != nil && s.cacheTTL > 0 {
		cached, err := s.cache.GetCachedResult(ctx, textMD5, mode, kind)
		if err != nil {
			s.logger.Warn().Err(err).Msg("读取结果缓存失败")
		} else if cached != nil {
			s.logger.Info().Str("md5", textMD5).Str("kind", kind).Msg("命中结果缓存")
			return *cached, true, nil
		}
	}

	res, err := s.extractByKind(ctx, kind, text, filename, mode)
	if err != nil {
		return res, false, err
	}
	if s.cache != nil && s.cacheTTL > 0 && res.Success {
		if err := s.cache.CacheResult(ctx, textMD5, mode, kind, res, s.cacheTTL); err != nil {
			s.logger.Warn().Err(err).Msg("写入结果缓存失败")
		}
	}
	return res, false, nil
}

// Analyze 同步分析：抽取、归档原文、保存结果，按需生成 chunk
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	kind, err := resolveKind(req.Kind)
	if err != nil {
		return nil, err
	}
	mode, err := s.checkMode(req.Mode)
	if err != nil {
		return nil, err
	}
	id := s.newID()
	log := s.logger.With().Str("analysis_id", id).Logger()

	ctx, span := tracer.Start(ctx, "Pipeline.Analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("analysis.id", id),
		attribute.String("analysis.kind", kind),
		attribute.String("resume.filename", tracing.SafeAttributeValue("resume.filename", req.Filename, tracing.MaxFilenameLength)),
	)

	if s.repo != nil {
		record := &models.Analysis{
			AnalysisID:  id,
			Filename:    req.Filename,
			Mode:        mode,
			Kind:        kind,
			Status:      constants.StatusProcessing,
			RawTextMD5:  storage.TextMD5(req.Text),
			IndexChunks: req.Index,
		}
		if s.archive != nil {
			var err error
			if record.RawTextPath, record.OriginalPath, err = s.archiveInputs(ctx, id, req); err != nil {
				tracing.RecordError(span, err, tracing.ErrorTypeObject)
				return nil, NewArchiveError(id, err.Error())
			}
		}
		if err := s.repo.CreateAnalysis(ctx, record); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			return nil, NewStoreError(id, err.Error())
		}
	}

	res, cached, err := s.extractCached(ctx, kind, req.Text, req.Filename, mode)
	if err != nil {
		s.markFailed(ctx, id, err)
		if errors.Is(err, extraction.ErrNoProviders) {
			return nil, err
		}
		return nil, NewExtractError(id, err.Error())
	}

	out := &Analysis{
		AnalysisID: id,
		Status:     statusOf(res),
		Filename:   req.Filename,
		Kind:       kind,
		Mode:       mode,
		Cached:     cached,
		Result:     &res,
	}

	if s.repo != nil {
		if err := s.repo.SaveResult(ctx, id, res); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			return nil, NewStoreError(id, err.Error())
		}
	}

	if req.Index && res.Success {
		// 向量化失败不影响已保存的抽取结果，失败原因记在 Index 中
		summary, chunks, err := s.Index(ctx, id, res.Data, req.Text)
		if err != nil {
			log.Error().Err(err).Msg("生成chunk失败")
			if summary == nil {
				summary = &IndexSummary{}
			}
			summary.Success = false
			summary.Error = err.Error()
		}
		out.Index = summary
		out.Chunks = chunks
	}

	log.Info().
		Str("status", out.Status).
		Bool("cached", cached).
		Float64("confidence", res.Confidence).
		Int64("processing_ms", res.ProcessingMS).
		Msg("分析完成")
	return out, nil
}

func statusOf(res crosscheck.Result) string {
	if res.Success {
		return constants.StatusCompleted
	}
	return constants.StatusFailed
}

func (s *Service) markFailed(ctx context.Context, id string, cause error) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpdateAnalysisStatus(ctx, id, constants.StatusFailed, cause.Error()); err != nil {
		s.logger.Error().Err(err).Str("analysis_id", id).Msg("更新分析状态失败")
	}
}

// Submit 异步分析：分析记录与任务消息在同一事务中写入 outbox，由 relay 发布
func (s *Service) Submit(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	kind, err := resolveKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if s.repo == nil {
		return nil, fmt.Errorf("异步分析需要MySQL: %w", ErrNotConfigured)
	}
	mode, err := s.checkMode(req.Mode)
	if err != nil {
		return nil, err
	}
	id := s.newID()

	ctx, span := tracer.Start(ctx, "Pipeline.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("analysis.id", id))

	msg := storage.AnalysisJobMessage{
		AnalysisID:  id,
		EventType:   constants.EventAnalysisRequested,
		Kind:        kind,
		Mode:        mode,
		Filename:    req.Filename,
		RawTextMD5:  storage.TextMD5(req.Text),
		Index:       req.Index,
		SubmittedAt: time.Now(),
	}
	var originalPath string
	if s.archive != nil {
		var err error
		if msg.RawTextPath, originalPath, err = s.archiveInputs(ctx, id, req); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeObject)
			return nil, NewArchiveError(id, err.Error())
		}
	} else {
		msg.Text = req.Text
	}

	record := &models.Analysis{
		AnalysisID:   id,
		Filename:     req.Filename,
		Mode:         mode,
		Kind:         kind,
		Status:       constants.StatusPending,
		RawTextMD5:   msg.RawTextMD5,
		RawTextPath:  msg.RawTextPath,
		OriginalPath: originalPath,
		IndexChunks:  req.Index,
	}
	if err := s.enqueue(ctx, record, msg); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, err
	}

	s.logger.Info().Str("analysis_id", id).Str("kind", kind).Msg("异步分析任务已提交")
	return &Analysis{AnalysisID: id, Status: constants.StatusPending, Filename: req.Filename, Kind: kind, Mode: mode}, nil
}

// SubmitReindex 异步重建原文 chunk
func (s *Service) SubmitReindex(ctx context.Context, analysisID string) error {
	if s.repo == nil {
		return fmt.Errorf("异步任务需要MySQL: %w", ErrNotConfigured)
	}
	if _, err := s.repo.GetAnalysis(ctx, analysisID); err != nil {
		return err
	}
	msg := storage.AnalysisJobMessage{
		AnalysisID:  analysisID,
		EventType:   constants.EventReindexRequested,
		SubmittedAt: time.Now(),
	}
	return s.enqueue(ctx, nil, msg)
}

func (s *Service) enqueue(ctx context.Context, record *models.Analysis, msg storage.AnalysisJobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return NewPublishError(msg.AnalysisID, err.Error())
	}
	outboxMsg := &models.OutboxMessage{
		AggregateID:      msg.AnalysisID,
		EventType:        msg.EventType,
		Payload:          string(payload),
		TargetExchange:   s.jobExchange,
		TargetRoutingKey: s.jobRouting,
	}

	if record == nil {
		if enq, ok := s.repo.(interface {
			EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error
		}); ok {
			if err := enq.EnqueueOutbox(ctx, outboxMsg); err != nil {
				return NewPublishError(msg.AnalysisID, err.Error())
			}
			return nil
		}
		return fmt.Errorf("当前存储不支持单独写入outbox: %w", ErrNotConfigured)
	}
	if err := s.repo.CreateAnalysisWithOutbox(ctx, record, outboxMsg); err != nil {
		return NewPublishError(msg.AnalysisID, err.Error())
	}
	return nil
}

// Process 执行一条异步任务，由 Worker 调用
func (s *Service) Process(ctx context.Context, msg storage.AnalysisJobMessage) error {
	if msg.EventType == constants.EventReindexRequested {
		_, err := s.Reindex(ctx, msg.AnalysisID)
		return err
	}

	log := s.logger.With().Str("analysis_id", msg.AnalysisID).Logger()
	if s.repo != nil {
		if err := s.repo.UpdateAnalysisStatus(ctx, msg.AnalysisID, constants.StatusProcessing, ""); err != nil {
			if errors.Is(err, storage.ErrAnalysisNotFound) {
				return err
			}
			return NewStoreError(msg.AnalysisID, err.Error())
		}
	}

	text := msg.Text
	if text == "" && msg.RawTextPath != "" {
		if s.archive == nil {
			return NewArchiveError(msg.AnalysisID, "未配置MinIO，无法读取原文")
		}
		var err error
		if text, err = s.archive.GetRawText(ctx, msg.RawTextPath); err != nil {
			return NewArchiveError(msg.AnalysisID, err.Error())
		}
	}

	kind, err := resolveKind(msg.Kind)
	if err != nil {
		s.markFailed(ctx, msg.AnalysisID, err)
		return err
	}
	mode := s.resolveMode(msg.Mode)

	res, _, err := s.extractCached(ctx, kind, text, msg.Filename, mode)
	if err != nil {
		s.markFailed(ctx, msg.AnalysisID, err)
		return NewExtractError(msg.AnalysisID, err.Error())
	}
	if s.repo != nil {
		if err := s.repo.SaveResult(ctx, msg.AnalysisID, res); err != nil {
			return NewStoreError(msg.AnalysisID, err.Error())
		}
	}

	if msg.Index && res.Success {
		if _, _, err := s.Index(ctx, msg.AnalysisID, res.Data, text); err != nil {
			return err
		}
	}
	log.Info().Bool("success", res.Success).Float64("confidence", res.Confidence).Msg("异步分析完成")
	return nil
}

// Index 从结构化记录和原文生成 chunk，向量化后写入向量库并替换数据库中的 chunk
func (s *Service) Index(ctx context.Context, analysisID string, data types.Record, rawText string) (*IndexSummary, []types.Chunk, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Index")
	defer span.End()

	chunks := s.chunker.Build(data, rawText)
	summary, embedded, err := s.embedAndStore(ctx, analysisID, chunks, nil)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
	}
	return summary, embedded, err
}

// Reindex 从归档原文重建 raw_full/raw_section chunk，结构化 chunk 保持不变
func (s *Service) Reindex(ctx context.Context, analysisID string) (*IndexSummary, error) {
	if s.repo == nil || s.archive == nil {
		return nil, fmt.Errorf("重建chunk需要MySQL和MinIO: %w", ErrNotConfigured)
	}
	ctx, span := tracer.Start(ctx, "Pipeline.Reindex")
	defer span.End()
	span.SetAttributes(attribute.String("analysis.id", analysisID))

	a, err := s.repo.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if a.RawTextPath == "" {
		return nil, NewArchiveError(analysisID, "该分析没有归档原文")
	}
	text, err := s.archive.GetRawText(ctx, a.RawTextPath)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObject)
		return nil, NewArchiveError(analysisID, err.Error())
	}

	chunks := s.chunker.BuildRaw(text)
	if s.vectors != nil {
		if err := s.vectors.DeleteByAnalysis(ctx, analysisID, rawChunkTypes); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return nil, NewVectorStoreError(analysisID, err.Error())
		}
	}
	summary, _, err := s.embedAndStore(ctx, analysisID, chunks, rawChunkTypes)
	if err != nil {
		return summary, err
	}
	s.logger.Info().Str("analysis_id", analysisID).Int("chunks", summary.TotalChunks).Msg("原文chunk重建完成")
	return summary, nil
}

// embedAndStore 向量化并保存；chunkTypes 为空表示替换该分析的全部 chunk
func (s *Service) embedAndStore(ctx context.Context, analysisID string, chunks []types.Chunk, chunkTypes []types.ChunkType) (*IndexSummary, []types.Chunk, error) {
	if len(chunks) == 0 {
		return &IndexSummary{Error: "No chunks created"}, nil, nil
	}

	res := s.embedder.ProcessChunks(ctx, chunks)
	summary := &IndexSummary{
		Success:          res.Success,
		TotalChunks:      res.TotalChunks,
		EmbeddedChunks:   res.EmbeddedChunks,
		FailedChunks:     res.FailedChunks,
		TotalTokens:      res.TotalTokens,
		IsPartialSuccess: res.IsPartialSuccess,
		Warnings:         res.Warnings,
		Error:            res.Error,
	}
	if !res.Success {
		return summary, res.Chunks, NewEmbeddingError(analysisID, res.Error)
	}

	pointIDs := make([]string, len(res.Chunks))
	if s.vectors != nil && res.EmbeddedChunks > 0 {
		ids, err := s.vectors.UpsertChunks(ctx, analysisID, res.Chunks)
		if err != nil {
			if errors.Is(err, storage.ErrVectorDBNotConfigured) {
				s.logger.Warn().Msg("未配置向量库，跳过写入")
			} else {
				return summary, res.Chunks, NewVectorStoreError(analysisID, err.Error())
			}
		} else {
			pointIDs = ids
		}
	}

	if s.repo != nil {
		rows := make([]models.AnalysisChunk, 0, len(res.Chunks))
		for i, c := range res.Chunks {
			row, err := models.ChunkFromDomain(analysisID, c, pointIDs[i])
			if err != nil {
				return summary, res.Chunks, NewStoreError(analysisID, err.Error())
			}
			rows = append(rows, row)
		}
		if err := s.repo.ReplaceChunks(ctx, analysisID, chunkTypes, rows); err != nil {
			return summary, res.Chunks, NewStoreError(analysisID, err.Error())
		}
	}
	return summary, res.Chunks, nil
}

// Get 读取已保存的分析结果和 chunk
func (s *Service) Get(ctx context.Context, analysisID string) (*Analysis, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("查询分析需要MySQL: %w", ErrNotConfigured)
	}
	a, err := s.repo.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	out := &Analysis{
		AnalysisID: a.AnalysisID,
		Status:     a.Status,
		Filename:   a.Filename,
		Kind:       a.Kind,
		Mode:       a.Mode,
		CreatedAt:  &a.CreatedAt,
	}
	if a.Status == constants.StatusCompleted || a.Status == constants.StatusFailed {
		res, err := storage.AnalysisResult(a)
		if err != nil {
			return nil, NewStoreError(analysisID, err.Error())
		}
		out.Result = &res
	}

	rows, err := s.repo.ListChunks(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out.Chunks = append(out.Chunks, row.ToDomain())
	}
	return out, nil
}

// archiveInputs 归档原文；归档支持原始文件且请求带了文件时一并保存
func (s *Service) archiveInputs(ctx context.Context, id string, req AnalyzeRequest) (rawPath, originalPath string, err error) {
	if rawPath, err = s.archive.PutRawText(ctx, id, req.Text); err != nil {
		return "", "", err
	}
	originals, ok := s.archive.(storage.OriginalArchive)
	if !ok || len(req.Original) == 0 {
		return rawPath, "", nil
	}
	if originalPath, err = originals.PutOriginal(ctx, id, path.Ext(req.Filename), req.Original); err != nil {
		return "", "", err
	}
	return rawPath, originalPath, nil
}
