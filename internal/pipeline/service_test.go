package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/constants"
	"resume-crosscheck/internal/embedding"
	"resume-crosscheck/internal/extraction"
	"resume-crosscheck/internal/storage"
	"resume-crosscheck/internal/storage/models"
	"resume-crosscheck/internal/types"
)

const sampleResume = `김경민
010-1234-5678 / kim@example.com
■ 경력사항
ABC전자 2019-2023 백엔드 개발
[학력]
서울대학교 컴퓨터공학과
기술스택:
Go, Python`

const sampleFilename = "김경민_이력서.pdf"

// scriptedProvider 按 schema 种类返回预设记录，并记录收到的用户提示
type scriptedProvider struct {
	name    string
	byKind  map[extraction.Kind]types.Record
	mu      sync.Mutex
	prompts map[extraction.Kind]string
	calls   int
}

func newScripted(name string, byKind map[extraction.Kind]types.Record) *scriptedProvider {
	return &scriptedProvider{name: name, byKind: byKind, prompts: map[extraction.Kind]string{}}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Extract(_ context.Context, messages []*schema.Message, s extraction.Schema, _ float32) (*extraction.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.prompts[s.Kind] = messages[len(messages)-1].Content
	content, ok := p.byKind[s.Kind]
	if !ok {
		return nil, fmt.Errorf("no script for %s", s.Kind)
	}
	return &extraction.Completion{Content: content.Clone(), Model: p.name + "-test"}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) prompt(kind extraction.Kind) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[kind]
}

func unifiedRecord(phone string) types.Record {
	return types.Record{
		"name":   "김경민",
		"phone":  phone,
		"email":  "kim@example.com",
		"skills": []any{"Go", "Python", "Java"},
	}
}

func disagreeingProviders() (*scriptedProvider, *scriptedProvider) {
	openai := newScripted(extraction.ProviderOpenAI, map[extraction.Kind]types.Record{
		extraction.KindUnified: unifiedRecord("010-1234-5678"),
	})
	gemini := newScripted(extraction.ProviderGemini, map[extraction.Kind]types.Record{
		extraction.KindUnified: unifiedRecord("010-9999-0000"),
	})
	return openai, gemini
}

func newTestService(t *testing.T, cfg *config.Config, providers []extraction.Provider, opts ...Option) *Service {
	t.Helper()
	orch := extraction.NewOrchestrator(providers)
	return NewService(orch, cfg, opts...)
}

func newTestRepo(t *testing.T) *storage.MySQL {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := storage.OpenDatabase(sqlite.Open(dsn), "test", "sqlite", 1, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// memArchive 内存中的原文归档
type memArchive struct {
	mu        sync.Mutex
	texts     map[string]string
	originals map[string][]byte
}

func (a *memArchive) PutOriginal(_ context.Context, analysisID, fileExt string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.originals == nil {
		a.originals = map[string][]byte{}
	}
	key := storage.OriginalObjectKey(analysisID, fileExt)
	a.originals[key] = data
	return key, nil
}

func (a *memArchive) PutRawText(_ context.Context, analysisID, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.texts == nil {
		a.texts = map[string]string{}
	}
	key := storage.RawTextObjectKey(analysisID)
	a.texts[key] = text
	return key, nil
}

func (a *memArchive) GetRawText(_ context.Context, key string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	text, ok := a.texts[key]
	if !ok {
		return "", fmt.Errorf("object %s not found", key)
	}
	return text, nil
}

// memVectors 记录写入和删除的向量库
type memVectors struct {
	mu      sync.Mutex
	points  map[string]types.Chunk
	deleted [][]types.ChunkType
}

func (v *memVectors) UpsertChunks(_ context.Context, analysisID string, chunks []types.Chunk) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.points == nil {
		v.points = map[string]types.Chunk{}
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		ids[i] = storage.PointID(analysisID, c.Type, c.Index)
		v.points[ids[i]] = c
	}
	return ids, nil
}

func (v *memVectors) DeleteByAnalysis(_ context.Context, _ string, chunkTypes []types.ChunkType) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, chunkTypes)
	return nil
}

type constEmbedder struct{}

func (constEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...einoembedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.2, 0.3}
	}
	return out, nil
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedStrings(context.Context, []string, ...einoembedding.Option) ([][]float64, error) {
	return nil, fmt.Errorf("embedding service unavailable")
}

func testEmbedder(cfg *config.Config) ChunkEmbedder {
	return embedding.NewPipeline(constEmbedder{}, cfg.Embedding, zerolog.Nop(),
		embedding.WithTokenCounter(embedding.EstimateCounter()))
}

func longResume() string {
	return sampleResume + "\n자기소개\n" + strings.Repeat("성실하게 일하는 백엔드 개발자입니다. ", 8)
}

func TestExtractPhoneDisagreementEndToEnd(t *testing.T) {
	openai, gemini := disagreeingProviders()
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini})

	res, err := svc.Extract(context.Background(), sampleResume, sampleFilename, config.ModeTwoWay)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, config.ModeTwoWay, res.Mode)
	assert.Equal(t, "010-1234-5678", res.Data["phone"])
	// 合并后 (1+0.5+1)/3，复核加上 name/phone/email/exp_years/skills 五项的平均加成
	assert.InDelta(t, (1.0+0.5+1.0)/3+(0.2+0.1+0.1)/5, res.Confidence, 1e-9)
	assert.InDelta(t, 0.6, res.FieldConfidence["phone"], 1e-9)
	assert.Equal(t, 1.0, res.FieldConfidence["name"])

	var mismatch []types.Warning
	for _, w := range res.Warnings {
		if w.Kind == types.WarnMismatch {
			mismatch = append(mismatch, w)
		}
	}
	require.Len(t, mismatch, 1)
	assert.Equal(t, "phone", mismatch[0].Field)
	assert.Equal(t, "Values differ: '010-1234-5678' vs '010-9999-0000'", mismatch[0].Message)
	assert.Equal(t, 1, openai.callCount())
	assert.Equal(t, 1, gemini.callCount())
}

func TestExtractErrors(t *testing.T) {
	svc := newTestService(t, config.Default(), nil)

	_, err := svc.Extract(context.Background(), "   ", "", "")
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = svc.Extract(context.Background(), sampleResume, "", "")
	assert.ErrorIs(t, err, extraction.ErrNoProviders)
}

func TestExtractAllProvidersFailed(t *testing.T) {
	broken := newScripted(extraction.ProviderOpenAI, nil)
	svc := newTestService(t, config.Default(), []extraction.Provider{broken})

	res, err := svc.Extract(context.Background(), sampleResume, "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "All LLM providers failed to extract data", res.Error)
	assert.Zero(t, res.Confidence)
}

func sectionScripts() map[extraction.Kind]types.Record {
	return map[extraction.Kind]types.Record{
		extraction.KindProfile: {"name": "김경민", "phone": "010-1234-5678", "email": "kim@example.com", "summary": "ignored"},
		extraction.KindCareer:  {"last_company": "ABC전자"},
		extraction.KindSpec:    {"education_level": "학사", "skills": []any{"Go", "Python", "Java"}},
		extraction.KindSummary: {"summary": "백엔드 개발자"},
	}
}

func TestExtractSectionsScopesTextPerKind(t *testing.T) {
	openai := newScripted(extraction.ProviderOpenAI, sectionScripts())
	gemini := newScripted(extraction.ProviderGemini, sectionScripts())
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini})

	res, err := svc.ExtractSections(context.Background(), sampleResume, sampleFilename, "")
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, "김경민", res.Data["name"])
	assert.Equal(t, "ABC전자", res.Data["last_company"])
	assert.Equal(t, "학사", res.Data["education_level"])
	// profile 结果中越界的字段会被 schema 投影掉
	assert.Equal(t, "백엔드 개발자", res.Data["summary"])

	// profile 1.0，其余三种没有关键字段 0.8，平均后再加复核加成
	assert.InDelta(t, (1.0+0.8*3)/4+(0.2+0.1+0.1)/5, res.Confidence, 1e-9)

	profile := openai.prompt(extraction.KindProfile)
	assert.Contains(t, profile, "kim@example.com")
	assert.NotContains(t, profile, "ABC전자")

	career := openai.prompt(extraction.KindCareer)
	assert.Contains(t, career, "ABC전자")
	assert.NotContains(t, career, "서울대학교")

	spec := openai.prompt(extraction.KindSpec)
	assert.Contains(t, spec, "서울대학교")
	assert.Contains(t, spec, "Go, Python")

	// 文档里没有自我介绍段落，summary 使用全文
	summary := openai.prompt(extraction.KindSummary)
	assert.Contains(t, summary, "ABC전자")
	assert.Contains(t, summary, "서울대학교")

	for _, w := range res.Warnings {
		assert.NotEqual(t, types.WarnValidation, w.Kind, w.Message)
	}
}

func TestExtractSectionsAddsSchemaFindings(t *testing.T) {
	scripts := sectionScripts()
	scripts[extraction.KindSpec] = types.Record{"skills": []any{"Go", "Python", "Java"}}
	openai := newScripted(extraction.ProviderOpenAI, scripts)
	svc := newTestService(t, config.Default(), []extraction.Provider{openai})

	res, err := svc.ExtractSections(context.Background(), sampleResume, sampleFilename, "")
	require.NoError(t, err)

	var found bool
	for _, w := range res.Warnings {
		if w.Kind == types.WarnValidation && w.Message == "Missing Education Level" {
			found = true
			assert.Equal(t, "spec", w.Field)
		}
	}
	assert.True(t, found)
}

// downProvider 每次都返回同一个错误
type downProvider struct{ name string }

func (p downProvider) Name() string { return p.name }

func (p downProvider) Extract(context.Context, []*schema.Message, extraction.Schema, float32) (*extraction.Completion, error) {
	return nil, errors.New("503 service unavailable")
}

func TestExtractSectionsReportsSharedWarningsOnce(t *testing.T) {
	openai := newScripted(extraction.ProviderOpenAI, sectionScripts())
	gemini := downProvider{name: extraction.ProviderGemini}
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini})

	res, err := svc.ExtractSections(context.Background(), sampleResume, sampleFilename, "")
	require.NoError(t, err)
	require.True(t, res.Success)

	counts := map[string]int{}
	for _, w := range res.Warnings {
		counts[w.Kind+"|"+w.Field+"|"+w.Message]++
	}
	for key, n := range counts {
		assert.Equal(t, 1, n, key)
	}

	var providerErrors, singleProvider int
	for _, w := range res.Warnings {
		switch {
		case w.Kind == types.WarnLLMError && w.Field == extraction.ProviderGemini:
			providerErrors++
		case w.Message == "Only one provider available":
			singleProvider++
		}
	}
	assert.Equal(t, 1, providerErrors)
	assert.Equal(t, 1, singleProvider)
}

func TestAnalyzePersistsAndUsesCache(t *testing.T) {
	cfg := config.Default()
	cfg.Extraction.CacheTTL = "1h"
	mr := miniredis.RunT(t)
	cache, err := storage.NewRedisAdapter(&config.RedisConfig{Address: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	repo := newTestRepo(t)

	openai, gemini := disagreeingProviders()
	svc := newTestService(t, cfg, []extraction.Provider{openai, gemini},
		WithRepository(repo), WithResultCache(cache))
	ctx := context.Background()

	first, err := svc.Analyze(ctx, AnalyzeRequest{Text: sampleResume, Filename: sampleFilename})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusCompleted, first.Status)
	assert.False(t, first.Cached)
	assert.Equal(t, constants.AnalysisUnified, first.Kind)

	second, err := svc.Analyze(ctx, AnalyzeRequest{Text: sampleResume, Filename: sampleFilename})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.AnalysisID, second.AnalysisID)
	assert.Equal(t, 1, openai.callCount())
	assert.InDelta(t, first.Result.Confidence, second.Result.Confidence, 1e-9)

	stored, err := svc.Get(ctx, first.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.True(t, stored.Result.Success)
	assert.Equal(t, "010-1234-5678", stored.Result.Data["phone"])
	assert.InDelta(t, first.Result.Confidence, stored.Result.Confidence, 1e-9)
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	openai, gemini := disagreeingProviders()
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini})
	ctx := context.Background()

	_, err := svc.Analyze(ctx, AnalyzeRequest{Text: ""})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = svc.Analyze(ctx, AnalyzeRequest{Text: sampleResume, Mode: "four-way"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Analyze(ctx, AnalyzeRequest{Text: sampleResume, Kind: "partial"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAnalyzeIndexAndReindex(t *testing.T) {
	cfg := config.Default()
	repo := newTestRepo(t)
	archive := &memArchive{}
	vectors := &memVectors{}
	openai, gemini := disagreeingProviders()
	svc := newTestService(t, cfg, []extraction.Provider{openai, gemini},
		WithRepository(repo), WithArchive(archive), WithVectorStore(vectors), WithEmbedder(testEmbedder(cfg)))
	ctx := context.Background()
	text := longResume()

	out, err := svc.Analyze(ctx, AnalyzeRequest{Text: text, Filename: sampleFilename, Index: true})
	require.NoError(t, err)
	require.NotNil(t, out.Index)
	assert.Equal(t, out.Index.TotalChunks, out.Index.EmbeddedChunks)
	assert.Zero(t, out.Index.FailedChunks)
	assert.Len(t, vectors.points, out.Index.TotalChunks)

	var kinds []types.ChunkType
	for _, c := range out.Chunks {
		kinds = append(kinds, c.Type)
	}
	assert.Contains(t, kinds, types.ChunkSkill)
	assert.Contains(t, kinds, types.ChunkRawFull)

	stored, err := svc.Get(ctx, out.AnalysisID)
	require.NoError(t, err)
	assert.Len(t, stored.Chunks, len(out.Chunks))

	a, err := repo.GetAnalysis(ctx, out.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, storage.RawTextObjectKey(out.AnalysisID), a.RawTextPath)
	assert.Empty(t, a.OriginalPath)
	assert.Equal(t, len(out.Chunks), a.ChunkCount)
	assert.Equal(t, len(out.Chunks), a.EmbeddedChunks)

	summary, err := svc.Reindex(ctx, out.AnalysisID)
	require.NoError(t, err)
	rawCount := 0
	for _, c := range out.Chunks {
		if c.Type.IsRaw() {
			rawCount++
		}
	}
	assert.Equal(t, rawCount, summary.TotalChunks)
	require.Len(t, vectors.deleted, 1)
	assert.Equal(t, []types.ChunkType{types.ChunkRawFull, types.ChunkRawSection}, vectors.deleted[0])

	after, err := svc.Get(ctx, out.AnalysisID)
	require.NoError(t, err)
	assert.Len(t, after.Chunks, len(out.Chunks))
}

func TestAnalyzeArchivesOriginalUpload(t *testing.T) {
	repo := newTestRepo(t)
	archive := &memArchive{}
	openai, gemini := disagreeingProviders()
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini},
		WithRepository(repo), WithArchive(archive))
	ctx := context.Background()

	original := []byte("%PDF-1.4 원본")
	out, err := svc.Analyze(ctx, AnalyzeRequest{Text: sampleResume, Filename: "이력서.PDF", Original: original})
	require.NoError(t, err)

	a, err := repo.GetAnalysis(ctx, out.AnalysisID)
	require.NoError(t, err)
	key := storage.OriginalObjectKey(out.AnalysisID, ".PDF")
	assert.Equal(t, "analysis/"+out.AnalysisID+"/original.pdf", key)
	assert.Equal(t, key, a.OriginalPath)
	assert.Equal(t, original, archive.originals[key])
}

func TestAnalyzeKeepsResultWhenEmbeddingFails(t *testing.T) {
	cfg := config.Default()
	zero := 0
	cfg.Embedding.MaxRetries = &zero
	repo := newTestRepo(t)
	openai, gemini := disagreeingProviders()
	embedder := embedding.NewPipeline(failingEmbedder{}, cfg.Embedding, zerolog.Nop(),
		embedding.WithTokenCounter(embedding.EstimateCounter()))
	svc := newTestService(t, cfg, []extraction.Provider{openai, gemini},
		WithRepository(repo), WithEmbedder(embedder))
	ctx := context.Background()

	out, err := svc.Analyze(ctx, AnalyzeRequest{Text: longResume(), Filename: sampleFilename, Index: true})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Success)
	assert.Equal(t, constants.StatusCompleted, out.Status)

	require.NotNil(t, out.Index)
	assert.False(t, out.Index.Success)
	assert.Zero(t, out.Index.EmbeddedChunks)
	assert.Equal(t, out.Index.TotalChunks, out.Index.FailedChunks)
	assert.Contains(t, out.Index.Error, "All chunk embeddings failed")

	stored, err := svc.Get(ctx, out.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, out.Result.Data["phone"], stored.Result.Data["phone"])
}

func TestReindexRequiresStorage(t *testing.T) {
	svc := newTestService(t, config.Default(), nil)
	_, err := svc.Reindex(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSubmitWritesOutboxAndWorkerProcesses(t *testing.T) {
	repo := newTestRepo(t)
	openai, gemini := disagreeingProviders()
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini}, WithRepository(repo))
	ctx := context.Background()

	sub, err := svc.Submit(ctx, AnalyzeRequest{Text: sampleResume, Filename: sampleFilename, Async: true})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusPending, sub.Status)
	assert.Zero(t, openai.callCount())

	var outbox []models.OutboxMessage
	require.NoError(t, repo.DB().Find(&outbox).Error)
	require.Len(t, outbox, 1)
	assert.Equal(t, sub.AnalysisID, outbox[0].AggregateID)
	assert.Equal(t, constants.EventAnalysisRequested, outbox[0].EventType)
	assert.Equal(t, "resume.analyze", outbox[0].TargetRoutingKey)

	var msg storage.AnalysisJobMessage
	require.NoError(t, json.Unmarshal([]byte(outbox[0].Payload), &msg))
	assert.Equal(t, sampleResume, msg.Text)

	pending, err := svc.Get(ctx, sub.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusPending, pending.Status)
	assert.Nil(t, pending.Result)

	w := NewWorker(svc, nil, nil, config.Default().RabbitMQ, zerolog.Nop())
	assert.True(t, w.HandleMessage(ctx, []byte(outbox[0].Payload)))

	done, err := svc.Get(ctx, sub.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "010-1234-5678", done.Result.Data["phone"])
}

func TestSubmitRequiresRepository(t *testing.T) {
	openai, gemini := disagreeingProviders()
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini})
	_, err := svc.Submit(context.Background(), AnalyzeRequest{Text: sampleResume})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
