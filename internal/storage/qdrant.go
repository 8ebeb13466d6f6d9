package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/tracing"
	"resume-crosscheck/internal/types"
)

var qdrantTracer = otel.Tracer("resume-crosscheck/storage/qdrant")

// QdrantPointIDNamespace 同一分析的同一 chunk 总是得到同一个 point ID
var QdrantPointIDNamespace = uuid.Must(uuid.FromString("3b0e6a52-7f1d-4c8e-9a41-d2f6c8b15e07"))

// ErrVectorDBNotConfigured 未配置向量库
var ErrVectorDBNotConfigured = errors.New("vector database not configured")

const (
	payloadContentLimit = 1000
	errorBodyLimit      = 500
)

// VectorStore chunk 向量的写入与删除
type VectorStore interface {
	// UpsertChunks 写入带向量的 chunk，返回与输入对齐的 point ID，无向量的位置为空串
	UpsertChunks(ctx context.Context, analysisID string, chunks []types.Chunk) ([]string, error)
	// DeleteByAnalysis 删除分析的 point，chunkTypes 为空时删除全部
	DeleteByAnalysis(ctx context.Context, analysisID string, chunkTypes []types.ChunkType) error
}

var _ VectorStore = (*Qdrant)(nil)

// Qdrant REST API 的请求体
type (
	vectorParams struct {
		Size     int    `json:"size"`
		Distance string `json:"distance"`
	}
	createCollectionBody struct {
		Vectors    vectorParams   `json:"vectors"`
		Optimizers map[string]int `json:"optimizers_config,omitempty"`
	}
	qdrantPoint struct {
		ID      string         `json:"id"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}
	fieldCondition struct {
		Key   string         `json:"key"`
		Match map[string]any `json:"match"`
	}
	deleteBody struct {
		Filter struct {
			Must []fieldCondition `json:"must"`
		} `json:"filter"`
	}
	collectionInfo struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors vectorParams `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
)

// Qdrant 通过 HTTP API 访问的 chunk 向量库
type Qdrant struct {
	baseURL    string
	collection string
	vectors    vectorParams
	apiKey     string
	client     *http.Client
	logger     zerolog.Logger
}

// QdrantOption Qdrant 构造选项
type QdrantOption func(*Qdrant)

func WithDistanceMetric(metric string) QdrantOption {
	return func(q *Qdrant) { q.vectors.Distance = metric }
}

func WithHttpTimeout(timeout time.Duration) QdrantOption {
	return func(q *Qdrant) { q.client = &http.Client{Timeout: timeout} }
}

// NewQdrant 创建客户端，集合不存在时按配置维度创建
func NewQdrant(cfg *config.QdrantConfig, zl zerolog.Logger, opts ...QdrantOption) (*Qdrant, error) {
	if cfg == nil {
		return nil, errors.New("qdrant配置不能为空")
	}
	q := &Qdrant{
		baseURL:    orDefault(cfg.Endpoint, "http://localhost:6333"),
		collection: orDefault(cfg.Collection, "resume_chunks"),
		vectors:    vectorParams{Size: cfg.Dimension, Distance: "Cosine"},
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     zl.With().Str("component", "qdrant").Logger(),
	}
	if q.vectors.Size <= 0 {
		q.vectors.Size = 1536
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.ensureCollection(context.Background()); err != nil {
		return nil, fmt.Errorf("准备集合 %s 失败: %w", q.collection, err)
	}
	q.logger.Info().Str("endpoint", q.baseURL).Str("collection", q.collection).Msg("Qdrant已就绪")
	return q, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (q *Qdrant) startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return qdrantTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "qdrant"),
			attribute.String("db.operation", op),
			attribute.String("db.collection", q.collection),
		))
}

// ensureCollection 已有集合的维度或距离不一致时只告警，不重建
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	ctx, span := q.startSpan(ctx, "Qdrant.EnsureCollection", "get_collection")
	defer span.End()

	var info collectionInfo
	status, err := q.call(ctx, http.MethodGet, "/collections/"+q.collection, nil, &info)
	switch {
	case status == http.StatusNotFound:
		span.AddEvent("collection_not_found")
		body := createCollectionBody{Vectors: q.vectors, Optimizers: map[string]int{"default_segment_number": 2}}
		if _, err := q.call(ctx, http.MethodPut, "/collections/"+q.collection, body, nil); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return fmt.Errorf("创建集合失败: %w", err)
		}
		q.logger.Info().Str("collection", q.collection).Int("dimension", q.vectors.Size).Msg("已创建Qdrant集合")
	case err != nil:
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return err
	case info.Result.Config.Params.Vectors != q.vectors:
		got := info.Result.Config.Params.Vectors
		span.AddEvent("collection_config_mismatch")
		q.logger.Warn().
			Int("existing_size", got.Size).Str("existing_distance", got.Distance).
			Int("size", q.vectors.Size).Str("distance", q.vectors.Distance).
			Msg("现有集合配置与当前配置不一致")
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// PointID 由分析ID、chunk 类型和序号生成确定性的 point ID
func PointID(analysisID string, chunkType types.ChunkType, index int) string {
	source := fmt.Sprintf("analysis_id:%s_chunk:%s_%d", analysisID, chunkType, index)
	return uuid.NewV5(QdrantPointIDNamespace, source).String()
}

// UpsertChunks 只写入带向量的 chunk
func (q *Qdrant) UpsertChunks(ctx context.Context, analysisID string, chunks []types.Chunk) ([]string, error) {
	ctx, span := q.startSpan(ctx, "Qdrant.UpsertChunks", "upsert_points")
	defer span.End()
	span.SetAttributes(attribute.String("analysis.id", analysisID), attribute.Int("chunks.count", len(chunks)))

	ids := make([]string, len(chunks))
	var points []qdrantPoint
	for i, c := range chunks {
		if !c.HasEmbedding() {
			continue
		}
		if len(c.Embedding) != q.vectors.Size {
			err := fmt.Errorf("向量维度(%d)与配置维度(%d)不匹配", len(c.Embedding), q.vectors.Size)
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return nil, err
		}
		ids[i] = PointID(analysisID, c.Type, c.Index)
		points = append(points, qdrantPoint{ID: ids[i], Vector: c.Embedding, Payload: chunkPayload(analysisID, c)})
	}

	span.SetAttributes(attribute.Int("points.count", len(points)))
	if len(points) == 0 {
		return ids, nil
	}
	path := "/collections/" + q.collection + "/points?wait=true"
	if _, err := q.call(ctx, http.MethodPut, path, map[string][]qdrantPoint{"points": points}, nil); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("写入向量失败: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return ids, nil
}

// chunkPayload 元数据只保留标量值，Qdrant 过滤只用得到这些
func chunkPayload(analysisID string, c types.Chunk) map[string]any {
	payload := map[string]any{
		"analysis_id":  analysisID,
		"chunk_type":   string(c.Type),
		"chunk_index":  c.Index,
		"content_text": clip(c.Content, payloadContentLimit),
		"source":       "resume",
	}
	for k, v := range c.Metadata {
		switch v.(type) {
		case string, bool, int, int64, float64:
			payload[k] = v
		}
	}
	return payload
}

// DeleteByAnalysis 按 analysis_id 删除，可再按 chunk_type 限定
func (q *Qdrant) DeleteByAnalysis(ctx context.Context, analysisID string, chunkTypes []types.ChunkType) error {
	ctx, span := q.startSpan(ctx, "Qdrant.DeleteByAnalysis", "delete_points")
	defer span.End()
	span.SetAttributes(attribute.String("analysis.id", analysisID))

	var body deleteBody
	body.Filter.Must = []fieldCondition{{Key: "analysis_id", Match: map[string]any{"value": analysisID}}}
	if len(chunkTypes) > 0 {
		names := make([]string, len(chunkTypes))
		for i, t := range chunkTypes {
			names[i] = string(t)
		}
		body.Filter.Must = append(body.Filter.Must, fieldCondition{Key: "chunk_type", Match: map[string]any{"any": names}})
	}

	path := "/collections/" + q.collection + "/points/delete?wait=true"
	if _, err := q.call(ctx, http.MethodPost, path, body, nil); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("删除向量失败: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// call 发送 JSON 请求，2xx 时把响应解到 out。总是返回拿到的 HTTP 状态码
func (q *Qdrant) call(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("qdrant %s %s 返回 %d: %s", method, path, resp.StatusCode, clip(string(raw), errorBodyLimit))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("解析qdrant响应失败: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// clip 按字符截断，超长时以 ... 结尾
func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
