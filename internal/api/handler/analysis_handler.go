package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"

	"resume-crosscheck/internal/extraction"
	"resume-crosscheck/internal/parser"
	"resume-crosscheck/internal/pipeline"
	"resume-crosscheck/internal/storage"
	"resume-crosscheck/internal/types"
)

// DefaultMaxUploadSize 上传文件大小上限
const DefaultMaxUploadSize int64 = 10 << 20

// AnalysisHandler 简历分析相关的 HTTP 处理器
type AnalysisHandler struct {
	service       *pipeline.Service
	extractor     parser.TextExtractor
	maxUploadSize int64
	logger        zerolog.Logger
}

// NewAnalysisHandler 创建处理器，extractor 为 nil 时上传接口只接受纯文本
func NewAnalysisHandler(service *pipeline.Service, extractor parser.TextExtractor, logger zerolog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		service:       service,
		extractor:     extractor,
		maxUploadSize: DefaultMaxUploadSize,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// SegmentRequest 分段请求
type SegmentRequest struct {
	Text     string `json:"text"`
	Filename string `json:"filename"`
}

// PreviewChunksRequest chunk 预览请求
type PreviewChunksRequest struct {
	Data types.Record `json:"data"`
	Text string       `json:"text"`
}

// Analyze POST /analyses
func (h *AnalysisHandler) Analyze(c context.Context, ctx *app.RequestContext) {
	var req pipeline.AnalyzeRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体不是有效的JSON"})
		return
	}
	h.runAnalysis(c, ctx, req)
}

// Upload POST /analyses/upload，multipart 字段 file 以及可选的 mode/kind/index/async
func (h *AnalysisHandler) Upload(c context.Context, ctx *app.RequestContext) {
	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "文件未找到"})
		return
	}
	if fileHeader.Size > h.maxUploadSize {
		ctx.JSON(consts.StatusRequestEntityTooLarge, utils.H{"error": fmt.Sprintf("文件超过大小限制 %d 字节", h.maxUploadSize)})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "打开文件失败"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadSize+1))
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "读取文件失败"})
		return
	}

	text, err := h.extractText(c, data, fileHeader.Filename)
	if err != nil {
		h.logger.Warn().Err(err).Str("filename", fileHeader.Filename).Msg("提取上传文件文本失败")
		h.writeError(ctx, err)
		return
	}

	req := pipeline.AnalyzeRequest{
		Text:     text,
		Filename: fileHeader.Filename,
		Mode:     ctx.PostForm("mode"),
		Kind:     ctx.PostForm("kind"),
		Original: data,
	}
	if req.Index, err = formBool(ctx, "index"); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	if req.Async, err = formBool(ctx, "async"); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	h.runAnalysis(c, ctx, req)
}

func (h *AnalysisHandler) extractText(c context.Context, data []byte, filename string) (string, error) {
	if h.extractor == nil {
		return parser.DecodePlainText(data)
	}
	return h.extractor.ExtractText(c, data, filename)
}

func (h *AnalysisHandler) runAnalysis(c context.Context, ctx *app.RequestContext, req pipeline.AnalyzeRequest) {
	if req.Async {
		analysis, err := h.service.Submit(c, req)
		if err != nil {
			h.writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusAccepted, analysis)
		return
	}

	analysis, err := h.service.Analyze(c, req)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, analysis)
}

// GetAnalysis GET /analyses/:id
func (h *AnalysisHandler) GetAnalysis(c context.Context, ctx *app.RequestContext) {
	analysis, err := h.service.Get(c, ctx.Param("id"))
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, analysis)
}

// Reindex POST /analyses/:id/reindex，?async=true 时走队列
func (h *AnalysisHandler) Reindex(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	async, err := strconv.ParseBool(ctx.DefaultQuery("async", "false"))
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "async 参数无效"})
		return
	}

	if async {
		if err := h.service.SubmitReindex(c, id); err != nil {
			h.writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusAccepted, utils.H{"analysis_id": id, "status": "queued"})
		return
	}

	summary, err := h.service.Reindex(c, id)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"analysis_id": id, "index": summary})
}

// Segment POST /segment，只做规则分段，不调用 LLM
func (h *AnalysisHandler) Segment(c context.Context, ctx *app.RequestContext) {
	var req SegmentRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体不是有效的JSON"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.writeError(ctx, pipeline.ErrEmptyText)
		return
	}
	ctx.JSON(consts.StatusOK, h.service.Segment(req.Text, req.Filename))
}

// PreviewChunks POST /chunks/preview
func (h *AnalysisHandler) PreviewChunks(c context.Context, ctx *app.RequestContext) {
	var req PreviewChunksRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体不是有效的JSON"})
		return
	}
	if len(req.Data) == 0 && strings.TrimSpace(req.Text) == "" {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "data 和 text 不能同时为空"})
		return
	}
	chunks := h.service.PreviewChunks(req.Data, req.Text)
	ctx.JSON(consts.StatusOK, utils.H{"chunks": chunks, "total": len(chunks)})
}

// Health GET /health，没有任何 provider 时状态为 degraded
func (h *AnalysisHandler) Health(c context.Context, ctx *app.RequestContext) {
	providers := h.service.Providers()
	status := "ok"
	if len(providers) == 0 {
		status = "degraded"
		providers = []string{}
	}
	ctx.JSON(consts.StatusOK, utils.H{
		"status":       status,
		"providers":    providers,
		"default_mode": h.service.DefaultMode(),
	})
}

func (h *AnalysisHandler) writeError(ctx *app.RequestContext, err error) {
	status := StatusFor(err)
	if status >= consts.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("请求处理失败")
	}
	ctx.JSON(status, utils.H{"error": err.Error()})
}

// StatusFor 把业务错误映射为 HTTP 状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyText),
		errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, parser.ErrUnsupportedFormat),
		errors.Is(err, parser.ErrEmptyDocument):
		return consts.StatusBadRequest
	case errors.Is(err, storage.ErrAnalysisNotFound):
		return consts.StatusNotFound
	case errors.Is(err, pipeline.ErrNotConfigured),
		errors.Is(err, extraction.ErrNoProviders):
		return consts.StatusServiceUnavailable
	default:
		return consts.StatusInternalServerError
	}
}

func formBool(ctx *app.RequestContext, key string) (bool, error) {
	v := ctx.PostForm(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s 参数无效: %q", key, v)
	}
	return b, nil
}
