// Package embedding 把 chunk 文本转换为向量：OpenAI 兼容的 embedder、重试退避和 token 统计。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"

	"resume-crosscheck/internal/config"
)

// ErrEmptyAPIKey 未配置 embedding 密钥
var ErrEmptyAPIKey = errors.New("embedding API密钥不能为空")

// OpenAIEmbedder 实现 embedding.Embedder 接口 (OpenAI 兼容 /v1/embeddings)
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// NewOpenAIEmbedder 创建 embedder
func NewOpenAIEmbedder(cfg config.EmbeddingConfig, logger zerolog.Logger) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrEmptyAPIKey
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1/embeddings"
	}
	return &OpenAIEmbedder{
		apiKey:     cfg.APIKey,
		model:      model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{},
		baseURL:    baseURL,
		logger:     logger.With().Str("component", "embedder").Logger(),
	}, nil
}

// WithHTTPClient 替换 HTTP 客户端
func (a *OpenAIEmbedder) WithHTTPClient(c *http.Client) *OpenAIEmbedder {
	a.httpClient = c
	return a
}

// GetDimensions 返回配置的维度
func (a *OpenAIEmbedder) GetDimensions() int {
	return a.dimensions
}

// embeddingRequest OpenAI 兼容请求
type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

// embeddingResponse OpenAI 兼容响应
type embeddingResponse struct {
	Object string         `json:"object"`
	Data   []dataEntry    `json:"data"`
	Model  string         `json:"model"`
	Usage  usage          `json:"usage"`
	Error  *responseError `json:"error,omitempty"`
}

type dataEntry struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// responseError 200 状态码也可能带的错误体
type responseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// EmbedStrings 实现 eino embedding.Embedder；结果按请求下标排列
func (a *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	options := embedding.GetCommonOptions(&embedding.Options{}, opts...)
	effectiveModel := a.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	reqBody := embeddingRequest{Input: texts, Model: effectiveModel, EncodingFormat: "float"}
	if a.dimensions > 0 {
		reqBody.Dimensions = a.dimensions
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	a.logger.Debug().Int("texts", len(texts)).Str("model", effectiveModel).Msg("发送embedding请求")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var wrapped struct {
			Error responseError `json:"error"`
		}
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error.Message != "" {
			return nil, fmt.Errorf("API调用失败, 状态码: %d, 类型: %s, 错误: %s", resp.StatusCode, wrapped.Error.Type, wrapped.Error.Message)
		}
		return nil, fmt.Errorf("API调用失败, 状态码: %d, 响应: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析响应JSON失败: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("API返回错误: 类型=%s, 消息='%s', Code=%s", parsed.Error.Type, parsed.Error.Message, parsed.Error.Code)
	}

	out := make([][]float64, len(texts))
	for _, entry := range parsed.Data {
		if entry.Index < 0 || entry.Index >= len(texts) {
			return nil, fmt.Errorf("响应下标越界: %d", entry.Index)
		}
		out[entry.Index] = entry.Embedding
	}

	a.logger.Debug().
		Int("texts", len(texts)).
		Int("dim", firstEmbeddingDim(out)).
		Int("total_tokens", parsed.Usage.TotalTokens).
		Msg("embedding完成")
	return out, nil
}

var _ embedding.Embedder = (*OpenAIEmbedder)(nil)

func firstEmbeddingDim(embeddings [][]float64) int {
	for _, e := range embeddings {
		if len(e) > 0 {
			return len(e)
		}
	}
	return 0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
