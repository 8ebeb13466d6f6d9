package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

const (
	defaultOpenAIURL   = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel = "gpt-4o"
)

// --- OpenAI Compatible Structures ---

// ResponseFormat chat completions 的 response_format 字段
type ResponseFormat struct {
	Type       string         `json:"type"` // json_object 或 json_schema
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type chatCompletionChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
}

// OpenAIChatModel 实现 model.ChatModel，调用 OpenAI 兼容的 chat completions 接口
type OpenAIChatModel struct {
	apiKey     string
	modelName  string
	apiURL     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewOpenAIChatModel 创建 OpenAI 兼容的聊天模型，modelName/apiURL 为空时使用默认值
func NewOpenAIChatModel(apiKey, modelName, apiURL string, logger zerolog.Logger) (*OpenAIChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: API 密钥不能为空", ErrProviderNotConfigured)
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = defaultOpenAIModel
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = defaultOpenAIURL
	}

	logger.Info().Str("api_url", apiURL).Str("model", modelName).Msg("使用 OpenAI 兼容 LLM 客户端")

	return &OpenAIChatModel{
		apiKey:     apiKey,
		modelName:  modelName,
		apiURL:     apiURL,
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

// WithHTTPClient 替换 HTTP 客户端
func (m *OpenAIChatModel) WithHTTPClient(c *http.Client) *OpenAIChatModel {
	if c != nil {
		m.httpClient = c
	}
	return m
}

// ModelName 实际使用的模型名称
func (m *OpenAIChatModel) ModelName() string { return m.modelName }

// Generate 实现 model.ChatModel 接口
func (m *OpenAIChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return m.GenerateStructured(ctx, messages, nil, opts...)
}

// GenerateStructured 带 response_format 的 Generate
func (m *OpenAIChatModel) GenerateStructured(ctx context.Context, messages []*schema.Message, format *ResponseFormat, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Model: &m.modelName}, opts...)

	reqPayload := chatCompletionRequest{
		Model:          m.modelName,
		Temperature:    options.Temperature,
		MaxTokens:      options.MaxTokens,
		ResponseFormat: format,
	}
	if options.Model != nil && *options.Model != "" {
		reqPayload.Model = *options.Model
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		reqPayload.Messages = append(reqPayload.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	m.logger.Debug().Str("api_url", m.apiURL).Str("model", reqPayload.Model).Int("messages", len(reqPayload.Messages)).Msg("发送 chat completions 请求")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API 请求失败，状态 %s: %s", httpResp.Status, truncate(string(bodyBytes), 500))
	}

	var apiResp chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("从 API 收到空选项: %s", truncate(string(bodyBytes), 500))
	}

	choice := apiResp.Choices[0].Message
	content := ""
	if choice.Content != nil {
		content = *choice.Content
	}
	role := schema.RoleType(choice.Role)
	if role == "" {
		role = schema.Assistant
	}

	result := &schema.Message{Role: role, Content: content}
	if apiResp.Model != "" {
		result.Extra = map[string]any{"model": apiResp.Model}
	}
	return result, nil
}

// Stream 实现 model.ChatModel 接口，抽取场景不需要流式输出
func (m *OpenAIChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OpenAIChatModel 不支持 Stream")
}

// BindTools 实现 model.ChatModel 接口，抽取场景不使用工具
func (m *OpenAIChatModel) BindTools(tools []*schema.ToolInfo) error {
	if len(tools) > 0 {
		m.logger.Warn().Int("tools", len(tools)).Msg("OpenAIChatModel 忽略绑定的工具")
	}
	return nil
}

var _ model.ChatModel = (*OpenAIChatModel)(nil)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
