package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash"

// textGenerator 只接受一段 system 提示和一段用户文本的模型
type textGenerator interface {
	GenerateText(ctx context.Context, system, user string, temperature float32) (string, error)
}

// genaiGenerator 通过 Google Generative AI SDK 调用 Gemini
type genaiGenerator struct {
	client    *genai.Client
	modelName string
}

func (g *genaiGenerator) GenerateText(ctx context.Context, system, user string, temperature float32) (string, error) {
	m := g.client.GenerativeModel(g.modelName)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}
	m.SetTemperature(temperature)
	m.ResponseMIMEType = "application/json"

	resp, err := m.GenerateContent(ctx, genai.Text(user))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

// GeminiProvider Gemini 抽取 provider，schema 通过 system 提示约束
type GeminiProvider struct {
	gen       textGenerator
	modelName string
	closer    func() error
}

// NewGeminiProvider 创建 Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey, modelName string) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: gemini API 密钥不能为空", ErrProviderNotConfigured)
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("创建 gemini 客户端失败: %w", err)
	}
	p := newGeminiProvider(&genaiGenerator{client: cl, modelName: modelName}, modelName)
	p.closer = cl.Close
	return p, nil
}

func newGeminiProvider(gen textGenerator, modelName string) *GeminiProvider {
	return &GeminiProvider{gen: gen, modelName: modelName}
}

// Name 实现 Provider
func (p *GeminiProvider) Name() string { return ProviderGemini }

// Close 释放底层客户端
func (p *GeminiProvider) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

// Extract 实现 Provider
func (p *GeminiProvider) Extract(ctx context.Context, messages []*schema.Message, s Schema, temperature float32) (*Completion, error) {
	system, rest := splitMessages(messages)
	text, err := p.gen.GenerateText(ctx, system+schemaInstruction(s), joinContents(rest), temperature)
	if err != nil {
		return nil, err
	}
	content, err := ParseContent(text)
	if err != nil {
		return nil, fmt.Errorf("gemini 输出解析失败: %w", err)
	}
	return &Completion{Content: content, RawText: text, Model: p.modelName}, nil
}

func joinContents(messages []*schema.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}
