package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
)

const defaultClaudeModel = "claude-3-5-sonnet-20241022"

// LangchainProvider 基于 langchaingo llms.Model 的抽取 provider，默认用于 Claude
type LangchainProvider struct {
	name      string
	modelName string
	llm       llms.Model
}

// NewClaudeProvider 通过 langchaingo 的 anthropic 适配器创建 Claude provider
func NewClaudeProvider(apiKey, modelName string) (*LangchainProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: anthropic API 密钥不能为空", ErrProviderNotConfigured)
	}
	if modelName == "" {
		modelName = defaultClaudeModel
	}
	llm, err := anthropic.New(anthropic.WithModel(modelName), anthropic.WithToken(apiKey))
	if err != nil {
		return nil, fmt.Errorf("创建 anthropic 客户端失败: %w", err)
	}
	return NewLangchainProvider(ProviderClaude, modelName, llm), nil
}

// NewLangchainProvider 包装任意 llms.Model
func NewLangchainProvider(name, modelName string, llm llms.Model) *LangchainProvider {
	return &LangchainProvider{name: name, modelName: modelName, llm: llm}
}

// Name 实现 Provider
func (p *LangchainProvider) Name() string { return p.name }

// Extract 实现 Provider
func (p *LangchainProvider) Extract(ctx context.Context, messages []*schema.Message, s Schema, temperature float32) (*Completion, error) {
	system, rest := splitMessages(messages)

	content := make([]llms.MessageContent, 0, len(rest)+1)
	content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, system+schemaInstruction(s)))
	for _, m := range rest {
		msgType := llms.ChatMessageTypeHuman
		if m.Role == schema.Assistant {
			msgType = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(msgType, m.Content))
	}

	resp, err := p.llm.GenerateContent(ctx, content,
		llms.WithTemperature(float64(temperature)),
		llms.WithMaxTokens(8192),
	)
	if err != nil {
		return nil, fmt.Errorf("%s generate: %w", p.name, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s 返回空结果", p.name)
	}

	text := resp.Choices[0].Content
	record, err := ParseContent(text)
	if err != nil {
		return nil, fmt.Errorf("%s 输出解析失败: %w", p.name, err)
	}
	return &Completion{Content: record, RawText: text, Model: p.modelName}, nil
}
