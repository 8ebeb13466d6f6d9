package extraction

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// structuredGenerator 支持 response_format 的聊天模型
type structuredGenerator interface {
	GenerateStructured(ctx context.Context, messages []*schema.Message, format *ResponseFormat, opts ...model.Option) (*schema.Message, error)
}

// ChatModelProvider 基于 eino model.ChatModel 的抽取 provider
type ChatModelProvider struct {
	name      string
	modelName string
	chat      model.ChatModel
}

// NewChatModelProvider 包装一个聊天模型
func NewChatModelProvider(name, modelName string, chat model.ChatModel) *ChatModelProvider {
	return &ChatModelProvider{name: name, modelName: modelName, chat: chat}
}

// Name 实现 Provider
func (p *ChatModelProvider) Name() string { return p.name }

// Extract 实现 Provider。模型支持结构化输出时使用 strict json_schema，否则把 schema 写进 system 提示
func (p *ChatModelProvider) Extract(ctx context.Context, messages []*schema.Message, s Schema, temperature float32) (*Completion, error) {
	opts := []model.Option{model.WithTemperature(temperature)}

	var (
		msg *schema.Message
		err error
	)
	if sg, ok := p.chat.(structuredGenerator); ok {
		format := &ResponseFormat{Type: "json_schema", JSONSchema: s.Document()}
		msg, err = sg.GenerateStructured(ctx, messages, format, opts...)
	} else {
		msg, err = p.chat.Generate(ctx, withSchemaInstruction(messages, s), opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("%s 调用失败: %w", p.name, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%s 返回空消息", p.name)
	}

	content, err := ParseContent(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("%s 输出解析失败: %w", p.name, err)
	}

	modelName := p.modelName
	if m, ok := msg.Extra["model"].(string); ok && m != "" {
		modelName = m
	}
	return &Completion{Content: content, RawText: msg.Content, Model: modelName}, nil
}

// withSchemaInstruction 复制消息并在 system 提示末尾追加 schema 说明
func withSchemaInstruction(messages []*schema.Message, s Schema) []*schema.Message {
	system, rest := splitMessages(messages)
	out := make([]*schema.Message, 0, len(rest)+1)
	out = append(out, schema.SystemMessage(system+schemaInstruction(s)))
	return append(out, rest...)
}
