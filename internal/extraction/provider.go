package extraction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/schema"

	"resume-crosscheck/internal/types"
)

// provider 名称，同时也是合并时的优先级键
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderClaude = "claude"
)

var (
	// ErrNoProviders 没有任何可用的 provider，唯一会中止抽取的错误
	ErrNoProviders = errors.New("没有可用的抽取 provider")
	// ErrProviderNotConfigured provider 缺少 API Key 等必要配置
	ErrProviderNotConfigured = errors.New("provider 未配置")
	// ErrNoJSON 模型输出中找不到 JSON 对象
	ErrNoJSON = errors.New("无法从模型输出中提取 JSON")
)

// Completion provider 一次成功调用的结果
type Completion struct {
	Content types.Record
	RawText string
	Model   string
}

// Provider 抽取 provider，实现方需要遵守 ctx 的取消
type Provider interface {
	Name() string
	Extract(ctx context.Context, messages []*schema.Message, s Schema, temperature float32) (*Completion, error)
}

// Response 单个 provider 的调用结果，生成后不再修改
type Response struct {
	Provider string       `json:"provider"`
	Content  types.Record `json:"content"`
	RawText  string       `json:"raw_text,omitempty"`
	Model    string       `json:"model"`
	Err      string       `json:"error,omitempty"`
}

// Success 调用本身是否成功
func (r Response) Success() bool {
	return r.Err == ""
}

// HasContent 成功且拿到了非空记录
func (r Response) HasContent() bool {
	return r.Success() && len(r.Content) > 0
}

func failedResponse(provider, model string, err error) Response {
	return Response{Provider: provider, Model: model, Err: err.Error()}
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON 从模型输出中取出 JSON 对象文本：优先 ```json 代码块，其次第一个括号配平的 {...}
func ExtractJSON(text string) string {
	if m := fencedJSON.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}

	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	level := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}

// ParseContent 把模型输出解析为记录
func ParseContent(text string) (types.Record, error) {
	jsonStr := ExtractJSON(text)
	if jsonStr == "" {
		return nil, ErrNoJSON
	}
	r, err := types.ParseRecord([]byte(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("解析JSON失败: %w", err)
	}
	return r, nil
}
