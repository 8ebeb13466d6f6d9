package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/types"
)

// fakeProvider 按预设返回结果的 provider
type fakeProvider struct {
	name    string
	content types.Record
	err     error
	panics  bool
	delay   time.Duration
	calls   atomic.Int32
	lastT   float32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Extract(ctx context.Context, _ []*schema.Message, _ Schema, temperature float32) (*Completion, error) {
	f.calls.Add(1)
	f.lastT = temperature
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Completion{Content: f.content, Model: f.name + "-model"}, nil
}

func TestSelectProviders(t *testing.T) {
	openai := &fakeProvider{name: ProviderOpenAI}
	gemini := &fakeProvider{name: ProviderGemini}
	claude := &fakeProvider{name: ProviderClaude}

	tests := []struct {
		name      string
		providers []Provider
		mode      string
		want      []string
		wantErr   error
	}{
		{"two-way", []Provider{claude, gemini, openai}, config.ModeTwoWay, []string{"openai", "gemini"}, nil},
		{"three-way", []Provider{claude, gemini, openai}, config.ModeThreeWay, []string{"openai", "gemini", "claude"}, nil},
		{"three-way partial", []Provider{openai, claude}, config.ModeThreeWay, []string{"openai", "claude"}, nil},
		{"fallback to first available", []Provider{claude}, config.ModeTwoWay, []string{"claude"}, nil},
		{"none", nil, config.ModeTwoWay, nil, ErrNoProviders},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(tt.providers)
			got, err := o.SelectProviders(tt.mode)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NewOrchestrator([]Provider{openai}).SelectProviders("five-way")
	assert.Error(t, err)
}

func TestRunCollectsAllResponses(t *testing.T) {
	openai := &fakeProvider{name: ProviderOpenAI, content: types.Record{"name": "김경민"}}
	gemini := &fakeProvider{name: ProviderGemini, err: errors.New("503 service unavailable")}
	claude := &fakeProvider{name: ProviderClaude, panics: true}

	o := NewOrchestrator([]Provider{openai, gemini, claude}, WithLogger(zerolog.Nop()))
	s := Unified()
	responses, err := o.Run(context.Background(), config.ModeThreeWay, s, BuildMessages(s, "김경민", "a.pdf"))
	require.NoError(t, err)
	require.Len(t, responses, 3)

	assert.True(t, responses["openai"].HasContent())
	assert.Equal(t, "openai-model", responses["openai"].Model)
	assert.Equal(t, "김경민", responses["openai"].Content.String("name"))

	assert.False(t, responses["gemini"].Success())
	assert.Nil(t, responses["gemini"].Content)
	assert.Contains(t, responses["gemini"].Err, "503")

	assert.False(t, responses["claude"].Success())
	assert.Contains(t, responses["claude"].Err, "panic")

	assert.InDelta(t, 0.1, openai.lastT, 1e-6)
}

func TestAvailableKeepsRegistrationOrder(t *testing.T) {
	o := NewOrchestrator([]Provider{
		&fakeProvider{name: ProviderGemini},
		nil,
		&fakeProvider{name: ProviderOpenAI},
		&fakeProvider{name: ProviderGemini},
	})
	got := o.Available()
	assert.Equal(t, []string{ProviderGemini, ProviderOpenAI}, got)

	got[0] = "changed"
	assert.Equal(t, []string{ProviderGemini, ProviderOpenAI}, o.Available())
	assert.Empty(t, NewOrchestrator(nil).Available())
}

func TestWithTemperatureAcceptsZero(t *testing.T) {
	tests := []struct {
		name string
		t    float32
		want float32
	}{
		{"zero is kept", 0, 0},
		{"explicit value", 0.7, 0.7},
		{"negative keeps default", -1, DefaultTemperature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			openai := &fakeProvider{name: ProviderOpenAI, content: types.Record{"name": "김경민"}}
			o := NewOrchestrator([]Provider{openai}, WithTemperature(tt.t))
			s := Unified()
			_, err := o.Run(context.Background(), config.ModeTwoWay, s, BuildMessages(s, "김경민", "a.pdf"))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, openai.lastT, 1e-6)
		})
	}
}

func TestRunNoProviders(t *testing.T) {
	o := NewOrchestrator(nil)
	_, err := o.Run(context.Background(), config.ModeTwoWay, Unified(), nil)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestRunCallTimeoutIsReportedAsTimeout(t *testing.T) {
	slow := &fakeProvider{name: ProviderOpenAI, delay: time.Second}
	fast := &fakeProvider{name: ProviderGemini, content: types.Record{"name": "a"}}

	o := NewOrchestrator([]Provider{slow, fast}, WithCallTimeout(20*time.Millisecond))
	responses, err := o.Run(context.Background(), config.ModeTwoWay, Unified(), nil)
	require.NoError(t, err)
	assert.Contains(t, responses["openai"].Err, "timeout")
	assert.True(t, responses["gemini"].HasContent())
}

func TestRunIsConcurrent(t *testing.T) {
	a := &fakeProvider{name: ProviderOpenAI, delay: 100 * time.Millisecond, content: types.Record{"x": 1.0}}
	b := &fakeProvider{name: ProviderGemini, delay: 100 * time.Millisecond, content: types.Record{"x": 1.0}}

	start := time.Now()
	_, err := NewOrchestrator([]Provider{a, b}).Run(context.Background(), config.ModeTwoWay, Unified(), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 190*time.Millisecond)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"fenced", "결과입니다\n```json\n{\"name\": \"홍길동\"}\n```\n", `{"name": "홍길동"}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"balanced", `prefix {"a": {"b": 1}} suffix {"c": 2}`, `{"a": {"b": 1}}`},
		{"brace inside string", `{"a": "}{"} tail`, `{"a": "}{"}`},
		{"none", "no json here", ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestParseContent(t *testing.T) {
	r, err := ParseContent("```json\n{\"exp_years\": 5, \"skills\": [\"Go\"]}\n```")
	require.NoError(t, err)
	exp, ok := r.Float("exp_years")
	assert.True(t, ok)
	assert.Equal(t, 5.0, exp)
	assert.Equal(t, []string{"Go"}, r.Strings("skills"))

	_, err = ParseContent("sorry")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ParseContent("[1, 2]")
	assert.Error(t, err)
}

func TestSchemas(t *testing.T) {
	u := Unified()
	assert.Equal(t, SchemaName, u.Name)
	assert.Len(t, u.Fields, 22)

	doc := u.Document()
	assert.Equal(t, true, doc["strict"])
	inner := doc["schema"].(map[string]any)
	assert.Equal(t, false, inner["additionalProperties"])
	assert.Len(t, inner["properties"].(map[string]any), 22)

	spec := MustSchema(KindSpec)
	props := spec.JSONSchema()["properties"].(map[string]any)
	assert.Contains(t, props, "educations")
	assert.NotContains(t, props, "name")

	_, err := SchemaFor("unknown")
	assert.Error(t, err)

	projected := spec.Project(types.Record{"name": "a", "skills": []any{"Go"}})
	assert.Equal(t, types.Record{"skills": []any{"Go"}}, projected)
}

func TestSchemaConform(t *testing.T) {
	summary := MustSchema(KindSummary)
	assert.NoError(t, summary.Conform(types.Record{"summary": "백엔드 개발자", "strengths": []any{"Go"}}))
	assert.NoError(t, summary.Conform(types.Record{"summary": nil, "strengths": []string{}}))

	assert.Error(t, summary.Conform(types.Record{"summary": 5, "strengths": []any{}}), "类型不符")
	assert.Error(t, summary.Conform(types.Record{"summary": "a"}), "缺少必填字段")
	assert.Error(t, summary.Conform(types.Record{"summary": "a", "strengths": []any{}, "name": "b"}), "多余字段")

	for _, kind := range append([]Kind{KindUnified}, SectionKinds...) {
		_, err := MustSchema(kind).compile()
		assert.NoError(t, err, string(kind))
	}
}

func TestSectionValidators(t *testing.T) {
	assert.Equal(t, []string{"Missing Name", "Missing Contact Info (Phone/Email)"},
		MustSchema(KindProfile).Validate(types.Record{}))
	assert.Empty(t, MustSchema(KindProfile).Validate(types.Record{"name": "a", "email": "a@b.c"}))

	assert.Equal(t, []string{"Exp years is 3 but careers list is empty"},
		MustSchema(KindCareer).Validate(types.Record{"exp_years": 3.0, "careers": []any{}}))
	assert.Empty(t, MustSchema(KindCareer).Validate(types.Record{"exp_years": 0.0}))

	assert.Equal(t, []string{"Missing Education Level"}, MustSchema(KindSpec).Validate(types.Record{}))
	assert.Equal(t, []string{"Missing Summary"}, MustSchema(KindSummary).Validate(types.Record{"summary": ""}))
	assert.Empty(t, Unified().Validate(types.Record{}))
}

func TestBuildMessages(t *testing.T) {
	msgs := BuildMessages(Unified(), "본문", "")
	require.Len(t, msgs, 2)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "expert Resume Parser")
	assert.Contains(t, msgs[1].Content, "Filename: Unknown")
	assert.Contains(t, msgs[1].Content, "본문")

	section := BuildMessages(MustSchema(KindCareer), "본문", "cv.pdf")
	assert.Contains(t, section[0].Content, "Target Section: Career")
	assert.Contains(t, section[1].Content, "Filename: cv.pdf")
}

func TestChatModelProviderWithOpenAIServer(t *testing.T) {
	var captured chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","model":"gpt-4o-2024","choices":[{"index":0,"message":{"role":"assistant","content":"{\"name\":\"김경민\",\"phone\":\"010-1234-5678\"}"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	chat, err := NewOpenAIChatModel("sk-test", "gpt-4o", server.URL, zerolog.Nop())
	require.NoError(t, err)
	p := NewChatModelProvider(ProviderOpenAI, chat.ModelName(), chat)

	s := Unified()
	c, err := p.Extract(context.Background(), BuildMessages(s, "text", "a.pdf"), s, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "김경민", c.Content.String("name"))
	assert.Equal(t, "gpt-4o-2024", c.Model)

	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_schema", captured.ResponseFormat.Type)
	assert.Equal(t, SchemaName, captured.ResponseFormat.JSONSchema["name"])
	require.NotNil(t, captured.Temperature)
	assert.InDelta(t, 0.1, *captured.Temperature, 1e-6)
	assert.Len(t, captured.Messages, 2)
}

func TestChatModelProviderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	chat, err := NewOpenAIChatModel("sk-test", "", server.URL, zerolog.Nop())
	require.NoError(t, err)
	_, err = NewChatModelProvider(ProviderOpenAI, "gpt-4o", chat).Extract(context.Background(), nil, Unified(), 0.1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = NewOpenAIChatModel("", "", "", zerolog.Nop())
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

type fakeGenerator struct {
	system, user string
	out          string
}

func (f *fakeGenerator) GenerateText(_ context.Context, system, user string, _ float32) (string, error) {
	f.system, f.user = system, user
	return f.out, nil
}

func TestGeminiProviderParsesText(t *testing.T) {
	gen := &fakeGenerator{out: "```json\n{\"email\": \"kim@example.com\"}\n```"}
	p := newGeminiProvider(gen, "gemini-1.5-flash")

	s := Unified()
	c, err := p.Extract(context.Background(), BuildMessages(s, "본문", "a.pdf"), s, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "kim@example.com", c.Content.String("email"))
	assert.Equal(t, "gemini-1.5-flash", c.Model)
	assert.Contains(t, gen.system, "JSON Schema")
	assert.Contains(t, gen.user, "본문")
	assert.Equal(t, ProviderGemini, p.Name())

	_, err = NewGeminiProvider(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

// fakeLLM 实现 llms.Model
type fakeLLM struct {
	messages []llms.MessageContent
	reply    string
}

func (f *fakeLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangchainProvider(t *testing.T) {
	llm := &fakeLLM{reply: `Here you go: {"name": "Kim", "skills": ["Go", "Python"]}`}
	p := NewLangchainProvider(ProviderClaude, "claude-test", llm)

	s := Unified()
	c, err := p.Extract(context.Background(), BuildMessages(s, "text", "a.pdf"), s, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "Kim", c.Content.String("name"))
	assert.Equal(t, []string{"Go", "Python"}, c.Content.Strings("skills"))

	require.Len(t, llm.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, llm.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, llm.messages[1].Role)

	_, err = NewClaudeProvider("", "")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}
