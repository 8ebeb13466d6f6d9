// Package segmenter 按标题把简历原文切分为带标签的语义块序列。
package segmenter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"resume-crosscheck/internal/labels"
)

const (
	maxHeaderRunes   = 50  // 超过此长度的行不视为标题
	minPreambleRunes = 10  // 首个标题前的文本需超过此长度才生成 preamble 块
	labelledConf     = 0.9 // 标签已识别
	unknownConf      = 0.5 // 标签未识别
	preambleConf     = 0.7 // 首标题前的隐式 PROFILE 块
	preambleRawTitle = "(Preamble)"
	preambleBlockID  = "b0"
)

// headerPatterns 顺序即优先级
var headerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[■●◆▶★☆○◇▷►•※]\s*(.+)$`),
	regexp.MustCompile(`^[0-9]+[.)\]]\s*(.+)$`),
	regexp.MustCompile(`^([A-Z][A-Z\s]{3,})$`),
	regexp.MustCompile(`^([가-힣]{2,6}(?:사항|경력|정보|학력|기술|역량|소개))\s*$`),
	regexp.MustCompile(`^\[(.+)\]$`),
	regexp.MustCompile(`^【(.+)】$`),
	regexp.MustCompile(`^〔(.+)〕$`),
	regexp.MustCompile(`^(.+?)\s*[:：]\s*$`),
}

// Block 一个语义块。Start/End 为原文中的字节偏移，[Start, End) 之间互不重叠。
type Block struct {
	ID         string       `json:"block_id"`
	RawTitle   string       `json:"raw_title"`
	Label      labels.Label `json:"normalized_label"`
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Start      int          `json:"start_pos"`
	End        int          `json:"end_pos"`
}

// IR 文档的语义中间表示，创建后只读
type IR struct {
	Blocks   []Block        `json:"blocks"`
	Metadata map[string]any `json:"metadata"`
	rawText  string
}

// RawText 返回切分前的原文
func (ir *IR) RawText() string { return ir.rawText }

// Section 返回第一个匹配标签的块
func (ir *IR) Section(label labels.Label) (Block, bool) {
	for _, b := range ir.Blocks {
		if b.Label == label {
			return b, true
		}
	}
	return Block{}, false
}

// Sections 返回所有匹配标签的块
func (ir *IR) Sections(label labels.Label) []Block {
	var out []Block
	for _, b := range ir.Blocks {
		if b.Label == label {
			out = append(out, b)
		}
	}
	return out
}

// TextFor 按文档顺序拼接属于给定标签的块文本（包含标题行），没有匹配时返回空串
func (ir *IR) TextFor(want ...labels.Label) string {
	set := make(map[labels.Label]bool, len(want))
	for _, l := range want {
		set[l] = true
	}
	var parts []string
	for _, b := range ir.Blocks {
		if !set[b.Label] {
			continue
		}
		if b.RawTitle != preambleRawTitle {
			parts = append(parts, b.RawTitle+"\n"+b.Text)
		} else {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// DetectedLabels 去重并排序后的标签列表
func (ir *IR) DetectedLabels() []labels.Label {
	seen := make(map[labels.Label]bool)
	var out []labels.Label
	for _, b := range ir.Blocks {
		if !seen[b.Label] {
			seen[b.Label] = true
			out = append(out, b.Label)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type header struct {
	title string
	start int
	end   int
}

// Segmenter 无状态，可并发使用
type Segmenter struct {
	logger   zerolog.Logger
	keywords map[string]bool
}

// Option 配置 Segmenter
type Option func(*Segmenter)

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(s *Segmenter) { s.logger = l }
}

// New 创建 Segmenter
func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		logger:   zerolog.Nop(),
		keywords: make(map[string]bool),
	}
	for _, label := range labels.All() {
		for _, syn := range labels.Synonyms(label) {
			s.keywords[strings.ToLower(syn)] = true
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Segment 切分文本。没有检测到标题时返回零个块，调用方应把整篇文本作为各段输入。
func (s *Segmenter) Segment(text, filename string) *IR {
	ir := &IR{Metadata: map[string]any{}, rawText: text}
	if text == "" {
		ir.Metadata["total_blocks"] = 0
		ir.Metadata["detected_labels"] = []labels.Label{}
		return ir
	}

	headers := s.detectHeaders(text)
	blocks := make([]Block, 0, len(headers)+1)

	if len(headers) > 0 && headers[0].start > 0 {
		preamble := strings.TrimSpace(text[:headers[0].start])
		if utf8.RuneCountInString(preamble) > minPreambleRunes {
			blocks = append(blocks, Block{
				ID:         preambleBlockID,
				RawTitle:   preambleRawTitle,
				Label:      labels.Profile,
				Text:       preamble,
				Confidence: preambleConf,
				Start:      0,
				End:        headers[0].start,
			})
		}
	}

	for i, h := range headers {
		contentEnd := len(text)
		if i+1 < len(headers) {
			contentEnd = headers[i+1].start
		}
		label := labels.Normalize(h.title)
		conf := labelledConf
		if label == labels.Unknown {
			conf = unknownConf
		}
		blocks = append(blocks, Block{
			ID:         fmt.Sprintf("b%d", i+1),
			RawTitle:   h.title,
			Label:      label,
			Text:       strings.TrimSpace(text[h.end:contentEnd]),
			Confidence: conf,
			Start:      h.start,
			End:        contentEnd,
		})
	}

	ir.Blocks = blocks
	ir.Metadata["total_blocks"] = len(blocks)
	ir.Metadata["detected_labels"] = ir.DetectedLabels()
	if filename != "" {
		ir.Metadata["filename"] = filename
	}

	s.logger.Debug().
		Int("chars", utf8.RuneCountInString(text)).
		Int("blocks", len(blocks)).
		Interface("labels", ir.Metadata["detected_labels"]).
		Msg("文档切分完成")
	return ir
}

func (s *Segmenter) detectHeaders(text string) []header {
	var headers []header
	pos := 0
	for _, line := range strings.Split(text, "\n") {
		lineLen := len(line) + 1
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			if title, ok := s.matchHeader(trimmed); ok && labels.Normalize(title) != labels.Unknown {
				start := pos + strings.Index(line, trimmed)
				headers = append(headers, header{title: title, start: start, end: start + len(trimmed)})
			}
		}
		pos += lineLen
	}
	return headers
}

func (s *Segmenter) matchHeader(line string) (string, bool) {
	if utf8.RuneCountInString(line) > maxHeaderRunes {
		return "", false
	}
	for _, p := range headerPatterns {
		if m := p.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	if s.keywords[strings.ToLower(line)] {
		return line, true
	}
	return "", false
}
