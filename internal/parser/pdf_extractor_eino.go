package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedFormat = errors.New("不支持的文件格式")
	ErrEmptyDocument     = errors.New("文档中没有可提取的文本")
)

const defaultParseTimeout = 30 * time.Second

// TextExtractor 从上传文件中取出简历纯文本
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, filename string) (string, error)
}

// EinoPDFTextExtractor 使用 Eino PDF Parser 提取文本，纯文本文件直接解码
type EinoPDFTextExtractor struct {
	parser  *pdf.PDFParser
	timeout time.Duration
	logger  zerolog.Logger
}

// EinoPDFOption PDF提取器的配置选项
type EinoPDFOption func(*EinoPDFTextExtractor)

// WithEinoLogger 配置日志记录器
func WithEinoLogger(logger zerolog.Logger) EinoPDFOption {
	return func(e *EinoPDFTextExtractor) {
		e.logger = logger
	}
}

// WithParseTimeout 单个文档的解析超时
func WithParseTimeout(d time.Duration) EinoPDFOption {
	return func(e *EinoPDFTextExtractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEinoPDFTextExtractor 初始化 Eino PDF 文本提取器
// 不按页面分割，获取整个文档的连续文本
func NewEinoPDFTextExtractor(ctx context.Context, options ...EinoPDFOption) (*EinoPDFTextExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Eino PDF parser: %w", err)
	}

	extractor := &EinoPDFTextExtractor{
		parser:  p,
		timeout: defaultParseTimeout,
		logger:  zerolog.Nop(),
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor, nil
}

// ExtractText 按扩展名选择解析方式
func (e *EinoPDFTextExtractor) ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".pdf":
		return e.ExtractTextFromReader(ctx, bytes.NewReader(data), filename)
	case ".txt", ".md", ".text", "":
		return DecodePlainText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// ExtractFullTextFromPDFFile 从PDF文件路径提取完整文本
func (e *EinoPDFTextExtractor) ExtractFullTextFromPDFFile(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF file %s: %w", filePath, err)
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil {
		e.logger.Debug().Str("file", filePath).Float64("size_mb", float64(info.Size())/1024/1024).Msg("开始处理PDF文件")
	}
	return e.ExtractTextFromReader(ctx, file, filePath)
}

// ExtractTextFromReader 从 io.Reader 中提取文本
func (e *EinoPDFTextExtractor) ExtractTextFromReader(ctx context.Context, reader io.Reader, uri string) (string, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	docs, err := e.parser.Parse(ctx, reader,
		einoParser.WithURI(uri),
		einoParser.WithExtraMeta(map[string]any{"source": uri}),
	)
	duration := time.Since(startTime)
	if err != nil {
		e.logger.Error().Err(err).Str("uri", uri).Dur("elapsed", duration).Msg("PDF解析失败")
		return "", fmt.Errorf("eino PDF parser failed for URI %s: %w", uri, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyDocument, uri)
	}

	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if content := strings.TrimSpace(doc.Content); content != "" {
			parts = append(parts, content)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyDocument, uri)
	}
	text := strings.Join(parts, "\n\n")

	e.logger.Info().Str("uri", uri).Int("documents", len(docs)).Int("chars", utf8.RuneCountInString(text)).
		Dur("elapsed", duration).Msg("PDF提取完成")
	return text, nil
}

// DecodePlainText 校验 UTF-8 并去掉 BOM
func DecodePlainText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: 文本不是有效的UTF-8编码", ErrUnsupportedFormat)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}
