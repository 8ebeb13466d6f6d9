package parser

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEinoPDFTextExtractor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extractor, err := NewEinoPDFTextExtractor(ctx, WithEinoLogger(zerolog.Nop()), WithParseTimeout(10*time.Second))
	require.NoError(t, err, "创建PDF提取器不应返回错误")
	require.NotNil(t, extractor.parser, "PDF提取器内部的parser不应为nil")
	assert.Equal(t, 10*time.Second, extractor.timeout)

	extractor, err = NewEinoPDFTextExtractor(ctx, WithParseTimeout(0))
	require.NoError(t, err)
	assert.Equal(t, defaultParseTimeout, extractor.timeout, "非正超时应保留默认值")
}

func TestExtractTextPlainFiles(t *testing.T) {
	extractor, err := NewEinoPDFTextExtractor(context.Background())
	require.NoError(t, err)

	text, err := extractor.ExtractText(context.Background(), []byte("\xef\xbb\xbf홍길동\r\n경력\r\n"), "resume.txt")
	require.NoError(t, err)
	assert.Equal(t, "홍길동\n경력\n", text)

	text, err = extractor.ExtractText(context.Background(), []byte("# 이력서"), "RESUME.MD")
	require.NoError(t, err)
	assert.Equal(t, "# 이력서", text)
}

func TestExtractTextRejectsUnsupported(t *testing.T) {
	extractor, err := NewEinoPDFTextExtractor(context.Background())
	require.NoError(t, err)

	_, err = extractor.ExtractText(context.Background(), []byte("PK\x03\x04"), "resume.docx")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = extractor.ExtractText(context.Background(), []byte{0xff, 0xfe, 0xfd}, "resume.txt")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = extractor.ExtractText(context.Background(), []byte("  \n "), "resume.txt")
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestExtractTextInvalidPDF(t *testing.T) {
	extractor, err := NewEinoPDFTextExtractor(context.Background())
	require.NoError(t, err)

	_, err = extractor.ExtractText(context.Background(), []byte("not a pdf"), "broken.pdf")
	assert.Error(t, err, "无效PDF应返回错误")
}

func TestExtractFullTextFromPDFFile(t *testing.T) {
	testPDFs := []string{
		"testdata/resume.pdf",
		"../../testdata/resume.pdf",
	}

	var filePath string
	for _, path := range testPDFs {
		if _, err := os.Stat(path); err == nil {
			filePath = path
			break
		}
	}
	if filePath == "" {
		t.Skip("找不到测试PDF文件，跳过测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	extractor, err := NewEinoPDFTextExtractor(ctx)
	require.NoError(t, err)

	text, err := extractor.ExtractFullTextFromPDFFile(ctx, filePath)
	require.NoError(t, err, "PDF提取不应返回错误")
	assert.NotEmpty(t, text)
}

func TestExtractFullTextFromMissingFile(t *testing.T) {
	extractor, err := NewEinoPDFTextExtractor(context.Background())
	require.NoError(t, err)

	_, err = extractor.ExtractFullTextFromPDFFile(context.Background(), "does-not-exist.pdf")
	assert.Error(t, err)
}
