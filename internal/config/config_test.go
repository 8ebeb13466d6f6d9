package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644), "无法写入临时配置文件")
	return configPath
}

// TestLoadConfigAppliesDefaults 验证未配置的字段全部落到默认值
func TestLoadConfigAppliesDefaults(t *testing.T) {
	configPath := writeConfig(t, `
extraction:
  mode: three-way
providers:
  openai:
    enabled: true
    api_key: "sk-test"
`)

	cfg, err := LoadConfigFromFileOnly(configPath)
	require.NoError(t, err)

	assert.Equal(t, ModeThreeWay, cfg.Extraction.Mode)
	assert.InDelta(t, 0.1, cfg.Extraction.Temperature, 1e-6)
	assert.Equal(t, []string{"openai", "gemini", "claude"}, cfg.CrossCheck.PriorityOrder)
	assert.Equal(t, []string{"name", "phone", "email"}, cfg.CrossCheck.CriticalFields)
	assert.Equal(t, 0.85, cfg.CrossCheck.ThreeWayMajority)
	assert.Equal(t, 0.4, cfg.CrossCheck.ThreeWayConflict)
	assert.Equal(t, 0.5, cfg.CrossCheck.TwoWayDisagree)
	assert.Equal(t, 0.8, cfg.CrossCheck.NoCriticalDefault)

	assert.Equal(t, 2000, cfg.Chunking.MaxStructuredChars)
	assert.Equal(t, 8000, cfg.Chunking.RawFullMaxChars)
	assert.Equal(t, 1500, cfg.Chunking.SectionWindow)
	assert.Equal(t, 500, cfg.Chunking.KoreanSectionOverlap)
	assert.Equal(t, 0.5, cfg.Chunking.KoreanThreshold)

	assert.Equal(t, 3, cfg.Embedding.RetryLimit())
	assert.Equal(t, 1.0, cfg.Embedding.BaseWaitSec)
	assert.Equal(t, 10.0, cfg.Embedding.MaxWaitSec)
	assert.Equal(t, cfg.Embedding.Dimensions, cfg.Qdrant.Dimension)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

// TestLoadConfigZeroRetries 显式配置 0 次重试时不应被默认值覆盖
func TestLoadConfigZeroRetries(t *testing.T) {
	configPath := writeConfig(t, `
embedding:
  max_retries: 0
`)

	cfg, err := LoadConfigFromFileOnly(configPath)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Embedding.RetryLimit())
}

// TestLoadConfigZeroFloats 温度、置信度档位和采样率显式写 0 时保留 0，未写的仍取默认值
func TestLoadConfigZeroFloats(t *testing.T) {
	configPath := writeConfig(t, `
extraction:
  temperature: 0
crosscheck:
  two_way_disagree: 0
  three_way_conflict: 0
tracing:
  sample_ratio: 0
`)

	cfg, err := LoadConfigFromFileOnly(configPath)
	require.NoError(t, err)
	assert.Zero(t, cfg.Extraction.Temperature)
	assert.Zero(t, cfg.CrossCheck.TwoWayDisagree)
	assert.Zero(t, cfg.CrossCheck.ThreeWayConflict)
	assert.Zero(t, cfg.Tracing.SampleRatio)

	assert.Equal(t, 1.0, cfg.CrossCheck.TwoWayAgree)
	assert.Equal(t, 0.85, cfg.CrossCheck.ThreeWayMajority)
	assert.Equal(t, 0.8, cfg.CrossCheck.NoCriticalDefault)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown mode", "extraction:\n  mode: five-way\n"},
		{"overlap exceeds window", "chunking:\n  section_window: 100\n  section_overlap: 200\n"},
		{"negative retries", "embedding:\n  max_retries: -1\n"},
		{"temperature out of range", "extraction:\n  temperature: 2.5\n"},
		{"tier above one", "crosscheck:\n  single_value: 1.2\n"},
		{"negative sample ratio", "tracing:\n  sample_ratio: -0.1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromFileOnly(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gm-from-env")
	configPath := writeConfig(t, "providers:\n  gemini:\n    api_key: from-file\n")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "gm-from-env", cfg.Providers.Gemini.APIKey)

	fileOnly, err := LoadConfigFromFileOnly(configPath)
	require.NoError(t, err)
	assert.Equal(t, "from-file", fileOnly.Providers.Gemini.APIKey)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfigFromFileOnly(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGetDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, GetDuration("5s", time.Second))
	assert.Equal(t, time.Second, GetDuration("", time.Second))
	assert.Equal(t, time.Second, GetDuration("abc", time.Second))
	assert.Equal(t, 1500*time.Millisecond, SecondsToDuration(1.5))
}
