// Package crosscheck 合并多个 provider 的抽取结果，对关键字段做交叉验证并给出置信度。
package crosscheck

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/extraction"
	"resume-crosscheck/internal/tracing"
	"resume-crosscheck/internal/types"
)

// Result 合并后的结果
type Result struct {
	Success         bool               `json:"success"`
	Data            types.Record       `json:"data"`
	Confidence      float64            `json:"confidence_score"`
	FieldConfidence map[string]float64 `json:"field_confidence"`
	Warnings        []types.Warning    `json:"warnings"`
	Corrections     []types.Correction `json:"corrections,omitempty"`
	ProcessingTime  time.Duration      `json:"-"`
	ProcessingMS    int64              `json:"processing_time_ms"`
	Mode            string             `json:"mode,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// SetProcessingTime 同时写入毫秒字段
func (r *Result) SetProcessingTime(d time.Duration) {
	r.ProcessingTime = d
	r.ProcessingMS = d.Milliseconds()
}

// Merger 纯函数式的合并器，不修改任何输入
type Merger struct {
	cfg    config.CrossCheckConfig
	logger zerolog.Logger
}

// NewMerger 创建合并器
func NewMerger(cfg config.CrossCheckConfig, logger zerolog.Logger) *Merger {
	return &Merger{cfg: cfg, logger: logger}
}

type fieldValue struct {
	provider   string
	original   any
	normalized string
}

// Merge 合并各 provider 的响应
func (m *Merger) Merge(responses map[string]extraction.Response) Result {
	order := m.orderedProviders(responses)
	warnings := m.precheck(responses, order)

	var valid []extraction.Response
	for _, name := range order {
		r := responses[name]
		if !r.HasContent() {
			continue
		}
		if r.Provider == "" {
			r.Provider = name
		}
		valid = append(valid, r)
	}

	switch len(valid) {
	case 0:
		warnings = append(warnings, types.Warning{
			Kind: types.WarnCritical, Field: "all", Message: "All LLM providers failed", Severity: types.SeverityHigh,
		})
		return Result{
			Success:         false,
			Data:            types.Record{},
			Confidence:      0,
			FieldConfidence: map[string]float64{},
			Warnings:        warnings,
			Error:           "All LLM providers failed to extract data",
		}
	case 1:
		warnings = append(warnings, types.Warning{
			Kind: types.WarnInfo, Field: "cross_check", Message: "Only one provider available", Severity: types.SeverityLow,
		})
		return Result{
			Success:         true,
			Data:            valid[0].Content.Clone(),
			Confidence:      clamp(m.cfg.SingleProvider),
			FieldConfidence: map[string]float64{},
			Warnings:        warnings,
		}
	}

	base := valid[0].Content.Clone()
	m.logger.Debug().Str("base", valid[0].Provider).Int("providers", len(valid)).Msg("开始交叉验证")

	fieldConfidence := make(map[string]float64, len(m.cfg.CriticalFields))
	var sum float64
	for _, field := range m.cfg.CriticalFields {
		values := collectValues(valid, field)
		score, evaluated, ws := m.scoreField(base, field, values)
		warnings = append(warnings, ws...)
		if evaluated {
			fieldConfidence[field] = score
			sum += score
		}
	}

	// 其余 provider 只补缺，不覆盖
	for _, r := range valid[1:] {
		content := r.Content.Clone()
		for key, value := range content {
			if existing, ok := base[key]; !ok || existing == nil {
				base[key] = value
			}
		}
	}

	confidence := m.cfg.NoCriticalDefault
	if len(fieldConfidence) > 0 {
		confidence = sum / float64(len(fieldConfidence))
	}

	return Result{
		Success:         true,
		Data:            base,
		Confidence:      clamp(confidence),
		FieldConfidence: fieldConfidence,
		Warnings:        warnings,
	}
}

// scoreField 对一个关键字段打分；返回 evaluated=false 表示没有任何 provider 给出值
func (m *Merger) scoreField(base types.Record, field string, values []fieldValue) (float64, bool, []types.Warning) {
	switch {
	case len(values) == 0:
		return 0, false, nil
	case len(values) == 1:
		return m.cfg.SingleValue, true, nil
	case len(values) == 2:
		if values[0].normalized == values[1].normalized {
			return m.cfg.TwoWayAgree, true, nil
		}
		return m.cfg.TwoWayDisagree, true, []types.Warning{{
			Kind:     types.WarnMismatch,
			Field:    field,
			Message:  fmt.Sprintf("Values differ: '%s' vs '%s'", values[0].normalized, values[1].normalized),
			Severity: types.SeverityMedium,
		}}
	}

	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v.normalized]++
	}
	if len(counts) == 1 {
		return m.cfg.ThreeWayAgree, true, nil
	}

	majority, majorityCount := "", 0
	for _, v := range values {
		if c := counts[v.normalized]; c > majorityCount {
			majority, majorityCount = v.normalized, c
		}
	}
	if majorityCount*2 > len(values) {
		var dissenters []string
		adopted := false
		for _, v := range values {
			if v.normalized != majority {
				dissenters = append(dissenters, v.provider)
				continue
			}
			if !adopted {
				base[field] = v.original
				adopted = true
			}
		}
		return m.cfg.ThreeWayMajority, true, []types.Warning{{
			Kind:     types.WarnMismatchResolved,
			Field:    field,
			Message:  fmt.Sprintf("다수결 적용: [%s] 불일치", strings.Join(dissenters, ", ")),
			Severity: types.SeverityLow,
		}}
	}

	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%s='%s'", v.provider, types.Stringify(v.original)))
	}
	return m.cfg.ThreeWayConflict, true, []types.Warning{{
		Kind:     types.WarnMismatch,
		Field:    field,
		Message:  "3-Way 불일치: " + strings.Join(parts, ", "),
		Severity: types.SeverityHigh,
	}}
}

// precheck 为失败的 provider 生成告警，超时单独标记
func (m *Merger) precheck(responses map[string]extraction.Response, order []string) []types.Warning {
	var warnings []types.Warning
	for _, name := range order {
		r := responses[name]
		if r.Err == "" {
			continue
		}
		if tracing.IsTimeout(r.Err) {
			warnings = append(warnings, types.Warning{
				Kind:     types.WarnTimeout,
				Field:    name,
				Message:  fmt.Sprintf("%s API 타임아웃 - 과금이 발생했을 수 있습니다", name),
				Severity: types.SeverityHigh,
			})
			m.logger.Warn().Str("provider", name).Msg("provider超时，请求可能已计费")
			continue
		}
		warnings = append(warnings, types.Warning{
			Kind:     types.WarnLLMError,
			Field:    name,
			Message:  fmt.Sprintf("%s API 에러: %s", name, truncateRunes(r.Err, 100)),
			Severity: types.SeverityMedium,
		})
	}
	return warnings
}

// orderedProviders 先按配置的优先级，其余按名称排序
func (m *Merger) orderedProviders(responses map[string]extraction.Response) []string {
	order := make([]string, 0, len(responses))
	seen := make(map[string]bool, len(responses))
	for _, name := range m.cfg.PriorityOrder {
		if _, ok := responses[name]; ok && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range responses {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func collectValues(valid []extraction.Response, field string) []fieldValue {
	var values []fieldValue
	for _, r := range valid {
		v, ok := r.Content[field]
		if !ok || !types.Truthy(v) {
			continue
		}
		values = append(values, fieldValue{
			provider:   r.Provider,
			original:   v,
			normalized: normalize(v),
		})
	}
	return values
}

func normalize(v any) string {
	return strings.TrimSpace(strings.ToLower(types.Stringify(v)))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}
