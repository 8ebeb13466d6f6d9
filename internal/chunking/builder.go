// Package chunking 把合并后的结构化记录和原文切分成有长度上限的类型化 chunk。
// 输出只依赖输入，不做任何外部调用。
package chunking

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/types"
)

// 学历等级的展示名称
var educationLevels = map[string]string{
	"high_school": "고졸",
	"associate":   "전문학사",
	"bachelor":    "학사",
	"master":      "석사",
	"doctor":      "박사",
}

// skillCategory 技能分组，按顺序匹配，都不命中归入 기타
type skillCategory struct {
	title    string
	keywords []string
}

var skillCategories = []skillCategory{
	{"프로그래밍", []string{"python", "java", "javascript", "typescript", "c++", "c#", "go", "rust", "kotlin", "swift", "php", "ruby"}},
	{"프레임워크", []string{"react", "vue", "angular", "next.js", "spring", "django", "flask", "fastapi", "express", "node.js"}},
	{"데이터베이스", []string{"mysql", "postgresql", "mongodb", "redis", "oracle", "sqlite", "elasticsearch"}},
	{"클라우드/인프라", []string{"aws", "gcp", "azure", "docker", "kubernetes", "terraform", "jenkins", "ci/cd"}},
}

const otherCategory = "기타"

// 元数据里最多保留的技能数
const metadataSkillLimit = 20

// Builder chunk 构建器
type Builder struct {
	cfg    config.ChunkingConfig
	logger zerolog.Logger
}

// NewBuilder 创建构建器
func NewBuilder(cfg config.ChunkingConfig, logger zerolog.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger}
}

// Build 结构化 chunk 在前，原文 chunk 在后
func (b *Builder) Build(data types.Record, rawText string) []types.Chunk {
	chunks := b.BuildStructured(data)
	return append(chunks, b.BuildRaw(rawText)...)
}

// BuildStructured 依次生成 summary、career、project、skill、education
func (b *Builder) BuildStructured(data types.Record) []types.Chunk {
	if len(data) == 0 {
		return nil
	}
	var chunks []types.Chunk
	if c, ok := b.summaryChunk(data); ok {
		chunks = append(chunks, c)
	}
	chunks = append(chunks, b.careerChunks(data)...)
	chunks = append(chunks, b.projectChunks(data)...)
	if c, ok := b.skillChunk(data); ok {
		chunks = append(chunks, c)
	}
	if c, ok := b.educationChunk(data); ok {
		chunks = append(chunks, c)
	}
	b.logger.Debug().Int("chunks", len(chunks)).Msg("结构化chunk生成完成")
	return chunks
}

func (b *Builder) summaryChunk(data types.Record) (types.Chunk, bool) {
	var parts []string
	if v := data.String("name"); v != "" {
		parts = append(parts, "이름: "+v)
	}
	if types.Truthy(data["exp_years"]) {
		parts = append(parts, fmt.Sprintf("총 경력: %s년", data.String("exp_years")))
	}
	if v := data.String("last_company"); v != "" {
		parts = append(parts, "최근 직장: "+v)
	}
	if v := data.String("last_position"); v != "" {
		parts = append(parts, "최근 직책: "+v)
	}
	if v := data.String("summary"); v != "" {
		parts = append(parts, "\n요약: "+v)
	}
	if v := data.Strings("strengths"); len(v) > 0 {
		parts = append(parts, "\n강점: "+strings.Join(v, ", "))
	}
	if skills := data.Strings("skills"); len(skills) > 0 {
		if len(skills) > 5 {
			skills = skills[:5]
		}
		parts = append(parts, "\n핵심 기술: "+strings.Join(skills, ", "))
	}

	content := strings.Join(parts, "\n")
	if strings.TrimSpace(content) == "" {
		return types.Chunk{}, false
	}
	return types.Chunk{
		Type:    types.ChunkSummary,
		Index:   0,
		Content: b.bound(content),
		Metadata: map[string]any{
			"name":         data["name"],
			"exp_years":    data["exp_years"],
			"last_company": data["last_company"],
		},
	}, true
}

// careerChunks 序号沿用原列表下标，空条目跳过但不重排
func (b *Builder) careerChunks(data types.Record) []types.Chunk {
	var chunks []types.Chunk
	for i, career := range objectsAt(data, "careers") {
		if career == nil {
			continue
		}
		var parts []string
		company := career.String("company")
		if company != "" {
			parts = append(parts, "회사: "+company)
		}
		if v := career.String("position"); v != "" {
			parts = append(parts, "직책: "+v)
		}
		if v := career.String("department"); v != "" {
			parts = append(parts, "부서: "+v)
		}

		isCurrent := truthyBool(career["is_current"])
		start, end := career.String("start_date"), career.String("end_date")
		if end == "" && isCurrent {
			end = "현재"
		}
		if start != "" || end != "" {
			parts = append(parts, fmt.Sprintf("기간: %s ~ %s", start, end))
		}
		if v := career.String("description"); v != "" {
			parts = append(parts, "\n업무 내용:\n"+v)
		}

		content := strings.Join(parts, "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}
		var endDate any = end
		if end == "현재" {
			endDate = nil
		}
		chunks = append(chunks, types.Chunk{
			Type:    types.ChunkCareer,
			Index:   i,
			Content: b.bound(content),
			Metadata: map[string]any{
				"company":    company,
				"position":   career["position"],
				"is_current": isCurrent,
				"start_date": start,
				"end_date":   endDate,
			},
		})
	}
	return chunks
}

func (b *Builder) projectChunks(data types.Record) []types.Chunk {
	var chunks []types.Chunk
	for i, project := range objectsAt(data, "projects") {
		if project == nil {
			continue
		}
		var parts []string
		name := project.String("name")
		if name != "" {
			parts = append(parts, "프로젝트: "+name)
		}
		if v := project.String("role"); v != "" {
			parts = append(parts, "역할: "+v)
		}
		if v := project.String("period"); v != "" {
			parts = append(parts, "기간: "+v)
		}
		technologies := project.Strings("technologies")
		if len(technologies) > 0 {
			parts = append(parts, "기술: "+strings.Join(technologies, ", "))
		}
		if v := project.String("description"); v != "" {
			parts = append(parts, "\n설명:\n"+v)
		}

		content := strings.Join(parts, "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}
		chunks = append(chunks, types.Chunk{
			Type:    types.ChunkProject,
			Index:   i,
			Content: b.bound(content),
			Metadata: map[string]any{
				"project_name": name,
				"role":         project["role"],
				"technologies": technologies,
			},
		})
	}
	return chunks
}

func (b *Builder) skillChunk(data types.Record) (types.Chunk, bool) {
	skills := data.Strings("skills")
	if len(skills) == 0 {
		return types.Chunk{}, false
	}

	parts := []string{"기술 스택"}
	for _, group := range CategorizeSkills(skills) {
		parts = append(parts, fmt.Sprintf("\n%s: %s", group.Title, strings.Join(group.Skills, ", ")))
	}

	top := skills
	if len(top) > metadataSkillLimit {
		top = top[:metadataSkillLimit]
	}
	return types.Chunk{
		Type:    types.ChunkSkill,
		Index:   0,
		Content: b.bound(strings.Join(parts, "\n")),
		Metadata: map[string]any{
			"skill_count": len(skills),
			"skills":      top,
		},
	}, true
}

// SkillGroup 一组同类技能
type SkillGroup struct {
	Title  string
	Skills []string
}

// CategorizeSkills 按关键词子串归类，只返回非空分组，顺序固定
func CategorizeSkills(skills []string) []SkillGroup {
	buckets := make([][]string, len(skillCategories)+1)
	for _, skill := range skills {
		lower := strings.ToLower(skill)
		idx := len(skillCategories)
		for i, cat := range skillCategories {
			if containsAny(lower, cat.keywords) {
				idx = i
				break
			}
		}
		buckets[idx] = append(buckets[idx], skill)
	}

	var groups []SkillGroup
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		title := otherCategory
		if i < len(skillCategories) {
			title = skillCategories[i].title
		}
		groups = append(groups, SkillGroup{Title: title, Skills: bucket})
	}
	return groups
}

func (b *Builder) educationChunk(data types.Record) (types.Chunk, bool) {
	var parts []string
	if level := data.String("education_level"); level != "" {
		if label, ok := educationLevels[level]; ok {
			level = label
		}
		parts = append(parts, "최종 학력: "+level)
	}
	if v := data.String("education_school"); v != "" {
		parts = append(parts, "학교: "+v)
	}
	if v := data.String("education_major"); v != "" {
		parts = append(parts, "전공: "+v)
	}

	if educations := objectsAt(data, "educations"); len(educations) > 0 {
		parts = append(parts, "\n학력 상세:")
		for _, edu := range educations {
			if edu == nil {
				continue
			}
			var line []string
			for _, key := range []string{"school", "major", "degree"} {
				if v := edu.String(key); v != "" {
					line = append(line, v)
				}
			}
			if types.Truthy(edu["graduation_year"]) {
				line = append(line, fmt.Sprintf("(%s)", edu.String("graduation_year")))
			}
			if len(line) > 0 {
				parts = append(parts, "- "+strings.Join(line, " / "))
			}
		}
	}

	content := strings.Join(parts, "\n")
	if strings.TrimSpace(content) == "" {
		return types.Chunk{}, false
	}
	return types.Chunk{
		Type:    types.ChunkEducation,
		Index:   0,
		Content: b.bound(content),
		Metadata: map[string]any{
			"education_level": data["education_level"],
			"school":          data["education_school"],
			"major":           data["education_major"],
		},
	}, true
}

// BuildRaw 原文 chunk：一个 raw_full，超过窗口长度时再加滑动窗口 raw_section
func (b *Builder) BuildRaw(text string) []types.Chunk {
	runes := []rune(text)
	if len([]rune(strings.TrimSpace(text))) < b.cfg.RawMinChars {
		return nil
	}

	korean := IsKoreanDominant(text, b.cfg.KoreanThreshold)
	total := len(runes)
	full := runes
	if total > b.cfg.RawFullMaxChars {
		full = runes[:b.cfg.RawFullMaxChars]
	}
	truncated := len(full) < total
	if truncated {
		b.logger.Warn().Int("original_length", total).Int("truncated_chars", total-len(full)).Msg("原文超过上限，raw_full 已截断")
	}

	chunks := []types.Chunk{{
		Type:    types.ChunkRawFull,
		Index:   0,
		Content: string(full),
		Metadata: map[string]any{
			"original_length":     total,
			"truncated":           truncated,
			"truncated_chars":     total - len(full),
			"is_korean_optimized": korean,
		},
	}}

	window, overlap := b.cfg.SectionWindow, b.cfg.SectionOverlap
	if korean {
		window, overlap = b.cfg.KoreanSectionWindow, b.cfg.KoreanSectionOverlap
	}
	if total <= window {
		return chunks
	}
	step := window - overlap
	if step <= 0 {
		step = window
	}

	index := 0
	for start := 0; start < total; start += step {
		end := min(start+window, total)
		section := string(runes[start:end])
		if len([]rune(strings.TrimSpace(section))) >= b.cfg.SectionMinChars {
			chunks = append(chunks, types.Chunk{
				Type:    types.ChunkRawSection,
				Index:   index,
				Content: section,
				Metadata: map[string]any{
					"start_pos":           start,
					"end_pos":             end,
					"section_length":      end - start,
					"is_korean_optimized": korean,
				},
			})
			index++
		}
		if end == total {
			break
		}
	}
	return chunks
}

// IsKoreanDominant 非空白字符中韩文音节占比是否达到阈值（含等于）
func IsKoreanDominant(text string, threshold float64) bool {
	var hangul, counted int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		counted++
		if r >= '가' && r <= '힣' {
			hangul++
		}
	}
	if counted == 0 {
		return false
	}
	return float64(hangul)/float64(counted) >= threshold
}

// bound 结构化 chunk 的长度上限
func (b *Builder) bound(content string) string {
	r := []rune(content)
	if len(r) <= b.cfg.MaxStructuredChars {
		return content
	}
	return string(r[:b.cfg.MaxStructuredChars])
}

// objectsAt 与原列表下标一一对应，非对象元素位置为 nil
func objectsAt(data types.Record, key string) []types.Record {
	list, ok := data[key].([]any)
	if !ok {
		return data.Objects(key)
	}
	out := make([]types.Record, len(list))
	for i, v := range list {
		switch m := v.(type) {
		case map[string]any:
			out[i] = types.Record(m)
		case types.Record:
			out[i] = m
		}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func truthyBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
