package chunking

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/types"
)

func newTestBuilder() *Builder {
	return NewBuilder(config.Default().Chunking, zerolog.Nop())
}

func ofType(chunks []types.Chunk, t types.ChunkType) []types.Chunk {
	var out []types.Chunk
	for _, c := range chunks {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func TestBuildRawMinimumLength(t *testing.T) {
	b := newTestBuilder()
	assert.Empty(t, b.BuildRaw(""))
	assert.Empty(t, b.BuildRaw(strings.Repeat("A", 99)))

	text := strings.Repeat("A", 100)
	chunks := b.BuildRaw(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, types.ChunkRawFull, chunks[0].Type)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, text, chunks[0].Content)
	assert.Equal(t, false, chunks[0].Metadata["truncated"])
}

func TestBuildRawFullTruncation(t *testing.T) {
	chunks := newTestBuilder().BuildRaw(strings.Repeat("A", 10000))
	full := chunks[0]
	assert.Equal(t, types.ChunkRawFull, full.Type)
	assert.Len(t, full.Content, 8000)
	assert.Equal(t, true, full.Metadata["truncated"])
	assert.Equal(t, 10000, full.Metadata["original_length"])
	assert.Equal(t, 2000, full.Metadata["truncated_chars"])
}

func TestBuildRawCountsRunes(t *testing.T) {
	chunks := newTestBuilder().BuildRaw(strings.Repeat("가", 9000))
	full := chunks[0]
	assert.Equal(t, 8000, len([]rune(full.Content)))
	assert.Equal(t, 1000, full.Metadata["truncated_chars"])
}

func TestBuildRawDefaultWindow(t *testing.T) {
	sections := ofType(newTestBuilder().BuildRaw(strings.Repeat("A", 4000)), types.ChunkRawSection)
	require.Len(t, sections, 4)

	starts := []int{0, 1200, 2400, 3600}
	for i, s := range sections {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, starts[i], s.Metadata["start_pos"])
		assert.Equal(t, len([]rune(s.Content)), s.Metadata["section_length"])
		assert.Equal(t, false, s.Metadata["is_korean_optimized"])
	}
	assert.Equal(t, 4000, sections[3].Metadata["end_pos"])
}

func TestBuildRawKoreanWindow(t *testing.T) {
	sections := ofType(newTestBuilder().BuildRaw(strings.Repeat("가", 6000)), types.ChunkRawSection)
	require.Len(t, sections, 4)
	assert.Equal(t, 0, sections[0].Metadata["start_pos"])
	assert.Equal(t, 1500, sections[1].Metadata["start_pos"])
	assert.Equal(t, 2000, len([]rune(sections[0].Content)))
	assert.Equal(t, true, sections[0].Metadata["is_korean_optimized"])
}

func TestBuildRawNoSectionsWithinWindow(t *testing.T) {
	chunks := newTestBuilder().BuildRaw(strings.Repeat("A", 1500))
	assert.Len(t, chunks, 1)

	chunks = newTestBuilder().BuildRaw(strings.Repeat("A", 1550))
	sections := ofType(chunks, types.ChunkRawSection)
	require.Len(t, sections, 2)
	assert.Equal(t, 350, sections[1].Metadata["section_length"])
}

func TestBuildRawDropsShortTrailingWindow(t *testing.T) {
	cfg := config.Default().Chunking
	cfg.SectionOverlap = 0
	sections := ofType(NewBuilder(cfg, zerolog.Nop()).BuildRaw(strings.Repeat("A", 3050)), types.ChunkRawSection)
	require.Len(t, sections, 2)
	assert.Equal(t, 1500, sections[1].Metadata["start_pos"])
}

func TestIsKoreanDominant(t *testing.T) {
	assert.True(t, IsKoreanDominant("한글텍스트입니다ABC", 0.5))
	assert.False(t, IsKoreanDominant("ABCDEFGHIJ한글", 0.5))
	assert.True(t, IsKoreanDominant("한글한글한글한글한글ABCDEFGHIJ", 0.5), "阈值包含等于")
	assert.True(t, IsKoreanDominant("한글 텍스트 입니다 123", 0.5), "空白不计入")
	assert.False(t, IsKoreanDominant("한글텍스트123456", 0.5))
	assert.False(t, IsKoreanDominant("", 0.5))
	assert.False(t, IsKoreanDominant("   ", 0.5))
}

func TestSummaryChunk(t *testing.T) {
	data := types.Record{
		"name":          "김경민",
		"exp_years":     5.0,
		"last_company":  "네이버",
		"last_position": "백엔드 개발자",
		"summary":       "Go 백엔드",
		"strengths":     []any{"설계", "리딩"},
		"skills":        []any{"Go", "Python", "Docker", "Kubernetes", "MySQL", "Redis"},
	}
	summaries := ofType(newTestBuilder().BuildStructured(data), types.ChunkSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t,
		"이름: 김경민\n총 경력: 5년\n최근 직장: 네이버\n최근 직책: 백엔드 개발자\n\n요약: Go 백엔드\n\n강점: 설계, 리딩\n\n핵심 기술: Go, Python, Docker, Kubernetes, MySQL",
		summaries[0].Content)
	assert.Equal(t, "네이버", summaries[0].Metadata["last_company"])
}

func TestSummaryOmittedWhenEmpty(t *testing.T) {
	chunks := newTestBuilder().BuildStructured(types.Record{"phone": "010-1234-5678"})
	assert.Empty(t, chunks)
}

func TestCareerChunks(t *testing.T) {
	data := types.Record{"careers": []any{
		map[string]any{"company": "A사", "position": "개발자", "start_date": "2019-03", "end_date": "2022-02", "description": "API 개발"},
		"broken",
		map[string]any{"company": "B사", "start_date": "2022-03", "is_current": true},
	}}
	careers := ofType(newTestBuilder().BuildStructured(data), types.ChunkCareer)
	require.Len(t, careers, 2)

	assert.Equal(t, 0, careers[0].Index)
	assert.Equal(t, "회사: A사\n직책: 개발자\n기간: 2019-03 ~ 2022-02\n\n업무 내용:\nAPI 개발", careers[0].Content)
	assert.Equal(t, "2022-02", careers[0].Metadata["end_date"])

	assert.Equal(t, 2, careers[1].Index, "序号沿用原列表下标")
	assert.Equal(t, "회사: B사\n기간: 2022-03 ~ 현재", careers[1].Content)
	assert.Nil(t, careers[1].Metadata["end_date"])
	assert.Equal(t, true, careers[1].Metadata["is_current"])
}

func TestProjectChunks(t *testing.T) {
	data := types.Record{"projects": []any{
		map[string]any{"name": "검색 엔진", "role": "리드", "period": "2021-2022", "technologies": []any{"Go", "Qdrant"}, "description": "벡터 검색"},
		map[string]any{},
	}}
	projects := ofType(newTestBuilder().BuildStructured(data), types.ChunkProject)
	require.Len(t, projects, 1)
	assert.Equal(t, "프로젝트: 검색 엔진\n역할: 리드\n기간: 2021-2022\n기술: Go, Qdrant\n\n설명:\n벡터 검색", projects[0].Content)
	assert.Equal(t, []string{"Go", "Qdrant"}, projects[0].Metadata["technologies"])
}

func TestSkillChunk(t *testing.T) {
	data := types.Record{"skills": []any{"Go", "React", "MySQL", "AWS", "Figma", "Java"}}
	skills := ofType(newTestBuilder().BuildStructured(data), types.ChunkSkill)
	require.Len(t, skills, 1)
	assert.Equal(t,
		"기술 스택\n\n프로그래밍: Go, Java\n\n프레임워크: React\n\n데이터베이스: MySQL\n\n클라우드/인프라: AWS\n\n기타: Figma",
		skills[0].Content)
	assert.Equal(t, 6, skills[0].Metadata["skill_count"])
}

func TestSkillMetadataLimit(t *testing.T) {
	var list []any
	for i := 0; i < 25; i++ {
		list = append(list, "skill"+strings.Repeat("x", i))
	}
	skills := ofType(newTestBuilder().BuildStructured(types.Record{"skills": list}), types.ChunkSkill)
	require.Len(t, skills, 1)
	assert.Equal(t, 25, skills[0].Metadata["skill_count"])
	assert.Len(t, skills[0].Metadata["skills"], 20)
}

func TestEducationChunk(t *testing.T) {
	data := types.Record{
		"education_level":  "bachelor",
		"education_school": "서울대학교",
		"education_major":  "컴퓨터공학",
		"educations": []any{
			map[string]any{"school": "서울대학교", "major": "컴퓨터공학", "degree": "학사", "graduation_year": 2018.0},
		},
	}
	edu := ofType(newTestBuilder().BuildStructured(data), types.ChunkEducation)
	require.Len(t, edu, 1)
	assert.Equal(t, "최종 학력: 학사\n학교: 서울대학교\n전공: 컴퓨터공학\n\n학력 상세:\n- 서울대학교 / 컴퓨터공학 / 학사 / (2018)", edu[0].Content)
	assert.Equal(t, "bachelor", edu[0].Metadata["education_level"])
}

func TestStructuredContentBounded(t *testing.T) {
	data := types.Record{"name": "김경민", "summary": strings.Repeat("가", 3000)}
	summaries := ofType(newTestBuilder().BuildStructured(data), types.ChunkSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2000, len([]rune(summaries[0].Content)))
}

func TestBuildOrderAndDeterminism(t *testing.T) {
	data := types.Record{
		"name":            "김경민",
		"skills":          []any{"Go"},
		"careers":         []any{map[string]any{"company": "A사"}},
		"projects":        []any{map[string]any{"name": "P"}},
		"education_level": "master",
	}
	raw := strings.Repeat("이력서 내용입니다. ", 200)

	first := newTestBuilder().Build(data, raw)
	var kinds []types.ChunkType
	for _, c := range first {
		kinds = append(kinds, c.Type)
	}
	assert.Equal(t, []types.ChunkType{
		types.ChunkSummary, types.ChunkCareer, types.ChunkProject, types.ChunkSkill, types.ChunkEducation,
		types.ChunkRawFull, types.ChunkRawSection, types.ChunkRawSection,
	}, kinds)
	assert.Equal(t, first, newTestBuilder().Build(data, raw))
}
