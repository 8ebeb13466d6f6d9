// Package labels 把简历中各种写法的段落标题归一到固定的标签集合。
package labels

import (
	"strings"
	"unicode/utf8"
)

// Label 规范化的段落标签
type Label string

const (
	Profile        Label = "profile"        // 인적사항, 기본정보
	Career         Label = "career"         // 경력사항, 이력
	Education      Label = "education"      // 학력사항
	Skills         Label = "skills"         // 기술스택, 보유기술
	Projects       Label = "projects"       // 프로젝트, 수행업무
	Summary        Label = "summary"        // 자기소개, 요약
	Strengths      Label = "strengths"      // 핵심역량, 강점
	Certifications Label = "certifications" // 자격증
	Awards         Label = "awards"         // 수상경력
	Languages      Label = "languages"      // 외국어
	Unknown        Label = "unknown"
)

// ordered 决定模糊匹配时的遍历顺序
var ordered = []Label{
	Profile, Career, Education, Skills, Projects,
	Summary, Strengths, Certifications, Awards, Languages,
}

var synonyms = map[Label][]string{
	Profile: {
		"인적사항", "기본정보", "기본 정보", "개인정보", "개인 정보",
		"이름", "성명", "성함", "연락처", "소개",
		"profile", "personal info", "personal information", "contact", "about",
		"name", "full name", "contact info", "contact information",
	},
	Career: {
		"경력", "경력사항", "경력 사항", "주요경력", "주요 경력", "주요경력사항",
		"경력기술", "경력기술서", "이력", "이력사항", "업무경력", "업무 경력",
		"직장경력", "재직경력", "경력상세", "경력 상세",
		"career", "experience", "work experience", "employment", "employment history",
		"work history", "professional experience", "job history",
	},
	Education: {
		"학력", "학력사항", "학력 사항", "학교", "교육", "교육사항",
		"최종학력", "최종 학력",
		"education", "educational background", "academic", "academic background",
		"school", "university", "degree",
	},
	Skills: {
		"기술", "기술스택", "기술 스택", "보유기술", "보유 기술",
		"스킬", "역량", "기술역량", "전문기술", "핵심기술",
		"skills", "skill", "technical skills", "tech stack", "technologies",
		"competencies", "expertise",
	},
	Projects: {
		"프로젝트", "프로젝트 경험", "프로젝트경험", "수행업무", "수행 업무",
		"주요프로젝트", "주요 프로젝트", "참여프로젝트", "담당업무",
		"projects", "project", "project experience", "key projects",
	},
	Summary: {
		"자기소개", "자기 소개", "소개", "요약", "한줄소개",
		"지원동기", "경력요약", "경력 요약",
		"summary", "about me", "introduction", "overview", "objective",
		"professional summary",
	},
	Strengths: {
		"핵심역량", "핵심 역량", "강점", "장점", "핵심강점", "핵심 강점",
		"역량", "주요역량", "주요 역량",
		"strengths", "key strengths", "core competencies", "highlights",
	},
	Certifications: {
		"자격증", "자격", "자격사항", "자격 사항", "면허", "자격면허",
		"취득자격", "보유자격",
		"certifications", "certificates", "licenses", "qualifications",
	},
	Awards: {
		"수상", "수상경력", "수상 경력", "수상내역", "수상 내역",
		"awards", "honors", "achievements",
	},
	Languages: {
		"외국어", "어학", "어학능력", "어학 능력", "언어", "언어능력",
		"languages", "language skills", "foreign languages",
	},
}

// reverse 归一化写法 -> 标签。重复的同义词以后出现的标签为准（"소개" -> summary，"역량" -> strengths）
var reverse = buildReverse()

func buildReverse() map[string]Label {
	m := make(map[string]Label)
	for _, label := range ordered {
		for _, title := range synonyms[label] {
			m[Key(title)] = label
		}
	}
	return m
}

// Key 小写并去掉所有空白字符
func Key(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "")
}

// Normalize 把原始标题映射到规范标签，无法识别时返回 Unknown
func Normalize(rawTitle string) Label {
	k := Key(rawTitle)
	if k == "" {
		return Unknown
	}
	if label, ok := reverse[k]; ok {
		return label
	}
	for _, label := range ordered {
		for _, title := range synonyms[label] {
			t := Key(title)
			if strings.Contains(k, t) || strings.Contains(t, k) {
				return label
			}
		}
	}
	return Unknown
}

// Lookup 只做精确查找
func Lookup(rawTitle string) (Label, bool) {
	label, ok := reverse[Key(rawTitle)]
	return label, ok
}

// Synonyms 返回标签对应的所有同义词副本
func Synonyms(label Label) []string {
	return append([]string(nil), synonyms[label]...)
}

// All 返回全部已知标签（不含 Unknown），顺序固定
func All() []Label {
	return append([]Label(nil), ordered...)
}

// Valid 判断是否为已知标签
func (l Label) Valid() bool {
	_, ok := synonyms[l]
	return ok
}

func (l Label) String() string { return string(l) }

// IsSectionHeader 判断一行文本是否可以作为章节标题：不超过 maxRunes 个字符且能识别出标签
func IsSectionHeader(line string, maxRunes int) bool {
	line = strings.TrimSpace(line)
	if line == "" || utf8.RuneCountInString(line) > maxRunes {
		return false
	}
	return Normalize(line) != Unknown
}
