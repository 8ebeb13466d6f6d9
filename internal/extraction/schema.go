// Package extraction 把简历文本并行发送给多个抽取 provider，收集各自的结构化结果。
package extraction

import (
	"fmt"

	"resume-crosscheck/internal/types"
)

// Kind 抽取 schema 的种类
type Kind string

const (
	KindProfile Kind = "profile"
	KindCareer  Kind = "career"
	KindSpec    Kind = "spec" // 学历、技能、项目
	KindSummary Kind = "summary"
	KindUnified Kind = "unified"
)

// SchemaName 结构化输出使用的 schema 名称
const SchemaName = "resume_extraction"

// SchemaVersion 字段契约版本，字段增删时递增
const SchemaVersion = "2"

// Schema 一次抽取调用的字段契约
type Schema struct {
	Kind     Kind
	Name     string
	Version  string
	Section  string   // 提示词里的目标段落名
	Fields   []string // 顶层字段，同时也是 required 列表
	validate func(types.Record) []string
}

var nullableString = []string{"string", "null"}

// properties 各顶层字段的 JSON schema 定义
var properties = map[string]map[string]any{
	"name":          {"type": nullableString, "description": "후보자 이름"},
	"birth_year":    {"type": []string{"integer", "null"}, "description": "출생 연도 (4자리)"},
	"gender":        {"type": nullableString, "description": "성별 (male/female)"},
	"phone":         {"type": nullableString, "description": "휴대폰 번호"},
	"email":         {"type": nullableString, "description": "이메일 주소"},
	"address":       {"type": nullableString, "description": "거주지 주소"},
	"location_city": {"type": nullableString, "description": "거주 도시"},
	"exp_years":     {"type": "number", "description": "총 경력 연수"},
	"last_company":  {"type": nullableString, "description": "최근 직장명"},
	"last_position": {"type": nullableString, "description": "최근 직책"},
	"careers": {
		"type":        "array",
		"description": "경력 목록",
		"items": objectSchema(map[string]any{
			"company":     map[string]any{"type": "string", "description": "회사명"},
			"position":    map[string]any{"type": nullableString, "description": "직책"},
			"department":  map[string]any{"type": nullableString, "description": "부서"},
			"start_date":  map[string]any{"type": nullableString, "description": "입사일"},
			"end_date":    map[string]any{"type": nullableString, "description": "퇴사일"},
			"is_current":  map[string]any{"type": "boolean", "description": "현재 재직 여부"},
			"description": map[string]any{"type": nullableString, "description": "업무 내용"},
		}, "company", "position", "department", "start_date", "end_date", "is_current", "description"),
	},
	"skills":           {"type": "array", "description": "기술 스택 목록", "items": map[string]any{"type": "string"}},
	"education_level":  {"type": nullableString, "description": "최종 학력"},
	"education_school": {"type": nullableString, "description": "최종 학교명"},
	"education_major":  {"type": nullableString, "description": "전공"},
	"educations": {
		"type":        "array",
		"description": "학력 목록",
		"items": objectSchema(map[string]any{
			"school":          map[string]any{"type": "string", "description": "학교명"},
			"degree":          map[string]any{"type": nullableString, "description": "학위"},
			"major":           map[string]any{"type": nullableString, "description": "전공"},
			"graduation_year": map[string]any{"type": []string{"integer", "null"}, "description": "졸업 연도"},
			"is_graduated":    map[string]any{"type": "boolean", "description": "졸업 여부"},
		}, "school", "degree", "major", "graduation_year", "is_graduated"),
	},
	"projects": {
		"type":        "array",
		"description": "프로젝트 목록",
		"items": objectSchema(map[string]any{
			"name":         map[string]any{"type": "string", "description": "프로젝트명"},
			"role":         map[string]any{"type": nullableString, "description": "역할"},
			"period":       map[string]any{"type": nullableString, "description": "기간"},
			"description":  map[string]any{"type": nullableString, "description": "설명"},
			"technologies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "사용 기술"},
		}, "name", "role", "period", "description", "technologies"),
	},
	"summary":       {"type": nullableString, "description": "후보자 요약 (300자 이내)"},
	"strengths":     {"type": "array", "description": "강점 목록", "items": map[string]any{"type": "string"}},
	"portfolio_url": {"type": nullableString, "description": "포트폴리오 URL"},
	"github_url":    {"type": nullableString, "description": "GitHub URL"},
	"linkedin_url":  {"type": nullableString, "description": "LinkedIn URL"},
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

var (
	profileFields = []string{
		"name", "birth_year", "gender", "phone", "email", "address", "location_city",
		"portfolio_url", "github_url", "linkedin_url",
	}
	careerFields  = []string{"exp_years", "last_company", "last_position", "careers"}
	specFields    = []string{"skills", "education_level", "education_school", "education_major", "educations", "projects"}
	summaryFields = []string{"summary", "strengths"}

	unifiedFields = []string{
		"name", "birth_year", "gender", "phone", "email", "address", "location_city",
		"exp_years", "last_company", "last_position", "careers", "skills",
		"education_level", "education_school", "education_major", "educations",
		"projects", "summary", "strengths", "portfolio_url", "github_url", "linkedin_url",
	}
)

var schemas = map[Kind]Schema{
	KindProfile: {Kind: KindProfile, Section: "Profile", Fields: profileFields, validate: validateProfile},
	KindCareer:  {Kind: KindCareer, Section: "Career", Fields: careerFields, validate: validateCareer},
	KindSpec:    {Kind: KindSpec, Section: "Spec", Fields: specFields, validate: validateSpec},
	KindSummary: {Kind: KindSummary, Section: "Summary", Fields: summaryFields, validate: validateSummary},
	KindUnified: {Kind: KindUnified, Section: "Resume", Fields: unifiedFields},
}

// SectionKinds 按段落抽取时依次使用的 schema
var SectionKinds = []Kind{KindProfile, KindCareer, KindSpec, KindSummary}

// SchemaFor 返回指定种类的 schema
func SchemaFor(kind Kind) (Schema, error) {
	s, ok := schemas[kind]
	if !ok {
		return Schema{}, fmt.Errorf("未知的 schema 种类: %q", kind)
	}
	s.Name = SchemaName
	s.Version = SchemaVersion
	s.Fields = append([]string(nil), s.Fields...)
	return s, nil
}

// MustSchema 同 SchemaFor，未知种类时 panic，只用于常量种类
func MustSchema(kind Kind) Schema {
	s, err := SchemaFor(kind)
	if err != nil {
		panic(err)
	}
	return s
}

// Unified 返回统一 schema
func Unified() Schema { return MustSchema(KindUnified) }

// JSONSchema 返回对象级 JSON schema
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		props[f] = properties[f]
	}
	return objectSchema(props, s.Fields...)
}

// Document 返回结构化输出所需的完整描述 {name, description, strict, schema}
func (s Schema) Document() map[string]any {
	return map[string]any{
		"name":        s.Name,
		"description": "Extract structured information from a resume",
		"strict":      true,
		"schema":      s.JSONSchema(),
	}
}

// Project 只保留 schema 内的字段
func (s Schema) Project(r types.Record) types.Record {
	if r == nil {
		return nil
	}
	out := make(types.Record, len(s.Fields))
	for _, f := range s.Fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Validate 执行该种类的段落校验，返回可读的问题描述
func (s Schema) Validate(r types.Record) []string {
	if s.validate == nil {
		return nil
	}
	return s.validate(r)
}

func validateProfile(r types.Record) []string {
	var findings []string
	if !r.Present("name") {
		findings = append(findings, "Missing Name")
	}
	if !r.Present("phone") && !r.Present("email") {
		findings = append(findings, "Missing Contact Info (Phone/Email)")
	}
	return findings
}

func validateCareer(r types.Record) []string {
	exp, _ := r.Float("exp_years")
	if exp > 0 && len(r.Objects("careers")) == 0 {
		return []string{fmt.Sprintf("Exp years is %s but careers list is empty", types.FormatNumber(exp))}
	}
	return nil
}

func validateSpec(r types.Record) []string {
	if !r.Present("education_level") {
		return []string{"Missing Education Level"}
	}
	return nil
}

func validateSummary(r types.Record) []string {
	if !r.Present("summary") {
		return []string{"Missing Summary"}
	}
	return nil
}
