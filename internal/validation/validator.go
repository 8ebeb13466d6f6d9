// Package validation 用原文和文件名对合并结果做启发式复核，修正个别字段并调整置信度。
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"resume-crosscheck/internal/crosscheck"
	"resume-crosscheck/internal/types"
)

var (
	koreanNamePattern  = regexp.MustCompile(`^[가-힣]{2,4}$`)
	englishNamePattern = regexp.MustCompile(`^[A-Za-z\s\-.]+$`)
	phonePattern       = regexp.MustCompile(`01[0-9][-\s]?\d{3,4}[-\s]?\d{4}`)
	emailPattern       = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	emailPrefix        = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	koreanToken        = regexp.MustCompile(`[가-힣]{2,4}`)
	nonDigit           = regexp.MustCompile(`\D`)

	fileExt      = regexp.MustCompile(`(?i)\.(pdf|hwp|hwpx|doc|docx)$`)
	fileKeywords = regexp.MustCompile(`(?i)[_\-\s]*(이력서|경력기술서|resume|cv|자기소개서|지원서).*`)
	fileDate     = regexp.MustCompile(`_\d{6,}.*$`)
)

// nameStoplist 文档开头常见但不是人名的词
var nameStoplist = map[string]bool{
	"이력서": true, "경력서": true, "자기소": true, "개서": true, "성명": true,
	"이름": true, "생년월": true, "휴대폰": true, "이메일": true, "주소": true,
}

// 姓名回退扫描的范围
const nameScanRunes = 200

// 技能少于该数量时从原文补充
const minSkills = 3

// Finding 单个字段的复核结论
type Finding struct {
	Field     string  `json:"field"`
	Valid     bool    `json:"valid"`
	Boost     float64 `json:"confidence_boost"`
	Corrected bool    `json:"corrected"`
	Value     any     `json:"value,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Warning   string  `json:"warning,omitempty"`
}

// Outcome 复核结果，Data 为修正后的新记录
type Outcome struct {
	Data        types.Record
	Adjustments map[string]float64
	Findings    []Finding
	Corrections []types.Correction
}

// Validator 启发式复核器，永不返回错误
type Validator struct {
	now    func() time.Time
	logger zerolog.Logger
}

// Option 复核器选项
type Option func(*Validator)

// WithClock 注入当前时间，用于计算在职经历
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New 创建复核器
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate 复核记录，不修改输入
func (v *Validator) Validate(data types.Record, text, filename string) Outcome {
	out := Outcome{
		Data:        data.Clone(),
		Adjustments: make(map[string]float64, 5),
	}
	if out.Data == nil {
		out.Data = types.Record{}
	}

	name := v.validateName(data.String("name"), text, filename)
	out.record(name, data["name"])

	phone := validatePhone(data.String("phone"), text)
	phone.Reason = pick(phone.Corrected, "원본 텍스트에서 재추출", phone.Reason)
	out.record(phone, data["phone"])

	email := validateEmail(data.String("email"), text)
	email.Reason = pick(email.Corrected, "원본 텍스트에서 재추출", email.Reason)
	out.record(email, data["email"])

	exp := v.validateExperience(data)
	out.record(exp, data["exp_years"])

	skills := validateSkills(data.Strings("skills"), text)
	if skills.Corrected {
		out.Data["skills"] = skills.Value
		out.Corrections = append(out.Corrections, types.Correction{
			Field: "skills", Original: data.Strings("skills"), Corrected: skills.Value, Reason: skills.Reason,
		})
	}
	out.Findings = append(out.Findings, skills)
	out.Adjustments["skills"] = skills.Boost

	v.logger.Info().Int("corrections", len(out.Corrections)).Msg("复核完成")
	return out
}

// record 写入字段结论；修正值覆盖 Data 并记入审计列表
func (o *Outcome) record(f Finding, original any) {
	o.Findings = append(o.Findings, f)
	o.Adjustments[f.Field] = f.Boost
	if !f.Corrected {
		return
	}
	o.Data[f.Field] = f.Value
	o.Corrections = append(o.Corrections, types.Correction{
		Field: f.Field, Original: original, Corrected: f.Value, Reason: f.Reason,
	})
}

// Apply 在合并结果上应用复核：替换数据、追加修正与告警、调整置信度
func (v *Validator) Apply(res crosscheck.Result, text, filename string) crosscheck.Result {
	if !res.Success {
		return res
	}
	out := v.Validate(res.Data, text, filename)

	adjusted := res
	adjusted.Data = out.Data
	adjusted.Corrections = append(append([]types.Correction(nil), res.Corrections...), out.Corrections...)
	adjusted.Warnings = append([]types.Warning(nil), res.Warnings...)
	adjusted.FieldConfidence = make(map[string]float64, len(res.FieldConfidence))
	for k, c := range res.FieldConfidence {
		adjusted.FieldConfidence[k] = c
	}

	var boostSum float64
	for _, f := range out.Findings {
		if f.Warning != "" {
			adjusted.Warnings = append(adjusted.Warnings, types.Warning{
				Kind: types.WarnValidation, Field: f.Field, Message: f.Warning, Severity: types.SeverityMedium,
			})
		}
		if c, ok := adjusted.FieldConfidence[f.Field]; ok {
			adjusted.FieldConfidence[f.Field] = clamp(c + f.Boost)
		}
	}
	for _, b := range out.Adjustments {
		boostSum += b
	}
	if len(out.Adjustments) > 0 {
		adjusted.Confidence = clamp(res.Confidence + boostSum/float64(len(out.Adjustments)))
	}
	return adjusted
}

// FilenameName 从文件名推断候选人姓名，只接受 2~4 个韩文字符
func FilenameName(filename string) string {
	if filename == "" {
		return ""
	}
	part := fileExt.ReplaceAllString(filename, "")
	part = fileKeywords.ReplaceAllString(part, "")
	part = fileDate.ReplaceAllString(part, "")
	part = strings.Trim(part, "_- ")
	if koreanNamePattern.MatchString(part) {
		return part
	}
	return ""
}

func (v *Validator) validateName(extracted, text, filename string) Finding {
	f := Finding{Field: "name"}
	fromFile := FilenameName(filename)

	switch {
	case extracted == "":
	case koreanNamePattern.MatchString(extracted):
		f.Valid, f.Value = true, extracted
		if fromFile != "" && extracted == fromFile {
			f.Boost, f.Reason = 0.2, "파일명과 일치"
		} else {
			f.Boost, f.Reason = 0.1, "유효한 한국어 이름"
		}
	case englishNamePattern.MatchString(extracted):
		f.Valid, f.Value = true, extracted
		f.Boost, f.Reason = 0.05, "유효한 영문 이름"
	}

	if !f.Valid && fromFile != "" {
		v.logger.Info().Str("name", fromFile).Msg("从文件名修正姓名")
		return Finding{Field: "name", Valid: true, Corrected: true, Value: fromFile, Boost: 0.15, Reason: "파일명에서 이름 추출"}
	}

	if !f.Valid {
		head := []rune(text)
		if len(head) > nameScanRunes {
			head = head[:nameScanRunes]
		}
		for _, token := range koreanToken.FindAllString(string(head), -1) {
			if nameStoplist[token] {
				continue
			}
			return Finding{Field: "name", Valid: true, Corrected: true, Value: token, Boost: 0.05, Reason: "텍스트 상단에서 추출"}
		}
	}
	return f
}

func validatePhone(extracted, text string) Finding {
	if extracted != "" {
		if n := len(nonDigit.ReplaceAllString(extracted, "")); n >= 10 && n <= 11 {
			return Finding{Field: "phone", Valid: true, Value: extracted, Boost: 0.1}
		}
	}
	if m := phonePattern.FindString(text); m != "" {
		return Finding{Field: "phone", Valid: true, Corrected: true, Value: m, Boost: 0.05}
	}
	return Finding{Field: "phone"}
}

func validateEmail(extracted, text string) Finding {
	if extracted != "" && emailPrefix.MatchString(extracted) {
		return Finding{Field: "email", Valid: true, Value: extracted, Boost: 0.1}
	}
	if m := emailPattern.FindString(text); m != "" {
		return Finding{Field: "email", Valid: true, Corrected: true, Value: m, Boost: 0.05}
	}
	return Finding{Field: "email"}
}

func (v *Validator) validateExperience(data types.Record) Finding {
	f := Finding{Field: "exp_years", Valid: true}
	exp, _ := data.Float("exp_years")
	careers := data.Objects("careers")

	if len(careers) == 0 {
		if exp > 0 {
			f.Valid = false
			f.Warning = "경력 연수가 있지만 경력 목록이 비어있음"
		}
		return f
	}

	currentYear := v.now().Year()
	calculated := 0
	for _, c := range careers {
		start, ok := parseYear(c.String("start_date"))
		if !ok {
			continue
		}
		end := currentYear
		if raw, present := c["end_date"]; !truthyBool(c["is_current"]) && present && raw != nil && !isOngoing(types.Stringify(raw)) {
			y, ok := parseYear(types.Stringify(raw))
			if !ok {
				continue
			}
			end = y
		}
		if years := end - start; years > 0 {
			calculated += years
		}
	}

	if exp > 0 && calculated > 0 {
		switch diff := math.Abs(exp - float64(calculated)); {
		case diff <= 1:
			f.Boost = 0.1
		case diff <= 3:
			f.Boost = 0.05
		default:
			f.Valid = false
			f.Warning = fmt.Sprintf("경력 연수 불일치: 입력 %s년, 계산 %d년", types.FormatNumber(exp), calculated)
		}
	}
	return f
}

// parseYear "2019-03" / "2019.03" / "2019" -> 2019
func parseYear(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if i := strings.Index(s, "-"); i >= 0 {
		s = s[:i]
	} else if len(s) > 4 {
		s = s[:4]
	}
	y, err := strconv.Atoi(strings.TrimSpace(s))
	return y, err == nil
}

func isOngoing(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "현재", "재직중", "재직 중", "present", "current":
		return true
	}
	return false
}

func truthyBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

func clamp(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// skillCatalog 原文补充技能时扫描的关键词，按该顺序追加
var skillCatalog = []string{
	"Python", "Java", "JavaScript", "TypeScript", "Go", "Rust", "C++", "C#", "Ruby", "PHP", "Swift", "Kotlin",
	"React", "Vue", "Angular", "Next.js", "Django", "Flask", "Spring", "Node.js", "Express",
	"MySQL", "PostgreSQL", "MongoDB", "Redis", "Oracle", "SQL Server",
	"AWS", "GCP", "Azure", "Docker", "Kubernetes", "Terraform",
	"Git", "Jira", "Confluence", "Slack", "Figma", "Notion",
	"파이썬", "자바", "리액트", "뷰", "노드",
}

// skillPatterns 关键词两侧不能紧贴字母或数字
var skillPatterns = func() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(skillCatalog))
	for i, kw := range skillCatalog {
		patterns[i] = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(kw) + `(?:$|[^\p{L}\p{N}_])`)
	}
	return patterns
}()

// ScanSkills 返回原文中出现的目录关键词
func ScanSkills(text string) []string {
	var found []string
	for i, p := range skillPatterns {
		if p.MatchString(text) {
			found = append(found, skillCatalog[i])
		}
	}
	return found
}

func validateSkills(extracted []string, text string) Finding {
	f := Finding{Field: "skills", Valid: true, Value: extracted}
	if len(extracted) >= minSkills {
		return f
	}

	merged := append([]string(nil), extracted...)
	seen := make(map[string]bool, len(extracted))
	for _, s := range extracted {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range ScanSkills(text) {
		if !seen[strings.ToLower(s)] {
			seen[strings.ToLower(s)] = true
			merged = append(merged, s)
		}
	}
	if len(merged) > len(extracted) {
		f.Corrected, f.Value = true, merged
		f.Boost, f.Reason = 0.05, "원본 텍스트에서 기술 스택 재추출"
	}
	return f
}
