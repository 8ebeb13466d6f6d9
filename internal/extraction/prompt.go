package extraction

import (
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// DefaultTemperature 抽取调用的默认温度
const DefaultTemperature float32 = 0.1

// resumeGuide 韩文简历抽取说明，所有 provider 共用
const resumeGuide = `
## 한국 이력서/경력기술서 추출 가이드

### 중요: 한국 이력서의 특성
- 이름: "이름:" 라벨 없이 "김경민" 처럼 단독으로 표시됨
- 문서 최상단/헤더에 이름 위치
- 이름은 2~4글자 한글 또는 영문

### 이름 추출 우선순위
1. 문서 최상단의 한글 이름 (2~4글자)
2. "성명", "이름" 라벨 옆의 값
3. 파일명에서 추출 (예: "김경민_이력서.pdf" → "김경민")

### 추출 규칙
- 명시적 라벨 없어도 문맥에서 추론
- 정보 없으면 null 반환
- 경력연수는 경력 기간 합산

반드시 유효한 JSON만 출력하세요.
`

// BuildMessages 按 schema 种类生成 system/user 两条消息
func BuildMessages(s Schema, text, filename string) []*schema.Message {
	if filename == "" {
		filename = "Unknown"
	}

	var system, user string
	if s.Kind == KindUnified {
		system = fmt.Sprintf("You are an expert Resume Parser. Extract ALL information from the resume.\n\n%s\n"+
			"Return a single JSON object with all extracted fields. If a field is not found, omit it.\n", resumeGuide)
		user = fmt.Sprintf("Extract all information from this resume:\n\nFilename: %s\n\n---\n%s\n---\n\nReturn valid JSON only.",
			filename, text)
	} else {
		system = fmt.Sprintf("You are a specialized Resume Assistant.\nTarget Section: %s\n\nrules:\n%s\n", s.Section, resumeGuide)
		user = fmt.Sprintf("Extract the following section from the resume text:\n\nFilename: %s\n---\n%s\n---\n", filename, text)
	}

	return []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	}
}

// schemaInstruction 给没有原生结构化输出的 provider 追加的字段说明
func schemaInstruction(s Schema) string {
	data, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return ""
	}
	return "\n\nRespond with a JSON object that conforms to this JSON Schema:\n" + string(data)
}

// splitMessages 拆分出 system 提示和其余消息
func splitMessages(messages []*schema.Message) (string, []*schema.Message) {
	var system string
	rest := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		if m.Role == schema.System {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
