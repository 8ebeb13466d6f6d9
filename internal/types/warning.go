package types

// Severity 警告级别
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// 警告类型
const (
	WarnTimeout          = "timeout"
	WarnLLMError         = "llm_error"
	WarnCritical         = "critical"
	WarnInfo             = "info"
	WarnMismatch         = "mismatch"
	WarnMismatchResolved = "mismatch_resolved"
	WarnValidation       = "validation"
	WarnEmbedding        = "embedding"
)

// Warning 只追加不删除的告警
type Warning struct {
	Kind     string   `json:"type"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Correction 校验器做出的一次修正
type Correction struct {
	Field     string `json:"field"`
	Original  any    `json:"original"`
	Corrected any    `json:"corrected"`
	Reason    string `json:"reason"`
}
