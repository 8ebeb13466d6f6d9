package storage

import "time"

// AnalysisJobMessage 异步分析任务消息，经 outbox 发布到分析队列
type AnalysisJobMessage struct {
	AnalysisID  string    `json:"analysis_id"`
	EventType   string    `json:"event_type"`     // analysis.requested | analysis.reindex_requested
	Kind        string    `json:"kind"`           // unified | sections
	Mode        string    `json:"mode,omitempty"` // two-way | three-way
	Filename    string    `json:"filename"`
	RawTextPath string    `json:"raw_text_path,omitempty"` // MinIO中的原文对象键
	RawTextMD5  string    `json:"raw_text_md5,omitempty"`
	Index       bool      `json:"index"`          // 完成后生成并向量化 chunk
	Text        string    `json:"text,omitempty"` // 未配置 MinIO 时直接携带原文
	SubmittedAt time.Time `json:"submitted_at"`
}
