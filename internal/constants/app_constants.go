package constants

import "time"

const (
	// ServiceName 服务名，用于日志和追踪
	ServiceName = "resume-crosscheck"

	// 分析任务状态
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"

	// 分析类型：整篇抽取或按段落抽取
	AnalysisUnified  = "unified"
	AnalysisSections = "sections"

	// 事件类型，写入 outbox 后由 relay 发布
	EventAnalysisRequested = "analysis.requested"
	EventReindexRequested  = "analysis.reindex_requested"

	// AnalysisLockTTL 同一分析任务的处理锁
	AnalysisLockTTL = 10 * time.Minute
	// DefaultResultCacheTTL 配置中未指定时的抽取缓存时间
	DefaultResultCacheTTL = 24 * time.Hour
)
