package constants

// Redis Key 格式常量，统一由 storage.Redis.FormatKey 加上配置的前缀
// 格式: {prefix}{module}:{entity}:{unique_id}
const (
	// ResultModulePrefix 抽取结果模块
	ResultModulePrefix = "result"
	// AnalysisModulePrefix 分析任务模块
	AnalysisModulePrefix = "analysis"

	// EntityMerged 合并后的结果
	EntityMerged = "merged"
	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeyMergedResult 合并结果缓存 (STRING, JSON)
	// 格式: {prefix}result:merged:{text_md5}:{mode}:{kind}
	KeyMergedResult = ResultModulePrefix + ":" + EntityMerged + ":%s:%s:%s"

	// KeyAnalysisLock 分析任务处理锁 (STRING)
	// 格式: {prefix}analysis:lock:{analysis_id}
	KeyAnalysisLock = AnalysisModulePrefix + ":" + EntityLock + ":%s"
)
