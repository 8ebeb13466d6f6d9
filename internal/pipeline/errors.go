package pipeline

import (
	"errors"
	"fmt"
)

// 定义基础错误类型
var (
	ErrEmptyText       = errors.New("简历文本为空")
	ErrInvalidRequest  = errors.New("无效的分析请求")
	ErrExtractFailed   = errors.New("简历抽取失败")
	ErrArchiveFailed   = errors.New("归档原文失败")
	ErrEmbeddingFailed = errors.New("chunk向量化失败")
	ErrVectorStore     = errors.New("写入向量库失败")
	ErrStoreFailed     = errors.New("保存分析结果失败")
	ErrPublishFailed   = errors.New("提交异步分析任务失败")
	ErrNotConfigured   = errors.New("所需的存储组件未配置")
)

// PipelineError 包含分析ID和操作步骤的错误
type PipelineError struct {
	AnalysisID string
	Op         string
	BaseErr    error
	Detail     string
}

func (e *PipelineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, ID:%s): %s", e.BaseErr, e.Op, e.AnalysisID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, ID:%s)", e.BaseErr, e.Op, e.AnalysisID)
}

func (e *PipelineError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *PipelineError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

// 错误构造函数
func NewExtractError(id, detail string) error {
	return &PipelineError{AnalysisID: id, Op: "extract", BaseErr: ErrExtractFailed, Detail: detail}
}

func NewArchiveError(id, detail string) error {
	return &PipelineError{AnalysisID: id, Op: "archive", BaseErr: ErrArchiveFailed, Detail: detail}
}

func NewEmbeddingError(id, detail string) error {
	return &PipelineError{AnalysisID: id, Op: "embed", BaseErr: ErrEmbeddingFailed, Detail: detail}
}

func NewVectorStoreError(id, detail string) error {
	return &PipelineError{AnalysisID: id, Op: "upsert", BaseErr: ErrVectorStore, Detail: detail}
}

func NewStoreError(id, detail string) error {
	return &PipelineError{AnalysisID: id, Op: "store", BaseErr: ErrStoreFailed, Detail: detail}
}

func NewPublishError(id, detail string) error {
	return &PipelineError{AnalysisID: id, Op: "publish", BaseErr: ErrPublishFailed, Detail: detail}
}
