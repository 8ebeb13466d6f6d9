package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType 错误分类，写入 span 的 error.type 属性
type ErrorType string

const (
	ErrorTypeHTTP       ErrorType = "http"
	ErrorTypeDB         ErrorType = "db"
	ErrorTypeRedis      ErrorType = "redis"
	ErrorTypeRabbitMQ   ErrorType = "rabbitmq"
	ErrorTypeVectorDB   ErrorType = "vector_db"
	ErrorTypeObject     ErrorType = "object_storage"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeProvider   ErrorType = "llm_provider"
	ErrorTypeEmbedding  ErrorType = "embedding"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// RecordError 记录错误，添加统一的错误类型和详情
func RecordError(span trace.Span, err error, errorType ErrorType, attributes ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", TruncateString(err.Error(), DefaultMaxLength)),
	)
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}
	span.SetStatus(codes.Error, err.Error())
}

// ClassifyProviderError 区分超时和其它provider错误
func ClassifyProviderError(err error) ErrorType {
	if err == nil {
		return ""
	}
	if IsTimeout(err.Error()) {
		return ErrorTypeTimeout
	}
	return ErrorTypeProvider
}

// IsTimeout 以错误文本判断是否超时（忽略大小写）
func IsTimeout(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "timeout")
}

// IsContextTimeout 判断是否为 context 截止时间导致的错误
func IsContextTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return err != nil && IsTimeout(err.Error())
}
