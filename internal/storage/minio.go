package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/tracing"
)

var minioTracer = otel.Tracer("resume-crosscheck/storage/minio")

// RawTextArchive 原文归档接口，重建原文 chunk 时读取
type RawTextArchive interface {
	PutRawText(ctx context.Context, analysisID, text string) (string, error)
	GetRawText(ctx context.Context, objectKey string) (string, error)
}

// OriginalArchive 可选的原始上传文件归档
type OriginalArchive interface {
	PutOriginal(ctx context.Context, analysisID, fileExt string, data []byte) (string, error)
}

var (
	_ RawTextArchive  = (*MinIO)(nil)
	_ OriginalArchive = (*MinIO)(nil)
)

// MinIO 原文与上传文件的对象存储
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
	logger zerolog.Logger
}

// NewMinIO 创建MinIO客户端并确保存储桶存在
func NewMinIO(cfg *config.MinIOConfig, zl zerolog.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	logger := zl.With().Str("component", "minio").Logger()

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	bucket := cfg.RawTextBucket
	if bucket == "" {
		bucket = "resume-raw-text"
	}

	m := &MinIO{client: client, cfg: cfg, bucket: bucket, logger: logger}
	if err := m.ensureBucketExists(context.Background(), bucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保存储桶 %s 存在失败: %w", bucket, err)
	}
	if cfg.RawTextExpire > 0 {
		if err := m.setupBucketLifecycle(context.Background(), bucket, "expire-raw-text", cfg.RawTextExpire); err != nil {
			logger.Warn().Err(err).Str("bucket", bucket).Msg("设置生命周期规则失败")
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", bucket).Msg("MinIO客户端初始化成功")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if exists {
		return nil
	}
	m.logger.Info().Str("bucket", bucketName).Msg("存储桶不存在，创建中")
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
	}
	return nil
}

// setupBucketLifecycle 为指定存储桶设置过期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, bucketName, lc)
}

// RawTextObjectKey 原文对象键: analysis/{id}/raw_text.txt
func RawTextObjectKey(analysisID string) string {
	return path.Join("analysis", analysisID, "raw_text.txt")
}

// OriginalObjectKey 上传文件对象键: analysis/{id}/original{.ext}
func OriginalObjectKey(analysisID, fileExt string) string {
	if fileExt != "" && !strings.HasPrefix(fileExt, ".") {
		fileExt = "." + fileExt
	}
	return path.Join("analysis", analysisID, "original"+strings.ToLower(fileExt))
}

// TextMD5 文本的 MD5，作为缓存和去重的键
func TextMD5(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// PutRawText 归档原文，返回对象键
func (m *MinIO) PutRawText(ctx context.Context, analysisID, text string) (string, error) {
	objectName := RawTextObjectKey(analysisID)
	if err := m.put(ctx, objectName, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("上传原文 %s 失败: %w", objectName, err)
	}
	return objectName, nil
}

// PutOriginal 归档上传的原始文件
func (m *MinIO) PutOriginal(ctx context.Context, analysisID, fileExt string, data []byte) (string, error) {
	objectName := OriginalObjectKey(analysisID, fileExt)
	if err := m.put(ctx, objectName, data, getContentType(path.Ext(objectName))); err != nil {
		return "", fmt.Errorf("上传原始文件 %s 失败: %w", objectName, err)
	}
	return objectName, nil
}

func (m *MinIO) put(ctx context.Context, objectName string, data []byte, contentType string) error {
	ctx, span := minioTracer.Start(ctx, "MinIO.PutObject",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("object.bucket", m.bucket),
			attribute.String("object.key", objectName),
			attribute.Int("object.size", len(data)),
		))
	defer span.End()

	info, err := m.client.PutObject(ctx, m.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObject)
		return err
	}
	m.logger.Debug().Str("object", objectName).Str("etag", info.ETag).Int64("size", info.Size).Msg("对象上传完成")
	return nil
}

// GetRawText 读取归档的原文
func (m *MinIO) GetRawText(ctx context.Context, objectKey string) (string, error) {
	ctx, span := minioTracer.Start(ctx, "MinIO.GetObject",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("object.bucket", m.bucket),
			attribute.String("object.key", objectKey),
		))
	defer span.End()

	obj, err := m.client.GetObject(ctx, m.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObject)
		return "", fmt.Errorf("获取对象 %s/%s 失败: %w", m.bucket, objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObject)
		return "", fmt.Errorf("读取对象 %s/%s 数据失败: %w", m.bucket, objectKey, err)
	}
	return string(data), nil
}

func getContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}
