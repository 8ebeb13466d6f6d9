package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/constants"
	"resume-crosscheck/internal/crosscheck"
	"resume-crosscheck/internal/storage/models"
	"resume-crosscheck/internal/tracing"
	"resume-crosscheck/internal/types"
)

var mysqlTracer = otel.Tracer("resume-crosscheck/storage/mysql")

// ErrAnalysisNotFound 分析记录不存在
var ErrAnalysisNotFound = errors.New("分析记录不存在")

type spanContextKey struct{}

// gormTracing 为每条 gorm 语句创建一个客户端 span
type gormTracing struct {
	dbName   string
	dbSystem string
}

func (gormTracing) Name() string { return "crosscheck:otel" }

// Initialize 在 gorm 各类回调前后挂上 span 的开始与结束
func (p gormTracing) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("otel:before_create", p.startSpan("CREATE")),
		cb.Create().After("gorm:create").Register("otel:after_create", endGormSpan),
		cb.Query().Before("gorm:query").Register("otel:before_query", p.startSpan("SELECT")),
		cb.Query().After("gorm:query").Register("otel:after_query", endGormSpan),
		cb.Update().Before("gorm:update").Register("otel:before_update", p.startSpan("UPDATE")),
		cb.Update().After("gorm:update").Register("otel:after_update", endGormSpan),
		cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.startSpan("DELETE")),
		cb.Delete().After("gorm:delete").Register("otel:after_delete", endGormSpan),
		cb.Row().Before("gorm:row").Register("otel:before_row", p.startSpan("ROW")),
		cb.Row().After("gorm:row").Register("otel:after_row", endGormSpan),
		cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.startSpan("RAW")),
		cb.Raw().After("gorm:raw").Register("otel:after_raw", endGormSpan),
	)
}

func (p gormTracing) startSpan(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.SkipHooks {
			return
		}
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		table := cmp.Or(db.Statement.Table, "unknown")

		attrs := []attribute.KeyValue{
			semconv.DBSystemKey.String(p.dbSystem),
			attribute.String("db.name", p.dbName),
			attribute.String("db.operation", op),
			attribute.String("db.sql.table", table),
		}
		if stmt := db.Statement.SQL.String(); stmt != "" {
			attrs = append(attrs, attribute.String("db.statement", tracing.SafeSQL(stmt)))
		}
		ctx, span := mysqlTracer.Start(ctx, op+" "+table, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
		db.Statement.Context = context.WithValue(ctx, spanContextKey{}, span)
	}
}

func endGormSpan(db *gorm.DB) {
	span, ok := db.Statement.Context.Value(spanContextKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()
	span.SetAttributes(attribute.Int64("db.rows_affected", max(db.Statement.RowsAffected, 0)))

	switch {
	case db.Error == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(db.Error, gorm.ErrRecordNotFound):
		// 查不到记录是正常结果
		span.SetAttributes(attribute.Bool("db.record_found", false))
		span.SetStatus(codes.Ok, "")
	default:
		tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
	}
}

// MySQL 分析记录、chunk 与发件箱的关系库存储
type MySQL struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig, zl zerolog.Logger) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	m, err := OpenDatabase(mysql.Open(dsn), cfg.Database, "mysql", cfg.LogLevel, zl)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := m.db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	m.logger.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// OpenDatabase 用任意 dialector 打开数据库、注册追踪并迁移表结构。
// 测试用 sqlite，线上用 MySQL
func OpenDatabase(dialector gorm.Dialector, dbName, dbSystem string, logLevel int, zl zerolog.Logger) (*MySQL, error) {
	m := &MySQL{logger: zl.With().Str("component", dbSystem).Logger()}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   m.gormLogger(gormLogLevel(logLevel)),
		PrepareStmt:                              true,
		NowFunc:                                  func() time.Time { return time.Now().Local() },
	})
	if err != nil {
		return nil, err
	}
	m.db = db

	if err := db.Use(gormTracing{dbName: dbName, dbSystem: dbSystem}); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}
	// 迁移期间不输出 SQL
	err = db.Session(&gorm.Session{Logger: m.gormLogger(logger.Silent)}).AutoMigrate(
		&models.Analysis{},
		&models.AnalysisChunk{},
		&models.OutboxMessage{},
	)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}
	return m, nil
}

// gormLogger 把 gorm 的日志写到组件 logger
func (m *MySQL) gormLogger(level logger.LogLevel) logger.Interface {
	return logger.New(&m.logger, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// gormLogLevel 1=silent 2=error 3=warn 4=info，其余按 warn
func gormLogLevel(level int) logger.LogLevel {
	if level >= int(logger.Silent) && level <= int(logger.Info) {
		return logger.LogLevel(level)
	}
	return logger.Warn
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateAnalysis 新建分析记录
func (m *MySQL) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	if a.Status == "" {
		a.Status = constants.StatusPending
	}
	if err := m.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("创建分析记录失败: %w", err)
	}
	return nil
}

// CreateAnalysisWithOutbox 在同一事务中写入分析记录和待发布消息
func (m *MySQL) CreateAnalysisWithOutbox(ctx context.Context, a *models.Analysis, msg *models.OutboxMessage) error {
	if a.Status == "" {
		a.Status = constants.StatusPending
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("创建分析记录失败: %w", err)
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("写入outbox消息失败: %w", err)
		}
		return nil
	})
}

// EnqueueOutbox 为已存在的分析追加一条待发布消息
func (m *MySQL) EnqueueOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	if err := m.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("写入outbox消息失败: %w", err)
	}
	return nil
}

// UpdateAnalysisStatus 更新状态，errMsg 非空时一并写入
func (m *MySQL) UpdateAnalysisStatus(ctx context.Context, analysisID, status, errMsg string) error {
	updates := map[string]any{"status": status}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	res := m.db.WithContext(ctx).Model(&models.Analysis{}).Where("analysis_id = ?", analysisID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("更新分析状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAnalysisNotFound, analysisID)
	}
	return nil
}

// SaveResult 写入合并结果；成功为 COMPLETED，否则 FAILED
func (m *MySQL) SaveResult(ctx context.Context, analysisID string, res crosscheck.Result) error {
	data, err := models.MapToJSON(res.Data)
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	fieldConf, err := models.MapToJSON(res.FieldConfidence)
	if err != nil {
		return fmt.Errorf("序列化字段置信度失败: %w", err)
	}
	warnings, err := models.MapToJSON(res.Warnings)
	if err != nil {
		return fmt.Errorf("序列化警告失败: %w", err)
	}
	corrections, err := models.MapToJSON(res.Corrections)
	if err != nil {
		return fmt.Errorf("序列化修正记录失败: %w", err)
	}

	status := constants.StatusCompleted
	if !res.Success {
		status = constants.StatusFailed
	}
	updates := map[string]any{
		"status":                status,
		"success":               res.Success,
		"confidence_score":      res.Confidence,
		"data_json":             data,
		"field_confidence_json": fieldConf,
		"warnings_json":         warnings,
		"corrections_json":      corrections,
		"error_message":         res.Error,
		"processing_ms":         res.ProcessingMS,
	}
	if res.Mode != "" {
		updates["mode"] = res.Mode
	}

	tx := m.db.WithContext(ctx).Model(&models.Analysis{}).Where("analysis_id = ?", analysisID).Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("保存分析结果失败: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAnalysisNotFound, analysisID)
	}
	return nil
}

// ReplaceChunks 删除该分析中指定类型的旧 chunk 后写入新 chunk，并刷新计数。
// chunkTypes 为空时替换全部 chunk
func (m *MySQL) ReplaceChunks(ctx context.Context, analysisID string, chunkTypes []types.ChunkType, rows []models.AnalysisChunk) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		del := tx.Where("analysis_id = ?", analysisID)
		if len(chunkTypes) > 0 {
			names := make([]string, len(chunkTypes))
			for i, t := range chunkTypes {
				names[i] = string(t)
			}
			del = del.Where("chunk_type IN ?", names)
		}
		if err := del.Delete(&models.AnalysisChunk{}).Error; err != nil {
			return fmt.Errorf("删除旧chunk失败: %w", err)
		}

		if len(rows) > 0 {
			for i := range rows {
				rows[i].AnalysisID = analysisID
			}
			if err := tx.CreateInBatches(rows, 100).Error; err != nil {
				return fmt.Errorf("写入chunk失败: %w", err)
			}
		}

		var total, embedded int64
		if err := tx.Model(&models.AnalysisChunk{}).Where("analysis_id = ?", analysisID).Count(&total).Error; err != nil {
			return fmt.Errorf("统计chunk失败: %w", err)
		}
		if err := tx.Model(&models.AnalysisChunk{}).Where("analysis_id = ? AND has_embedding = ?", analysisID, true).Count(&embedded).Error; err != nil {
			return fmt.Errorf("统计chunk失败: %w", err)
		}
		return tx.Model(&models.Analysis{}).Where("analysis_id = ?", analysisID).Updates(map[string]any{
			"chunk_count":     total,
			"embedded_chunks": embedded,
		}).Error
	})
}

// GetAnalysis 按ID查询分析记录
func (m *MySQL) GetAnalysis(ctx context.Context, analysisID string) (*models.Analysis, error) {
	var a models.Analysis
	err := m.db.WithContext(ctx).Where("analysis_id = ?", analysisID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, analysisID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询分析记录失败: %w", err)
	}
	return &a, nil
}

// ListChunks 按写入顺序列出分析的全部 chunk
func (m *MySQL) ListChunks(ctx context.Context, analysisID string) ([]models.AnalysisChunk, error) {
	var rows []models.AnalysisChunk
	if err := m.db.WithContext(ctx).Where("analysis_id = ?", analysisID).Order("chunk_db_id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询chunk失败: %w", err)
	}
	return rows, nil
}

// AnalysisResult 把数据库记录还原为合并结果
func AnalysisResult(a *models.Analysis) (crosscheck.Result, error) {
	res := crosscheck.Result{
		Success:      a.Success,
		Confidence:   a.ConfidenceScore,
		ProcessingMS: a.ProcessingMS,
		Mode:         a.Mode,
		Error:        a.ErrorMessage,
	}
	res.ProcessingTime = time.Duration(a.ProcessingMS) * time.Millisecond
	if err := models.JSONTo(a.DataJSON, &res.Data); err != nil {
		return res, fmt.Errorf("解析结果数据失败: %w", err)
	}
	if err := models.JSONTo(a.FieldConfidenceJSON, &res.FieldConfidence); err != nil {
		return res, fmt.Errorf("解析字段置信度失败: %w", err)
	}
	if err := models.JSONTo(a.WarningsJSON, &res.Warnings); err != nil {
		return res, fmt.Errorf("解析警告失败: %w", err)
	}
	if err := models.JSONTo(a.CorrectionsJSON, &res.Corrections); err != nil {
		return res, fmt.Errorf("解析修正记录失败: %w", err)
	}
	return res, nil
}
