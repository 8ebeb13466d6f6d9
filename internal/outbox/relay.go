// Package outbox 发件箱模式：分析记录与待发布消息同一事务写入，relay 轮询后发布到消息队列
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"resume-crosscheck/internal/storage"
	"resume-crosscheck/internal/storage/models"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultBatchSize       = 10
	maxRetryCount          = 5
)

// MessageRelay 轮询 outbox 表并将消息发布到消息代理
type MessageRelay struct {
	db              *gorm.DB
	publisher       storage.Publisher
	logger          zerolog.Logger
	pollingInterval time.Duration
	batchSize       int
	done            chan struct{}
	stopped         chan struct{}
	tracer          trace.Tracer
}

// Option relay 选项
type Option func(*MessageRelay)

// WithPollingInterval 覆盖轮询间隔
func WithPollingInterval(d time.Duration) Option {
	return func(r *MessageRelay) { r.pollingInterval = d }
}

// WithBatchSize 覆盖单批数量
func WithBatchSize(n int) Option {
	return func(r *MessageRelay) { r.batchSize = n }
}

// NewMessageRelay 创建一个新的 MessageRelay 实例
func NewMessageRelay(db *gorm.DB, publisher storage.Publisher, logger zerolog.Logger, opts ...Option) *MessageRelay {
	r := &MessageRelay{
		db:              db,
		publisher:       publisher,
		logger:          logger.With().Str("component", "outbox-relay").Logger(),
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
		tracer:          otel.Tracer("resume-crosscheck/outbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start 在后台开始轮询
func (r *MessageRelay) Start() {
	r.logger.Info().Dur("interval", r.pollingInterval).Msg("MessageRelay starting")
	ticker := time.NewTicker(r.pollingInterval)

	go func() {
		defer close(r.stopped)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				r.logger.Info().Msg("MessageRelay stopped")
				return
			case <-ticker.C:
				if _, err := r.ProcessPending(context.Background()); err != nil {
					r.logger.Error().Err(err).Msg("处理outbox消息失败")
				}
			}
		}
	}()
}

// Stop 停止轮询并等待当前批次结束
func (r *MessageRelay) Stop() {
	close(r.done)
	<-r.stopped
}

// ProcessPending 处理一批待发布消息，返回本批处理的条数。
// 行锁使用 FOR UPDATE SKIP LOCKED，多个实例不会重复发布
func (r *MessageRelay) ProcessPending(ctx context.Context) (int, error) {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}
	defer tx.Rollback()

	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxPending).
		Order("created_at asc").
		Order("id asc").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return 0, err
	}

	// 空轮询不创建 span
	if len(messages) == 0 {
		return 0, tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(messages))))
	defer span.End()

	for _, msg := range messages {
		err := r.publisher.PublishMessage(ctx, msg.TargetExchange, msg.TargetRoutingKey, []byte(msg.Payload), true)
		if err != nil {
			msg.RetryCount++
			msg.ErrorMessage = err.Error()
			if msg.RetryCount >= maxRetryCount {
				msg.Status = models.OutboxFailed
			}
			r.logger.Warn().Err(err).
				Uint64("id", msg.ID).
				Str("aggregate_id", msg.AggregateID).
				Int("retries", msg.RetryCount).
				Msg("发布outbox消息失败")
		} else {
			now := time.Now()
			msg.Status = models.OutboxSent
			msg.ProcessedAt = &now
			msg.ErrorMessage = ""
		}

		// 更新失败时整个事务回滚，消息在下一次轮询中被重新拾取
		if err := tx.Save(&msg).Error; err != nil {
			return 0, err
		}
	}

	return len(messages), tx.Commit().Error
}
