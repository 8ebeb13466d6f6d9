package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/constants"
	"resume-crosscheck/internal/storage"
)

// Consumer 队列消费，storage.RabbitMQ 实现
type Consumer interface {
	StartConsumer(queueName string, prefetchCount int, handler func(ctx context.Context, body []byte) bool) (chan<- struct{}, error)
}

// Locker 分布式锁，storage.Redis 实现
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
	AnalysisLockKey(analysisID string) string
}

// Worker 消费分析任务队列
type Worker struct {
	service  *Service
	consumer Consumer
	locker   Locker
	queue    string
	prefetch int
	workers  int
	lockTTL  time.Duration
	stops    []chan<- struct{}
	logger   zerolog.Logger
}

// NewWorker 创建 worker；locker 为 nil 时不做重复投递保护
func NewWorker(service *Service, consumer Consumer, locker Locker, cfg config.RabbitMQConfig, logger zerolog.Logger) *Worker {
	w := &Worker{
		service:  service,
		consumer: consumer,
		locker:   locker,
		queue:    cfg.AnalyzeQueue,
		prefetch: cfg.PrefetchCount,
		workers:  cfg.ConsumerWorkers,
		lockTTL:  constants.AnalysisLockTTL,
		logger:   logger.With().Str("component", "worker").Logger(),
	}
	if w.workers <= 0 {
		w.workers = 1
	}
	return w
}

// Start 启动 workers 个消费者
func (w *Worker) Start() error {
	for i := 0; i < w.workers; i++ {
		stop, err := w.consumer.StartConsumer(w.queue, w.prefetch, w.HandleMessage)
		if err != nil {
			w.Stop()
			return fmt.Errorf("启动消费者失败: %w", err)
		}
		w.stops = append(w.stops, stop)
	}
	w.logger.Info().Str("queue", w.queue).Int("workers", w.workers).Msg("分析任务消费者就绪")
	return nil
}

// Stop 停止所有消费者
func (w *Worker) Stop() {
	for _, stop := range w.stops {
		close(stop)
	}
	w.stops = nil
}

// HandleMessage 处理一条消息，返回 false 时消息重新入队
func (w *Worker) HandleMessage(ctx context.Context, body []byte) bool {
	var msg storage.AnalysisJobMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.AnalysisID == "" {
		// 无法解析的消息重新入队也无法处理，直接确认
		w.logger.Error().Err(err).Int("size", len(body)).Msg("解析消息失败，丢弃")
		return true
	}
	log := w.logger.With().Str("analysis_id", msg.AnalysisID).Str("event", msg.EventType).Logger()

	if w.locker != nil {
		key := w.locker.AnalysisLockKey(msg.AnalysisID)
		lockValue, err := w.locker.AcquireLock(ctx, key, w.lockTTL)
		if err != nil {
			log.Warn().Err(err).Msg("获取分析锁失败")
			return false
		}
		if lockValue == "" {
			log.Info().Msg("该分析正在被其他worker处理，跳过")
			return true
		}
		defer func() {
			if _, err := w.locker.ReleaseLock(context.Background(), key, lockValue); err != nil {
				log.Warn().Err(err).Msg("释放分析锁失败")
			}
		}()
	}

	start := time.Now()
	if err := w.service.Process(ctx, msg); err != nil {
		requeue := retriable(err)
		log.Error().Err(err).Bool("requeue", requeue).Msg("处理分析任务失败")
		return !requeue
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("分析任务处理完成")
	return true
}

// retriable 只有存储类的临时故障需要重新投递
func retriable(err error) bool {
	return errors.Is(err, ErrStoreFailed) ||
		errors.Is(err, ErrArchiveFailed) ||
		errors.Is(err, ErrVectorStore)
}
