package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/tracing"
)

var rabbitTracer = otel.Tracer("resume-crosscheck/storage/rabbitmq")

// Publisher outbox 中继投递消息用
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

var _ Publisher = (*RabbitMQ)(nil)

// RabbitMQ 分析任务队列。发布共用一个通道，每个消费者独占一个通道
type RabbitMQ struct {
	conn   *amqp.Connection
	cfg    *config.RabbitMQConfig
	logger zerolog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// NewRabbitMQ 连接 RabbitMQ 并打开发布通道
func NewRabbitMQ(cfg *config.RabbitMQConfig, zl zerolog.Logger) (*RabbitMQ, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("无法创建RabbitMQ通道: %w", err)
	}

	mq := &RabbitMQ{
		conn:   conn,
		cfg:    cfg,
		pubCh:  ch,
		logger: zl.With().Str("component", "rabbitmq").Logger(),
	}
	mq.logger.Info().Msg("成功连接到RabbitMQ服务器")
	return mq, nil
}

// Close 关闭连接，其上的通道随之关闭
func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}

// publishChannel 返回发布通道，已关闭时重新打开。调用方需持有 pubMu
func (r *RabbitMQ) publishChannel() (*amqp.Channel, error) {
	if r.pubCh != nil && !r.pubCh.IsClosed() {
		return r.pubCh, nil
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("重新打开RabbitMQ通道失败: %w", err)
	}
	r.pubCh = ch
	return ch, nil
}

// SetupAnalyzeTopology 声明分析任务的 direct exchange、持久队列及其绑定，可重复调用
func (r *RabbitMQ) SetupAnalyzeTopology() error {
	ex, queue, key := r.cfg.JobsExchange, r.cfg.AnalyzeQueue, r.cfg.AnalyzeRouting
	if ex == "" || queue == "" {
		return errors.New("分析任务的exchange和队列名不能为空")
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(ex, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明exchange %s 失败: %w", ex, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明队列 %s 失败: %w", queue, err)
	}
	if err := ch.QueueBind(queue, key, ex, false, nil); err != nil {
		return fmt.Errorf("绑定队列 %s 失败: %w", queue, err)
	}
	r.logger.Info().Str("exchange", ex).Str("queue", queue).Str("routing_key", key).Msg("分析任务队列已就绪")
	return nil
}

// PublishMessage 发布 JSON 消息，追踪上下文写入消息头
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	ctx, span := rabbitTracer.Start(ctx, "RabbitMQ.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchangeName),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
			attribute.Int("messaging.message.body.size", len(message)),
		))
	defer span.End()

	msg := amqp.Publishing{
		Headers:      amqp.Table{},
		DeliveryMode: amqp.Transient,
		ContentType:  "application/json",
		Body:         message,
		Timestamp:    time.Now(),
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Headers))

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	ch, err := r.publishChannel()
	if err == nil {
		err = ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, msg)
	}
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
		return fmt.Errorf("发布消息失败: %w", err)
	}
	return nil
}

// StartConsumer 在独立通道上消费 queueName；handler 返回 false 时消息重新入队。
// 关闭返回的通道即停止消费
func (r *RabbitMQ) StartConsumer(queueName string, prefetchCount int, handler func(ctx context.Context, body []byte) bool) (chan<- struct{}, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("无法创建消费通道: %w", err)
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("设置QoS失败: %w", err)
	}
	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("注册消费者失败: %w", err)
	}

	stop := make(chan struct{})
	log := r.logger.With().Str("queue", queueName).Logger()
	go func() {
		defer ch.Close()
		log.Info().Int("prefetch", prefetchCount).Msg("RabbitMQ消费者已启动")
		for {
			select {
			case <-stop:
				log.Info().Msg("RabbitMQ消费者已停止")
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("RabbitMQ投递通道已关闭")
					return
				}
				r.dispatch(log, d, handler)
			}
		}
	}()
	return stop, nil
}

func (r *RabbitMQ) dispatch(log zerolog.Logger, d amqp.Delivery, handler func(ctx context.Context, body []byte) bool) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier(d.Headers))
	if handler(ctx, d.Body) {
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("确认消息失败")
		}
		return
	}
	if err := d.Nack(false, true); err != nil {
		log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("消息重新入队失败")
	}
}

// headerCarrier 通过 AMQP 消息头传递追踪上下文
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
