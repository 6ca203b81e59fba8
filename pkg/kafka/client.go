// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/model"
	"doc-chat-go/pkg/log"
	"doc-chat-go/pkg/tasks"
)

// TaskProcessor 执行入库任务；多次失败后由 Discard 清理文档。
// 由 pipeline.Processor 实现，Kafka 消费者不依赖具体的流水线。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
	Discard(ctx context.Context, task tasks.IngestTask, cause error)
}

// AttemptCounter 记录每个任务的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type redisAttempts struct {
	rdb *redis.Client
}

// NewRedisAttemptCounter 使用 Redis 计数，计数键 24 小时后过期。
func NewRedisAttemptCounter(rdb *redis.Client) AttemptCounter {
	return &redisAttempts{rdb: rdb}
}

func attemptsKey(key string) string {
	return "kafka:attempts:" + key
}

func (r *redisAttempts) Incr(ctx context.Context, key string) (int64, error) {
	k := attemptsKey(key)
	n, err := r.rdb.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	_ = r.rdb.Expire(ctx, k, 24*time.Hour).Err()
	return n, nil
}

func (r *redisAttempts) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, attemptsKey(key)).Err()
}

func brokerList(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Producer 向入库主题投递任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokerList(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishIngestTask 发送一个入库任务。以文档 ID 作为消息键，同一文档的任务落在同一分区。
func (p *Producer) PublishIngestTask(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.Key()), Value: taskBytes}); err != nil {
		return fmt.Errorf("写入 Kafka 失败: %w", err)
	}
	log.Infof("[Kafka] 入库任务已投递, DocID: %d", task.DocID)
	return nil
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 消费入库任务，失败时在 maxAttempts 次以内交给 Kafka 重投。
type Consumer struct {
	processor   TaskProcessor
	attempts    AttemptCounter
	maxAttempts int64
}

// NewConsumer 创建消费者；maxAttempts 不大于 0 时使用 3。
func NewConsumer(processor TaskProcessor, attempts AttemptCounter, maxAttempts int) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{processor: processor, attempts: attempts, maxAttempts: int64(maxAttempts)}
}

// Run 启动消费循环，直到 ctx 结束或读取失败。
func (c *Consumer) Run(ctx context.Context, cfg config.KafkaConfig) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}
		log.Infof("收到 Kafka 消息: partition %d, offset %d", m.Partition, m.Offset)

		if c.Handle(ctx, m.Value) {
			// 提交使用独立上下文，关闭过程中处理完的消息也能提交
			if err := r.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// Handle 处理一条消息，返回是否应提交 offset。
// 不提交时 Kafka 会重新投递该消息。
func (c *Consumer) Handle(ctx context.Context, value []byte) bool {
	var task tasks.IngestTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	log.Infof("开始处理入库任务: DocID=%d, FileName=%s", task.DocID, task.FileName)
	err := c.processor.Process(ctx, task)
	if err == nil {
		log.Infof("入库任务处理成功: DocID=%d", task.DocID)
		_ = c.attempts.Reset(ctx, task.Key())
		return true
	}

	log.Errorf("处理入库任务失败: DocID=%d, Error: %v", task.DocID, err)
	if errors.Is(err, model.ErrExtraction) {
		// 重试不会成功，Process 已经清理了文档
		_ = c.attempts.Reset(ctx, task.Key())
		return true
	}
	if ctx.Err() != nil {
		// 关闭过程中被打断，不计入失败次数
		return false
	}

	attempts, incErr := c.attempts.Incr(ctx, task.Key())
	if incErr != nil {
		// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
		log.Errorf("更新失败计数失败: %v", incErr)
		return false
	}
	if attempts >= c.maxAttempts {
		log.Errorf("入库任务多次失败(>=%d)，放弃并清理: DocID=%d", c.maxAttempts, task.DocID)
		c.processor.Discard(ctx, task, err)
		_ = c.attempts.Reset(ctx, task.Key())
		return true
	}
	return false
}
