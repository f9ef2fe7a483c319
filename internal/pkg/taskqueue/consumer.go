package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricetracker/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// FailureAction 表示失败消息的去向。
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// ConsumerConfig 消费者参数，零值字段使用默认值。
type ConsumerConfig struct {
	Group string // 必填
	Name  string // 消费者名称，为空时按时间戳生成

	Block     time.Duration // XREADGROUP 阻塞时间，默认 1s
	Batch     int64         // 每次读取条数，默认 1
	ClaimIdle time.Duration // 认领他人未确认消息的最小空闲时间，默认 1h
	MaxRetry  int           // 消息未携带 MaxRetry 时的上限，默认 3

	DeadLetterStream string // 默认 "<stream>:dlq"
}

func (cc *ConsumerConfig) fill(stream string) {
	if cc.Name == "" {
		cc.Name = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if cc.Block <= 0 {
		cc.Block = time.Second
	}
	if cc.Batch <= 0 {
		cc.Batch = 1
	}
	// 一次 full_sweep 可能持续数十分钟，过短会让执行中的消息被别人认领
	if cc.ClaimIdle <= 0 {
		cc.ClaimIdle = time.Hour
	}
	if cc.MaxRetry <= 0 {
		cc.MaxRetry = 3
	}
	if cc.DeadLetterStream == "" {
		cc.DeadLetterStream = stream + ":dlq"
	}
}

// Consumer 由 worker 进程使用，从消费者组读取任务并处理确认、重试与死信。
type Consumer struct {
	queue      *TaskQueue
	logger     *slog.Logger
	cfg        ConsumerConfig
	claimStart string
}

// MessageWithID 包含 Stream 消息 ID 的任务消息。
type MessageWithID struct {
	ID      string
	Message *TaskMessage
}

// NewConsumer 创建消费者，消费者组不存在时自动创建。
func NewConsumer(ctx context.Context, rdb *redis.Client, logger *slog.Logger, stream string, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	q := NewTaskQueue(rdb, logger, stream)
	cfg.fill(q.streamName)

	if err := q.CreateConsumerGroup(ctx, cfg.Group); err != nil {
		return nil, err
	}
	logger.Info("consumer ready",
		slog.String("stream", q.streamName),
		slog.String("group", cfg.Group),
		slog.String("consumer", cfg.Name))

	return &Consumer{queue: q, logger: logger, cfg: cfg, claimStart: "0-0"}, nil
}

// Queue 返回底层队列，用于延迟消息的提升。
func (c *Consumer) Queue() *TaskQueue {
	return c.queue
}

// DeadLetterStream 返回死信 Stream 名称。
func (c *Consumer) DeadLetterStream() string {
	return c.cfg.DeadLetterStream
}

// Read 先认领空闲超过 ClaimIdle 的未确认消息，没有时再阻塞读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]*MessageWithID, error) {
	claimed, next, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.streamName,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		MinIdle:  c.cfg.ClaimIdle,
		Start:    c.claimStart,
		Count:    c.cfg.Batch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", c.queue.streamName, err)
	}
	if next != "" {
		c.claimStart = next
	}
	if len(claimed) > 0 {
		metrics.TaskAutoClaimTotal.Add(float64(len(claimed)))
		return c.decode(ctx, claimed), nil
	}

	res, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.queue.streamName, ">"},
		Count:    c.cfg.Batch,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", c.queue.streamName, err)
	}

	var raw []redis.XMessage
	for _, s := range res {
		raw = append(raw, s.Messages...)
	}
	return c.decode(ctx, raw), nil
}

// decode 解析消息体，无法解析的消息直接进入死信队列并确认。
func (c *Consumer) decode(ctx context.Context, raw []redis.XMessage) []*MessageWithID {
	if len(raw) == 0 {
		return nil
	}
	out := make([]*MessageWithID, 0, len(raw))
	for _, xm := range raw {
		data, _ := xm.Values["data"].(string)
		if data == "" {
			c.poison(ctx, xm.ID, fmt.Sprint(xm.Values["data"]), errors.New("missing data field"))
			continue
		}
		msg, err := parseMessage(data)
		if err != nil {
			c.poison(ctx, xm.ID, data, err)
			continue
		}
		out = append(out, &MessageWithID{ID: xm.ID, Message: msg})
	}
	return out
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	n, err := c.queue.rdb.XAck(ctx, c.queue.streamName, c.cfg.Group, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack %s: %w", msgID, err)
	}
	if n == 0 {
		c.logger.Warn("ack matched no pending entry", slog.String("msg_id", msgID))
	}
	return nil
}

// MaxRetryFor 返回消息适用的最大重试次数。
func (c *Consumer) MaxRetryFor(msg *TaskMessage) int {
	if msg != nil && msg.MaxRetry > 0 {
		return msg.MaxRetry
	}
	return c.cfg.MaxRetry
}

// HandleFailure 重试次数未用完时递增 Retry 并重新投递，否则写入死信队列。
//
// delay 为 0 时立即回到 Stream，否则进入延迟集合等待 PromoteDue。
// 原消息在两种情况下都会被确认。
func (c *Consumer) HandleFailure(ctx context.Context, m *MessageWithID, cause error, delay time.Duration) (FailureAction, error) {
	if m == nil || m.Message == nil {
		return FailureActionNone, errors.New("message is nil")
	}
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	if m.Message.Retry >= c.MaxRetryFor(m.Message) {
		data, err := json.Marshal(m.Message)
		if err != nil {
			return FailureActionDLQ, fmt.Errorf("marshal dead letter: %w", err)
		}
		if err := c.deadLetter(ctx, m.ID, string(data), cause); err != nil {
			return FailureActionDLQ, err
		}
		return FailureActionDLQ, c.Ack(ctx, m.ID)
	}

	m.Message.Retry++
	if err := c.redeliver(ctx, m, delay); err != nil {
		return FailureActionRetry, err
	}
	metrics.TaskRetryScheduledTotal.Inc()
	return FailureActionRetry, nil
}

// Requeue 不计重试次数，把消息延迟 delay 后重新投递并确认原消息。
func (c *Consumer) Requeue(ctx context.Context, m *MessageWithID, delay time.Duration) error {
	if m == nil || m.Message == nil {
		return errors.New("message is nil")
	}
	return c.redeliver(ctx, m, delay)
}

func (c *Consumer) redeliver(ctx context.Context, m *MessageWithID, delay time.Duration) error {
	var err error
	if delay > 0 {
		err = c.queue.ScheduleAt(ctx, m.Message, time.Now().Add(delay))
	} else {
		err = c.queue.Publish(ctx, m.Message)
	}
	if err != nil {
		return err
	}
	return c.Ack(ctx, m.ID)
}

func (c *Consumer) poison(ctx context.Context, msgID string, payload string, cause error) {
	c.logger.Error("drop malformed task message",
		slog.String("msg_id", msgID),
		slog.String("error", cause.Error()))
	if err := c.deadLetter(ctx, msgID, payload, cause); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack malformed message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msgID string, payload string, cause error) error {
	err := c.queue.add(ctx, c.cfg.DeadLetterStream, map[string]interface{}{
		"original_id": msgID,
		"payload":     payload,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		metrics.TaskDLQTotal.Inc()
	}
	return err
}

// Depth 返回本消费者组视角下的队列深度。
func (c *Consumer) Depth(ctx context.Context) (Depth, error) {
	return c.queue.Depth(ctx, c.cfg.Group)
}

// Pending 返回已读取但未确认的消息数量。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.queue.rdb.XPending(ctx, c.queue.streamName, c.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", c.queue.streamName, err)
	}
	return info.Count, nil
}
