// Package taskqueue 基于 Redis Streams 的抓取任务队列。
//
// 每个队列由三个 key 组成：
//
//	<stream>          待执行的任务，按消费者组分发
//	<stream>:delayed  延迟重试的任务，score 为到期时间（毫秒）
//	<stream>:dlq      重试用尽或无法解析的任务
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 默认的任务 Stream 名称。
const DefaultStream = "pricetracker:task:queue"

// streamMaxLen 为 Stream 的近似长度上限。
const streamMaxLen = 100000

// promoteBatch 为 PromoteDue 单次最多移动的条数。
const promoteBatch = 100

// TaskQueue 封装任务 Stream 与延迟集合。
type TaskQueue struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string
	delayedKey string
}

// NewTaskQueue 创建队列句柄，streamName 为空时使用 DefaultStream。
func NewTaskQueue(rdb *redis.Client, logger *slog.Logger, streamName string) *TaskQueue {
	if streamName == "" {
		streamName = DefaultStream
	}
	return &TaskQueue{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
		delayedKey: streamName + ":delayed",
	}
}

// Publish 把任务追加到 Stream。
func (q *TaskQueue) Publish(ctx context.Context, msg *TaskMessage) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return q.add(ctx, q.streamName, map[string]interface{}{"data": data})
}

// ScheduleAt 把任务放入延迟集合，at 之前不会被消费。
func (q *TaskQueue) ScheduleAt(ctx context.Context, msg *TaskMessage, at time.Time) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	z := redis.Z{Score: float64(at.UnixMilli()), Member: data}
	if err := q.rdb.ZAdd(ctx, q.delayedKey, z).Err(); err != nil {
		return fmt.Errorf("schedule %s at %s: %w", msg.TaskID, at.Format(time.RFC3339), err)
	}
	return nil
}

// PromoteDue 把到期的延迟任务移回 Stream，返回移动的条数。
//
// 多个 worker 可以并发调用，只有 ZREM 成功的一方会写入 Stream。
func (q *TaskQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed tasks: %w", err)
	}

	moved := 0
	for _, data := range due {
		owned, err := q.rdb.ZRem(ctx, q.delayedKey, data).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed task: %w", err)
		}
		if owned == 0 {
			continue
		}
		if err := q.add(ctx, q.streamName, map[string]interface{}{"data": data}); err != nil {
			// 放回集合，下一轮再试
			_ = q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(now.UnixMilli()), Member: data}).Err()
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// DelayedCount 返回等待重试的任务数。
func (q *TaskQueue) DelayedCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count delayed tasks: %w", err)
	}
	return n, nil
}

// Depth 是队列各部分的消息数。
type Depth struct {
	Stream  int64 // Stream 中的全部条目（含已读未确认）
	Pending int64 // 已分发未确认
	Delayed int64
}

// Depth 返回消费者组 group 视角下的队列深度。
func (q *TaskQueue) Depth(ctx context.Context, group string) (Depth, error) {
	var d Depth
	pipe := q.rdb.Pipeline()
	xlen := pipe.XLen(ctx, q.streamName)
	zcard := pipe.ZCard(ctx, q.delayedKey)
	pending := pipe.XPending(ctx, q.streamName, group)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return d, fmt.Errorf("queue depth: %w", err)
	}
	d.Stream = xlen.Val()
	d.Delayed = zcard.Val()
	if info := pending.Val(); info != nil {
		d.Pending = info.Count
	}
	return d, nil
}

// CreateConsumerGroup 创建消费者组并从 Stream 起点开始消费，已存在时忽略。
func (q *TaskQueue) CreateConsumerGroup(ctx context.Context, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.streamName, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	return nil
}

func (q *TaskQueue) add(ctx context.Context, stream string, values map[string]interface{}) error {
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	q.logger.Debug("stream entry added", slog.String("stream", stream), slog.String("msg_id", id))
	return nil
}

func encode(msg *TaskMessage) (string, error) {
	if msg == nil {
		return "", errors.New("message is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", msg.TaskID, err)
	}
	return string(data), nil
}

// parseMessage 解析并校验 Stream 中的消息体。
func parseMessage(data string) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal task message: %w", err)
	}
	if msg.TaskID == "" || (msg.Kind != KindFullSweep && msg.Kind != KindSingleProduct) {
		return nil, fmt.Errorf("invalid task message: id=%q kind=%q", msg.TaskID, msg.Kind)
	}
	return &msg, nil
}
