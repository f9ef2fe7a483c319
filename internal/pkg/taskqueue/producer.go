package taskqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer 任务生产者，负责发布任务到队列。
//
// API 服务、定时 beat 与命令行都通过它提交任务，提交后立即返回任务 ID，不等待执行。
type Producer struct {
	queue  *TaskQueue
	logger *slog.Logger
}

// NewProducer 创建一个新的任务生产者。streamName 为空时使用 DefaultStream。
func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName ...string) *Producer {
	stream := DefaultStream
	if len(streamName) > 0 && streamName[0] != "" {
		stream = streamName[0]
	}

	return &Producer{
		queue:  NewTaskQueue(rdb, logger, stream),
		logger: logger,
	}
}

// Submit 提交一个任务到队列等待执行。
func (p *Producer) Submit(ctx context.Context, msg *TaskMessage) error {
	if msg == nil || msg.TaskID == "" {
		return fmt.Errorf("invalid task message")
	}
	if msg.Source == "" {
		msg.Source = "unknown"
	}

	if err := p.queue.Publish(ctx, msg); err != nil {
		p.logger.Error("submit task failed",
			slog.String("task_id", msg.TaskID),
			slog.String("kind", string(msg.Kind)),
			slog.String("source", msg.Source),
			slog.String("error", err.Error()))
		return err
	}

	p.logger.Info("task submitted",
		slog.String("task_id", msg.TaskID),
		slog.String("task", msg.Describe()),
		slog.String("source", msg.Source))

	return nil
}
