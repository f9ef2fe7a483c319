package taskqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConsumer(t *testing.T, rdb *redis.Client, maxRetry int) (*Consumer, error) {
	t.Helper()
	return NewConsumer(context.Background(), rdb, testLogger(), "test:stream", ConsumerConfig{
		Group:    "workers",
		Name:     "c1",
		Block:    50 * time.Millisecond,
		MaxRetry: maxRetry,
	})
}

func TestMessageConstructors(t *testing.T) {
	sweep := NewFullSweepMessage("  ", "beat", 3)
	if sweep.Kind != KindFullSweep || sweep.Target != "all" || sweep.TaskID == "" {
		t.Fatalf("sweep message = %+v", sweep)
	}
	if sweep.Describe() != "full_sweep all" {
		t.Errorf("describe = %q", sweep.Describe())
	}

	single := NewSingleProductMessage(" PChome ", " DYAJ9Z-A900 ", "api", 2)
	if single.Platform != "PChome" || single.NativeID != "DYAJ9Z-A900" || single.MaxRetry != 2 {
		t.Fatalf("single message = %+v", single)
	}
	if single.TaskID == sweep.TaskID {
		t.Errorf("task ids must differ")
	}
}

func TestProducerConsumer_RoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	logger := testLogger()

	producer := NewProducer(rdb, logger, "test:stream")
	consumer, err := newTestConsumer(t, rdb, 0)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	msg := NewSingleProductMessage("Momo", "12345", "api", 2)
	if err := producer.Submit(ctx, msg); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := consumer.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d messages, want 1", len(got))
	}
	if got[0].Message.TaskID != msg.TaskID || got[0].Message.NativeID != "12345" {
		t.Errorf("message = %+v", got[0].Message)
	}

	pending, err := consumer.Pending(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("pending = %d, err = %v", pending, err)
	}
	if err := consumer.Ack(ctx, got[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, _ = consumer.Pending(ctx)
	if pending != 0 {
		t.Errorf("pending after ack = %d", pending)
	}
}

func TestProducer_SubmitRejectsInvalid(t *testing.T) {
	_, rdb := newTestRedis(t)
	p := NewProducer(rdb, testLogger())
	if err := p.Submit(context.Background(), &TaskMessage{}); err == nil {
		t.Fatal("expected error for message without id")
	}
}

func TestConsumer_PoisonMessageGoesToDLQ(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	consumer, err := newTestConsumer(t, rdb, 0)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "test:stream", Values: map[string]interface{}{"data": "{not json"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	got, err := consumer.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("poison message should not be returned, got %d", len(got))
	}
	if n := rdb.XLen(ctx, consumer.DeadLetterStream()).Val(); n != 1 {
		t.Errorf("dlq length = %d, want 1", n)
	}
	if pending, _ := consumer.Pending(ctx); pending != 0 {
		t.Errorf("poison message left pending: %d", pending)
	}
}

func TestConsumer_HandleFailure(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	consumer, err := newTestConsumer(t, rdb, 0)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	producer := NewProducer(rdb, testLogger(), "test:stream")
	if err := producer.Submit(ctx, NewFullSweepMessage("Momo", "beat", 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 第一次失败：进入延迟集合
	got, _ := consumer.Read(ctx)
	if len(got) != 1 {
		t.Fatalf("read %d messages", len(got))
	}
	action, err := consumer.HandleFailure(ctx, got[0], errors.New("db down"), time.Minute)
	if err != nil || action != FailureActionRetry {
		t.Fatalf("action = %s, err = %v", action, err)
	}
	if n, _ := consumer.Queue().DelayedCount(ctx); n != 1 {
		t.Fatalf("delayed = %d, want 1", n)
	}

	// 未到期不提升
	moved, err := consumer.Queue().PromoteDue(ctx, time.Now())
	if err != nil || moved != 0 {
		t.Fatalf("early promote moved %d, err = %v", moved, err)
	}
	moved, err = consumer.Queue().PromoteDue(ctx, time.Now().Add(2*time.Minute))
	if err != nil || moved != 1 {
		t.Fatalf("promote moved %d, err = %v", moved, err)
	}

	got, _ = consumer.Read(ctx)
	if len(got) != 1 || got[0].Message.Retry != 1 {
		t.Fatalf("retried message = %+v", got)
	}

	// 第二次失败：超过 MaxRetry=1，进入死信队列
	action, err = consumer.HandleFailure(ctx, got[0], errors.New("db down"), time.Minute)
	if err != nil || action != FailureActionDLQ {
		t.Fatalf("action = %s, err = %v", action, err)
	}
	entries := rdb.XRange(ctx, consumer.DeadLetterStream(), "-", "+").Val()
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d", len(entries))
	}
	if entries[0].Values["reason"] != "db down" {
		t.Errorf("dlq reason = %v", entries[0].Values["reason"])
	}
	if pending, _ := consumer.Pending(ctx); pending != 0 {
		t.Errorf("pending = %d", pending)
	}
}

func TestConsumer_HandleFailureImmediateRetry(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	consumer, err := newTestConsumer(t, rdb, 5)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	msg := NewSingleProductMessage("Momo", "1", "cli", 0)
	if consumer.MaxRetryFor(msg) != 5 {
		t.Fatalf("default max retry = %d", consumer.MaxRetryFor(msg))
	}
	if err := consumer.Queue().Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, _ := consumer.Read(ctx)
	if _, err := consumer.HandleFailure(ctx, got[0], errors.New("timeout"), 0); err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	got, _ = consumer.Read(ctx)
	if len(got) != 1 || got[0].Message.Retry != 1 {
		t.Fatalf("immediate retry not visible: %+v", got)
	}
}

func TestTaskQueue_PromoteDueOnce(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	q := NewTaskQueue(rdb, testLogger(), "test:stream")

	if err := q.ScheduleAt(ctx, NewFullSweepMessage("all", "beat", 3), time.Now()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	first, _ := q.PromoteDue(ctx, time.Now().Add(time.Second))
	second, _ := q.PromoteDue(ctx, time.Now().Add(time.Second))
	if first != 1 || second != 0 {
		t.Fatalf("promoted %d then %d, want 1 then 0", first, second)
	}
	if err := q.CreateConsumerGroup(ctx, "workers"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	depth, err := q.Depth(ctx, "workers")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != (Depth{Stream: 1}) {
		t.Errorf("depth = %+v, want one stream entry", depth)
	}
}

func TestConsumer_RequeueKeepsRetryCount(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	consumer, err := newTestConsumer(t, rdb, 0)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	if err := consumer.Queue().Publish(ctx, NewFullSweepMessage("all", "beat", 3)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, _ := consumer.Read(ctx)
	if err := consumer.Requeue(ctx, got[0], 30*time.Second); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if pending, _ := consumer.Pending(ctx); pending != 0 {
		t.Errorf("pending = %d", pending)
	}
	if _, err := consumer.Queue().PromoteDue(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, _ = consumer.Read(ctx)
	if len(got) != 1 || got[0].Message.Retry != 0 {
		t.Fatalf("requeued message = %+v", got)
	}
}
