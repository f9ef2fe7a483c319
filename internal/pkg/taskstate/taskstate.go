// Package taskstate 在 Redis 中记录每个抓取任务的生命周期，供 API 查询。
package taskstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound 任务不存在或已过期。
var ErrNotFound = errors.New("task not found")

// DefaultTTL 任务状态的保留时间。
const DefaultTTL = 7 * 24 * time.Hour

const keyPrefix = "pricetracker:task:"

// State 任务状态。
type State string

const (
	StatePending         State = "pending"
	StateRunning         State = "running"
	StateSucceeded       State = "succeeded"
	StateRetrying        State = "retrying"
	StateFailedExhausted State = "failed_exhausted"
)

// Terminal 判断是否终态。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailedExhausted
}

// Task 是一次任务的状态快照。
type Task struct {
	ID         string    `json:"task_id"`
	Kind       string    `json:"kind"`
	Params     string    `json:"params"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Result     string    `json:"result,omitempty"` // JSON 编码的运行结果
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Store 用 Redis Hash 保存任务状态，每个任务一个 key。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

func taskKey(id string) string {
	return keyPrefix + id
}

// Create 记录一个新入队的任务。
func (s *Store) Create(ctx context.Context, id string, kind string, params string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.write(ctx, id, map[string]interface{}{
		"kind":       kind,
		"params":     params,
		"state":      string(StatePending),
		"attempts":   0,
		"created_at": now,
		"updated_at": now,
	})
}

// MarkRunning 进入执行，attempts 加一。
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	key := taskKey(id)
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSet(ctx, key,
		"state", string(StateRunning),
		"error", "",
		"updated_at", s.now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	return nil
}

// MarkSucceeded 记录终态成功及结果。
func (s *Store) MarkSucceeded(ctx context.Context, id string, result string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.write(ctx, id, map[string]interface{}{
		"state":       string(StateSucceeded),
		"result":      result,
		"error":       "",
		"updated_at":  now,
		"finished_at": now,
	})
}

// MarkFailed 记录一次失败；retrying 为 true 时随后进入 retrying，否则进入 failed_exhausted。
func (s *Store) MarkFailed(ctx context.Context, id string, cause string, retrying bool) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"state":      string(StateRetrying),
		"error":      cause,
		"updated_at": now,
	}
	if !retrying {
		fields["state"] = string(StateFailedExhausted)
		fields["finished_at"] = now
	}
	return s.write(ctx, id, fields)
}

// MarkPending 任务未执行完就被放回队列（限流或进程退出），不计为失败。
func (s *Store) MarkPending(ctx context.Context, id string, reason string) error {
	return s.write(ctx, id, map[string]interface{}{
		"state":      string(StatePending),
		"error":      reason,
		"updated_at": s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Store) write(ctx context.Context, id string, fields map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("task id is empty")
	}
	key := taskKey(id)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write task state %s: %w", id, err)
	}
	return nil
}

// Get 读取任务状态。
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	values, err := s.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read task state %s: %w", id, err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}

	t := &Task{
		ID:     id,
		Kind:   values["kind"],
		Params: values["params"],
		State:  State(values["state"]),
		Result: values["result"],
		Error:  values["error"],
	}
	t.Attempts, _ = strconv.Atoi(values["attempts"])
	t.CreatedAt = parseTime(values["created_at"])
	t.UpdatedAt = parseTime(values["updated_at"])
	t.FinishedAt = parseTime(values["finished_at"])
	return t, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
