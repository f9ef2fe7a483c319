// Package queue 提供进程内的固定大小 worker 池。
//
// Pool 不积压任务：调用方先用 Acquire 占住一个空闲 worker，再从 Redis Stream
// 读取任务并 Dispatch。worker 全忙时不会读取新任务，未开始的任务留在 Stream
// 中由其他 worker 领取。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"pricetracker/internal/pkg/metrics"
)

// ErrClosed 池已关闭，不再接受任务。
var ErrClosed = errors.New("worker pool closed")

// Job 是一次任务执行。
type Job struct {
	Name string // 用于日志，如 "full_sweep all"
	Run  func(ctx context.Context) error
}

// Option 配置 Pool。
type Option func(*Pool)

// WithErrorHandler 设置任务返回错误时的回调。
func WithErrorHandler(fn func(job Job, err error)) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

// Stats 是池的计数快照。
type Stats struct {
	Submitted int64
	Done      int64
	Failed    int64
	Panicked  int64
	Busy      int64 // 正在执行的任务数
	Idle      int   // 未被占用的 worker 数
}

// Pool 是固定大小的 worker 池。
type Pool struct {
	logger  *slog.Logger
	size    int
	onError func(job Job, err error)

	slots chan struct{} // 空闲 worker 令牌
	jobs  chan Job
	quit  chan struct{}
	mu    sync.RWMutex // 保护 jobs 的关闭
	once  sync.Once
	wg    sync.WaitGroup

	closed    bool
	submitted atomic.Int64
	done      atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	busy      atomic.Int64
}

// New 创建 size 个 worker 的池，size 至少为 1。
func New(logger *slog.Logger, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		logger: logger,
		size:   size,
		slots:  make(chan struct{}, size),
		// 每个 job 都对应一个已占用的令牌，发送永远不会阻塞
		jobs: make(chan Job, size),
		quit: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 启动 worker。
//
// ctx 传给每个任务；ctx 取消不会让 worker 退出，Close 之后 worker 执行完已提交的任务再退出。
func (p *Pool) Start(ctx context.Context) {
	metrics.WorkerPoolSize.Set(float64(p.size))
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for job := range p.jobs {
				p.run(ctx, id, job)
			}
		}(i)
	}
}

func (p *Pool) run(ctx context.Context, workerID int, job Job) {
	p.busy.Add(1)
	metrics.ActiveTasks.Inc()
	start := time.Now()
	defer func() {
		p.busy.Add(-1)
		metrics.ActiveTasks.Dec()
		p.done.Add(1)
		p.Release()
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("job", job.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := job.Run(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("job", job.Name),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		if p.onError != nil {
			p.onError(job, err)
		}
	}
}

// Acquire 阻塞直到有空闲 worker 并占用它，直到 ctx 结束或池被关闭。
//
// 占用的 worker 必须交给 Dispatch，或在不再需要时调用 Release 归还。
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}
	select {
	case <-p.slots:
		return nil
	case <-p.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release 归还 Acquire 占用但未使用的 worker。
func (p *Pool) Release() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

// Dispatch 把任务交给先前用 Acquire 占用的 worker，不会阻塞。
//
// 返回错误时占用的 worker 已被归还。
func (p *Pool) Dispatch(job Job) error {
	if job.Run == nil {
		p.Release()
		return fmt.Errorf("job %q has no run func", job.Name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.Release()
		return ErrClosed
	}
	p.jobs <- job
	p.submitted.Add(1)
	return nil
}

// Submit 等待空闲 worker 后提交任务。
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run func", job.Name)
	}
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	return p.Dispatch(job)
}

// Close 拒绝新任务并等待 worker 执行完已提交的任务。
//
// timeout <= 0 时一直等待；超时返回错误，执行中的任务继续在后台运行。
func (p *Pool) Close(timeout time.Duration) error {
	first := false
	p.once.Do(func() {
		first = true
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	if !first {
		return ErrClosed
	}

	p.logger.Info("worker pool closing",
		slog.Int("queued", len(p.jobs)),
		slog.Int64("busy", p.busy.Load()))

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	if timeout <= 0 {
		<-finished
		p.logger.Info("worker pool closed")
		return nil
	}
	select {
	case <-finished:
		p.logger.Info("worker pool closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool close: %d jobs still running after %s", p.busy.Load(), timeout)
	}
}

// Stats 返回计数快照。
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Done:      p.done.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Busy:      p.busy.Load(),
		Idle:      len(p.slots),
	}
}

// Size 返回 worker 数量。
func (p *Pool) Size() int {
	return p.size
}
