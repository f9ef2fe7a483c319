package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ExtractTotal 按平台、策略与结果统计抽取次数。
	ExtractTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricetracker_extract_total",
		Help: "Extraction attempts by platform, strategy and outcome.",
	}, []string{"platform", "strategy", "outcome"})

	// ExtractDuration 单次抽取（包含所有策略）的耗时。
	ExtractDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pricetracker_extract_duration_seconds",
		Help:    "Duration of one extraction across all strategies.",
		Buckets: []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
	}, []string{"platform"})

	// FetchErrorsTotal 网络层错误分类。
	FetchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricetracker_fetch_errors_total",
		Help: "Outbound request failures by platform and error type.",
	}, []string{"platform", "type"})

	// PriceSavesTotal 价格入库结果。
	PriceSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricetracker_price_saves_total",
		Help: "Price store writes by status.",
	}, []string{"status"})

	// SweepProductsTotal 每轮 sweep 中商品的处理结果。
	SweepProductsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricetracker_sweep_products_total",
		Help: "Products processed by sweeps, by result.",
	}, []string{"target", "result"})

	// SweepDuration sweep 耗时。
	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pricetracker_sweep_duration_seconds",
		Help:    "Duration of a sweep run.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	}, []string{"target"})

	// TasksTotal 调度任务状态流转计数。
	TasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricetracker_tasks_total",
		Help: "Scheduled task transitions by kind and state.",
	}, []string{"kind", "state"})

	// ActiveTasks 正在执行的任务数。
	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricetracker_active_tasks",
		Help: "Tasks currently running in this process.",
	})

	// WorkerPoolSize worker 池大小。
	WorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricetracker_worker_pool_size",
		Help: "Configured worker pool size.",
	})

	// RateLimitWaitDuration 令牌桶等待时间。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricetracker_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricetracker_ratelimit_timeout_total",
		Help: "Rate limit waits aborted by context.",
	})

	// TaskAutoClaimTotal 通过 XAUTOCLAIM 接管的消息数。
	TaskAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricetracker_task_autoclaim_total",
		Help: "Stream messages reclaimed from idle consumers.",
	})

	// TaskDLQTotal 进入死信队列的消息数。
	TaskDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricetracker_task_dlq_total",
		Help: "Messages moved to the dead letter stream.",
	})

	// TaskRetryScheduledTotal 延迟重试的消息数。
	TaskRetryScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricetracker_task_retry_scheduled_total",
		Help: "Messages scheduled for delayed retry.",
	})

	// TaskQueueDepth 任务队列深度，part 为 stream / pending / delayed。
	TaskQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pricetracker_task_queue_depth",
		Help: "Task queue entries by part.",
	}, []string{"part"})

	// TaskDuplicatePreventedTotal 被去重拦截的单品任务数。
	TaskDuplicatePreventedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricetracker_task_duplicate_prevented_total",
		Help: "On-demand product tasks answered with an existing task id.",
	})
)

var registerOnce sync.Once

// InitMetrics 注册所有指标，多次调用是安全的。
func InitMetrics(workerPoolSize int) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ExtractTotal,
			ExtractDuration,
			FetchErrorsTotal,
			PriceSavesTotal,
			SweepProductsTotal,
			SweepDuration,
			TasksTotal,
			ActiveTasks,
			WorkerPoolSize,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			TaskAutoClaimTotal,
			TaskDLQTotal,
			TaskRetryScheduledTotal,
			TaskQueueDepth,
			TaskDuplicatePreventedTotal,
		)
	})
	WorkerPoolSize.Set(float64(workerPoolSize))
}
