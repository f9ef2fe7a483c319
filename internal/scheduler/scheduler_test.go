package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"pricetracker/internal/pkg/dedup"
	"pricetracker/internal/pkg/notify"
	"pricetracker/internal/pkg/ratelimit"
	"pricetracker/internal/pkg/taskqueue"
	"pricetracker/internal/pkg/taskstate"
	"pricetracker/internal/runner"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const testStream = "test:tasks"

type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	runFn   func(ctx context.Context, target string) (runner.Summary, error)
	product func(platform, nativeID string) runner.ProductResult
}

func (f *fakeRunner) Run(ctx context.Context, target string) (runner.Summary, error) {
	f.mu.Lock()
	f.runs = append(f.runs, target)
	f.mu.Unlock()
	if f.runFn != nil {
		return f.runFn(ctx, target)
	}
	return runner.Summary{Target: target}, nil
}

func (f *fakeRunner) ScrapeProduct(_ context.Context, platform string, nativeID string) runner.ProductResult {
	if f.product != nil {
		return f.product(platform, nativeID)
	}
	return runner.ProductResult{Kind: runner.ResultNotFound, Reason: "price not found"}
}

func (f *fakeRunner) runTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

type recordingReporter struct {
	mu       sync.Mutex
	failures []notify.Failure
}

func (r *recordingReporter) ReportFailure(_ context.Context, f notify.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

type harness struct {
	rdb      *redis.Client
	sched    *Scheduler
	enqueuer *Enqueuer
	consumer *taskqueue.Consumer
	states   *taskstate.Store
	reporter *recordingReporter
}

func newHarness(t *testing.T, r TaskRunner, limiter func(*redis.Client) *ratelimit.Limiter, opts Options) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer, err := taskqueue.NewConsumer(context.Background(), rdb, logger, testStream, taskqueue.ConsumerConfig{
		Group: "workers",
		Name:  "c1",
		Block: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	states := taskstate.NewStore(rdb, time.Hour)
	enq := NewEnqueuer(taskqueue.NewProducer(rdb, logger, testStream), states,
		dedup.NewDeduplicator(rdb, time.Minute), logger, EnqueueOptions{
			Source:            "test",
			Platforms:         []string{"Momo", "PChome"},
			FullSweepMaxRetry: 3,
			ProductMaxRetry:   2,
		})

	var rl *ratelimit.Limiter
	if limiter != nil {
		rl = limiter(rdb)
	}
	rep := &recordingReporter{}
	return &harness{
		rdb:      rdb,
		sched:    New(r, enq, consumer, states, rl, rep, logger, opts),
		enqueuer: enq,
		consumer: consumer,
		states:   states,
		reporter: rep,
	}
}

func (h *harness) readOne(t *testing.T) *taskqueue.MessageWithID {
	t.Helper()
	msgs, err := h.consumer.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("read %d messages, want 1", len(msgs))
	}
	return msgs[0]
}

func (h *harness) state(t *testing.T, id string) *taskstate.Task {
	t.Helper()
	task, err := h.states.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	return task
}

func (h *harness) pending(t *testing.T) int64 {
	t.Helper()
	n, err := h.consumer.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return n
}

func TestEnqueueSingleProduct(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, nil, Options{})
	ctx := context.Background()

	id, dup, err := h.enqueuer.EnqueueSingleProduct(ctx, "pchome", "DYAJ9Z-A900")
	if err != nil || dup || id == "" {
		t.Fatalf("first enqueue = %q %v %v", id, dup, err)
	}
	if task := h.state(t, id); task.State != taskstate.StatePending || task.Params != "PChome/DYAJ9Z-A900" {
		t.Errorf("state = %+v", task)
	}

	again, dup, err := h.enqueuer.EnqueueSingleProduct(ctx, "PChome", " DYAJ9Z-A900 ")
	if err != nil || !dup || again != id {
		t.Fatalf("duplicate enqueue = %q %v %v, want %q", again, dup, err, id)
	}

	other, dup, err := h.enqueuer.EnqueueSingleProduct(ctx, "PChome", "OTHER")
	if err != nil || dup || other == id {
		t.Fatalf("other product = %q %v %v", other, dup, err)
	}

	if n, _ := h.rdb.XLen(ctx, testStream).Result(); n != 2 {
		t.Errorf("stream length = %d, want 2", n)
	}

	if _, _, err := h.enqueuer.EnqueueSingleProduct(ctx, "Shopee", "1"); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("unsupported platform err = %v", err)
	}
	if _, _, err := h.enqueuer.EnqueueSingleProduct(ctx, "Momo", " "); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("empty id err = %v", err)
	}
}

func TestEnqueueFullSweep_Target(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, nil, Options{})
	ctx := context.Background()

	id, err := h.enqueuer.EnqueueFullSweep(ctx, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task := h.state(t, id); task.Params != "all" {
		t.Errorf("params = %q, want all", task.Params)
	}

	tests := []struct {
		target string
		want   string
	}{
		{"momo", "Momo"},
		{"MOMO", "Momo"},
		{"mo", "Momo"},
		{"momoshop", "Momo"},
		{"pchome", "PChome"},
		{"PChome 24h", "PChome"},
		{" pchome24h ", "PChome"},
		{"Shopee", ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			id, err := h.enqueuer.EnqueueFullSweep(ctx, tt.target)
			if tt.want == "" {
				if !errors.Is(err, ErrUnsupportedPlatform) {
					t.Errorf("unsupported target err = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if task := h.state(t, id); task.Params != tt.want {
				t.Errorf("params = %q, want %q", task.Params, tt.want)
			}
		})
	}
}

func TestEnqueueSingleProduct_PlatformAlias(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, nil, Options{})
	ctx := context.Background()

	id, _, err := h.enqueuer.EnqueueSingleProduct(ctx, "momoshop", "14206839")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task := h.state(t, id); task.Params != "Momo/14206839" {
		t.Errorf("params = %q, want Momo/14206839", task.Params)
	}
	if _, _, err := h.enqueuer.EnqueueSingleProduct(ctx, "shopee", "1"); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("unsupported platform err = %v", err)
	}
}

func TestHandle_SingleProductSuccess(t *testing.T) {
	fr := &fakeRunner{product: func(platform, nativeID string) runner.ProductResult {
		return runner.ProductResult{Kind: runner.ResultSuccess, Platform: platform, NativeID: nativeID,
			Price: decimal.NewFromInt(1299), Saved: true}
	}}
	h := newHarness(t, fr, nil, Options{})
	ctx := context.Background()

	id, _, err := h.enqueuer.EnqueueSingleProduct(ctx, "Momo", "7788")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.sched.handle(ctx, h.readOne(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	task := h.state(t, id)
	if task.State != taskstate.StateSucceeded || task.Attempts != 1 {
		t.Fatalf("state = %+v", task)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(task.Result), &res); err != nil {
		t.Fatalf("result json: %v", err)
	}
	if res["status"] != "success" || res["price"] != "1299.00" {
		t.Errorf("result = %v", res)
	}
	if h.pending(t) != 0 {
		t.Errorf("message not acked")
	}
}

func TestHandle_SingleProductNotFoundIsTerminal(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, nil, Options{ProductRetryDelay: time.Minute})
	ctx := context.Background()

	id, _, _ := h.enqueuer.EnqueueSingleProduct(ctx, "PChome", "GONE")
	if err := h.sched.handle(ctx, h.readOne(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	task := h.state(t, id)
	if task.State != taskstate.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", task.State)
	}
	if !strings.Contains(task.Result, `"status":"failed"`) || !strings.Contains(task.Result, "price not found") {
		t.Errorf("result = %s", task.Result)
	}
	if n, _ := h.consumer.Queue().DelayedCount(ctx); n != 0 {
		t.Errorf("not_found must not be retried, delayed = %d", n)
	}
	if len(h.reporter.failures) != 0 {
		t.Errorf("unexpected failure report")
	}
}

func TestHandle_TransportErrorRetriesThenExhausts(t *testing.T) {
	fr := &fakeRunner{product: func(platform, nativeID string) runner.ProductResult {
		return runner.ProductResult{Kind: runner.ResultError, Err: errors.New("dial tcp: i/o timeout")}
	}}
	h := newHarness(t, fr, nil, Options{ProductRetryDelay: 3 * time.Minute})
	ctx := context.Background()

	id, _, _ := h.enqueuer.EnqueueSingleProduct(ctx, "Momo", "1")

	// 首次执行 + 2 次重试
	for attempt := 1; attempt <= 3; attempt++ {
		if err := h.sched.handle(ctx, h.readOne(t)); err == nil {
			t.Fatalf("attempt %d: expected error", attempt)
		}
		task := h.state(t, id)
		if task.Attempts != attempt {
			t.Errorf("attempt %d: attempts = %d", attempt, task.Attempts)
		}
		if attempt < 3 {
			if task.State != taskstate.StateRetrying {
				t.Fatalf("attempt %d: state = %s, want retrying", attempt, task.State)
			}
			if _, err := h.consumer.Queue().PromoteDue(ctx, time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("promote: %v", err)
			}
		}
	}

	task := h.state(t, id)
	if task.State != taskstate.StateFailedExhausted || !strings.Contains(task.Error, "i/o timeout") {
		t.Fatalf("final state = %+v", task)
	}
	if n, _ := h.rdb.XLen(ctx, h.consumer.DeadLetterStream()).Result(); n != 1 {
		t.Errorf("dlq length = %d, want 1", n)
	}
	if len(h.reporter.failures) != 1 || h.reporter.failures[0].Attempts != 3 {
		t.Errorf("failure reports = %+v", h.reporter.failures)
	}
	if h.pending(t) != 0 {
		t.Errorf("message left pending")
	}
}

func TestHandle_FullSweepExpandsAll(t *testing.T) {
	fr := &fakeRunner{}
	h := newHarness(t, fr, nil, Options{Platforms: []string{"Momo", "PChome"}})
	ctx := context.Background()

	id, err := h.enqueuer.EnqueueFullSweep(ctx, "all")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.sched.handle(ctx, h.readOne(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := fr.runTargets(); len(got) != 2 || got[0] != "Momo" || got[1] != "PChome" {
		t.Errorf("runs = %v", got)
	}
	if task := h.state(t, id); task.State != taskstate.StateSucceeded {
		t.Errorf("state = %s", task.State)
	}
}

func TestHandle_FullSweepSetupFailureRetries(t *testing.T) {
	fr := &fakeRunner{runFn: func(ctx context.Context, target string) (runner.Summary, error) {
		return runner.Summary{Target: target}, runner.ErrSetup
	}}
	h := newHarness(t, fr, nil, Options{FullSweepRetryDelay: 5 * time.Minute})
	ctx := context.Background()

	id, _ := h.enqueuer.EnqueueFullSweep(ctx, "Momo")
	if err := h.sched.handle(ctx, h.readOne(t)); !errors.Is(err, runner.ErrSetup) {
		t.Fatalf("handle err = %v", err)
	}
	if task := h.state(t, id); task.State != taskstate.StateRetrying {
		t.Errorf("state = %s, want retrying", task.State)
	}
	if n, _ := h.consumer.Queue().DelayedCount(ctx); n != 1 {
		t.Errorf("delayed = %d, want 1", n)
	}
	// 未到重试时间
	if moved, _ := h.consumer.Queue().PromoteDue(ctx, time.Now().Add(time.Minute)); moved != 0 {
		t.Errorf("promoted before delay elapsed")
	}
}

func TestHandle_FullSweepRateLimited(t *testing.T) {
	fr := &fakeRunner{}
	limiter := func(rdb *redis.Client) *ratelimit.Limiter {
		return ratelimit.NewPerMinute(rdb, nil, "test:ratelimit:sweep", 1)
	}
	h := newHarness(t, fr, limiter, Options{})
	ctx := context.Background()

	first, _ := h.enqueuer.EnqueueFullSweep(ctx, "Momo")
	second, _ := h.enqueuer.EnqueueFullSweep(ctx, "PChome")

	if err := h.sched.handle(ctx, h.readOne(t)); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := h.sched.handle(ctx, h.readOne(t)); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	if got := fr.runTargets(); len(got) != 1 || got[0] != "Momo" {
		t.Errorf("runs = %v, want only the first sweep", got)
	}
	if task := h.state(t, first); task.State != taskstate.StateSucceeded {
		t.Errorf("first state = %s", task.State)
	}
	task := h.state(t, second)
	if task.State != taskstate.StatePending || task.Attempts != 0 {
		t.Errorf("second state = %+v, want pending without attempts", task)
	}
	if n, _ := h.consumer.Queue().DelayedCount(ctx); n != 1 {
		t.Errorf("delayed = %d, want 1", n)
	}
}

func TestHandle_InterruptedSweepIsRequeued(t *testing.T) {
	fr := &fakeRunner{runFn: func(ctx context.Context, target string) (runner.Summary, error) {
		return runner.Summary{Target: target, Attempted: 1}, ctx.Err()
	}}
	h := newHarness(t, fr, nil, Options{})

	id, _ := h.enqueuer.EnqueueFullSweep(context.Background(), "Momo")
	m := h.readOne(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.sched.handle(ctx, m); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if task := h.state(t, id); task.State != taskstate.StatePending {
		t.Errorf("state = %s, want pending", task.State)
	}
	again := h.readOne(t)
	if again.Message.TaskID != id || again.Message.Retry != 0 {
		t.Errorf("requeued message = %+v", again.Message)
	}
	if len(h.reporter.failures) != 0 {
		t.Errorf("interruption must not be reported")
	}
}

func TestRun_BeatOnStartAndShutdown(t *testing.T) {
	fr := &fakeRunner{}
	h := newHarness(t, fr, nil, Options{
		BeatOnStart:     true,
		Platforms:       []string{"Momo"},
		Workers:         2,
		ShutdownTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(fr.runTargets()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fr.runTargets(); len(got) != 1 || got[0] != "Momo" {
		t.Fatalf("runs = %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRun_ReadsOnlyWhenWorkerIsFree(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 5)
	fr := &fakeRunner{runFn: func(ctx context.Context, target string) (runner.Summary, error) {
		started <- struct{}{}
		<-release
		return runner.Summary{Target: target}, nil
	}}
	const workers = 2
	h := newHarness(t, fr, nil, Options{Workers: workers, ShutdownTimeout: time.Second})

	for i := 0; i < 5; i++ {
		if _, err := h.enqueuer.EnqueueFullSweep(context.Background(), "Momo"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	for i := 0; i < workers; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			close(release)
			cancel()
			t.Fatal("workers did not pick up tasks")
		}
	}

	// 给消费循环足够时间做多次阻塞读取
	time.Sleep(200 * time.Millisecond)
	if n := h.pending(t); n != workers {
		t.Errorf("pending while all workers busy = %d, want %d", n, workers)
	}
	if got := len(fr.runTargets()); got != workers {
		t.Errorf("runs while busy = %d, want %d", got, workers)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for len(fr.runTargets()) < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(fr.runTargets()); got != 5 {
		t.Errorf("runs after release = %d, want 5", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if n := h.pending(t); n != 0 {
		t.Errorf("pending after drain = %d, want 0", n)
	}
}
