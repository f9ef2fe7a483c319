package notify

import (
	"context"
	"log/slog"
	"time"
)

// Failure 描述一个重试耗尽的任务。
type Failure struct {
	TaskID      string
	Kind        string
	Description string
	Attempts    int
	Error       string
	FailedAt    time.Time
}

// Reporter 定义失败报告接口。
type Reporter interface {
	ReportFailure(ctx context.Context, f Failure) error
}

// LogReporter 只写日志，邮件未配置时使用。
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportFailure(_ context.Context, f Failure) error {
	r.logger.Error("task retries exhausted",
		slog.String("task_id", f.TaskID),
		slog.String("kind", f.Kind),
		slog.String("task", f.Description),
		slog.Int("attempts", f.Attempts),
		slog.String("error", f.Error))
	return nil
}
