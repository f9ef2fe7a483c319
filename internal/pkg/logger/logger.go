package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName   = "scraper.log"
	maxFileSizeMB = 5
	maxBackups    = 5
)

// NewDefault 创建只输出到 stdout 的 JSON 日志记录器。
func NewDefault(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// New 创建日志记录器：始终输出到 stdout，并在 dir 可写时额外写入滚动文件。
//
// 目录无法创建或文件无法打开时降级为仅 stdout，并通过 stderr 提示，
// 不会返回错误。
func New(level string, dir string) *slog.Logger {
	if strings.TrimSpace(dir) == "" {
		return NewDefault(level)
	}

	w, err := openRotating(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "file logging disabled: %v\n", err)
		return NewDefault(level)
	}

	out := io.MultiWriter(os.Stdout, w)
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func openRotating(dir string) (io.Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, logFileName)
	// lumberjack 延迟打开文件，这里先探测一次写权限
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	_ = f.Close()

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxFileSizeMB,
		MaxBackups: maxBackups,
	}, nil
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level，未知值按 info 处理。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
