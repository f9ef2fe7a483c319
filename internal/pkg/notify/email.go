package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"pricetracker/internal/config"

	"gopkg.in/gomail.v2"
)

// mailSender 是 gomail.Dialer 的发送能力，测试中替换。
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailReporter 通过 SMTP 发送任务失败报告。
type EmailReporter struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	sender mailSender
}

// NewEmailReporter 创建邮件报告器。
func NewEmailReporter(cfg *config.EmailConfig, logger *slog.Logger) *EmailReporter {
	return &EmailReporter{
		cfg:    cfg,
		logger: logger,
		sender: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
	}
}

// Configured 判断 SMTP 与收件人是否齐全。
func (n *EmailReporter) Configured() bool {
	return n.cfg != nil && n.cfg.SMTPHost != "" && n.cfg.FromEmail != "" && strings.TrimSpace(n.cfg.AlertTo) != ""
}

// ReportFailure 发送失败报告，配置缺失时跳过。
func (n *EmailReporter) ReportFailure(ctx context.Context, f Failure) error {
	if !n.Configured() {
		n.logger.Warn("email config missing, skip failure report", slog.String("task_id", f.TaskID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", splitRecipients(n.cfg.AlertTo)...)
	m.SetHeader("Subject", buildSubject(f))
	m.SetBody("text/html", buildHTMLBody(f))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("failure report sent",
		slog.String("task_id", f.TaskID),
		slog.String("to", n.cfg.AlertTo))
	return nil
}

func splitRecipients(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildSubject(f Failure) string {
	return fmt.Sprintf("[PriceTracker] 任务失败: %s", f.Description)
}

func buildHTMLBody(f Failure) string {
	failedAt := f.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}

	template := `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8" /></head>
<body style="font-family: Arial, sans-serif; color: #1f2937;">
  <div style="max-width: 600px; margin: 24px auto; border: 1px solid #e5e7eb; border-radius: 12px;">
    <div style="background: #7f1d1d; color: #fff; padding: 16px 20px; font-weight: bold;">[PriceTracker] 重试耗尽</div>
    <div style="padding: 20px;">
      <p>任务: <b>%s</b></p>
      <p>任务 ID: <code>%s</code></p>
      <p>类型: %s，已尝试 %d 次</p>
      <p>失败时间: %s</p>
      <pre style="background: #f3f4f6; padding: 12px; white-space: pre-wrap;">%s</pre>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		html.EscapeString(f.Description),
		html.EscapeString(f.TaskID),
		html.EscapeString(f.Kind),
		f.Attempts,
		failedAt.Format(time.RFC3339),
		html.EscapeString(f.Error))
}
