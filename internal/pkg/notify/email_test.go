package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"pricetracker/internal/config"

	"gopkg.in/gomail.v2"
)

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func newReporter(cfg config.EmailConfig, sender *fakeSender) *EmailReporter {
	r := NewEmailReporter(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.sender = sender
	return r
}

func sampleFailure() Failure {
	return Failure{
		TaskID:      "4b0c8d1e",
		Kind:        "full_sweep",
		Description: "full_sweep all",
		Attempts:    4,
		Error:       "scrape run setup failed: <dial tcp refused>",
		FailedAt:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestEmailReporter_SkipsWhenNotConfigured(t *testing.T) {
	sender := &fakeSender{}
	r := newReporter(config.EmailConfig{SMTPHost: "smtp.example.com"}, sender)

	if err := r.ReportFailure(context.Background(), sampleFailure()); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d messages without recipients", len(sender.sent))
	}
}

func TestEmailReporter_Sends(t *testing.T) {
	sender := &fakeSender{}
	r := newReporter(config.EmailConfig{
		SMTPHost:  "smtp.example.com",
		SMTPPort:  587,
		FromEmail: "bot@example.com",
		AlertTo:   "ops@example.com, oncall@example.com",
	}, sender)

	if err := r.ReportFailure(context.Background(), sampleFailure()); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	m := sender.sent[0]
	if to := m.GetHeader("To"); len(to) != 2 || to[1] != "oncall@example.com" {
		t.Errorf("to = %v", to)
	}
	if subj := m.GetHeader("Subject"); len(subj) != 1 || !strings.Contains(subj[0], "full_sweep all") {
		t.Errorf("subject = %v", subj)
	}
}

func TestEmailReporter_SendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("connection refused")}
	r := newReporter(config.EmailConfig{SMTPHost: "smtp", FromEmail: "a@b", AlertTo: "c@d"}, sender)

	if err := r.ReportFailure(context.Background(), sampleFailure()); err == nil {
		t.Fatal("expected send error")
	}
}

func TestBuildHTMLBody_EscapesError(t *testing.T) {
	body := buildHTMLBody(sampleFailure())
	if strings.Contains(body, "<dial tcp refused>") {
		t.Error("error text must be escaped")
	}
	if !strings.Contains(body, "&lt;dial tcp refused&gt;") {
		t.Error("escaped error text missing")
	}
	if !strings.Contains(body, "2026-03-01T08:00:00Z") {
		t.Error("failed_at missing")
	}
}

func TestSplitRecipients(t *testing.T) {
	got := splitRecipients(" a@x , ,b@y")
	if len(got) != 2 || got[0] != "a@x" || got[1] != "b@y" {
		t.Fatalf("recipients = %v", got)
	}
}
