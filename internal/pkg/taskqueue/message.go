package taskqueue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind 任务类型。
type Kind string

const (
	// KindFullSweep 扫描某个平台（或全部平台）的所有已追踪商品。
	KindFullSweep Kind = "full_sweep"
	// KindSingleProduct 即时抓取单个商品。
	KindSingleProduct Kind = "single_product"
)

// TaskMessage 表示任务队列中的消息结构。
//
// 消息在重试时原样回到队列，只有 Retry 递增，TaskID 不变。
type TaskMessage struct {
	TaskID    string    `json:"task_id"`
	Kind      Kind      `json:"kind"`
	Target    string    `json:"target,omitempty"`    // full_sweep: 平台名称或 "all"
	Platform  string    `json:"platform,omitempty"`  // single_product
	NativeID  string    `json:"native_id,omitempty"` // single_product
	Source    string    `json:"source"`              // 消息来源: "beat" / "api" / "cli"
	Retry     int       `json:"retry"`               // 已重试次数
	MaxRetry  int       `json:"max_retry"`           // 为 0 时使用消费者默认值
	Timestamp time.Time `json:"timestamp"`           // 首次入队时间
}

// NewFullSweepMessage 创建一个全平台（或单平台）扫描任务。
func NewFullSweepMessage(target string, source string, maxRetry int) *TaskMessage {
	target = strings.TrimSpace(target)
	if target == "" {
		target = "all"
	}
	return &TaskMessage{
		TaskID:    uuid.NewString(),
		Kind:      KindFullSweep,
		Target:    target,
		Source:    source,
		MaxRetry:  maxRetry,
		Timestamp: time.Now(),
	}
}

// NewSingleProductMessage 创建一个单品即时抓取任务。
func NewSingleProductMessage(platform string, nativeID string, source string, maxRetry int) *TaskMessage {
	return &TaskMessage{
		TaskID:    uuid.NewString(),
		Kind:      KindSingleProduct,
		Platform:  strings.TrimSpace(platform),
		NativeID:  strings.TrimSpace(nativeID),
		Source:    source,
		MaxRetry:  maxRetry,
		Timestamp: time.Now(),
	}
}

// Describe 返回用于日志和报告的简短描述。
func (m *TaskMessage) Describe() string {
	if m.Kind == KindSingleProduct {
		return string(m.Kind) + " " + m.Platform + "/" + m.NativeID
	}
	return string(m.Kind) + " " + m.Target
}
