// internal/service/reconcile/domain/events.go
package domain

import "time"

// SessionEventType 标识会话事件的种类。
type SessionEventType string

const (
	EventTick        SessionEventType = "TICK"         // 倒计时走过一秒
	EventPollAttempt SessionEventType = "POLL_ATTEMPT" // 发起了第 N 次状态轮询
	EventOutcome     SessionEventType = "OUTCOME"      // 会话进入终态
)

// SessionEvent 是发往事件总线（以及进程内回调）的统一载体。
// 非终态事件只填进度字段，终态事件附带结果与提示语。
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"sessionId"`
	InvoiceID string           `json:"invoiceId"`
	DeviceID  string           `json:"deviceId"`
	State     State            `json:"state"`

	// TICK
	RemainingSeconds int    `json:"remainingSeconds,omitempty"`
	RemainingDisplay string `json:"remainingDisplay,omitempty"` // mm:ss，补零

	// POLL_ATTEMPT
	Attempt  int `json:"attempt,omitempty"`
	MaxPolls int `json:"maxPolls,omitempty"`

	// OUTCOME
	ExpireReason      ExpireReason `json:"expireReason,omitempty"`
	ActivationWarning string       `json:"activationWarning,omitempty"`
	Message           string       `json:"message,omitempty"`

	At time.Time `json:"at"`
}

// NewTickEvent 构造一条倒计时进度事件。
func NewTickEvent(s PaymentSession, remainingSeconds int, at time.Time) SessionEvent {
	return SessionEvent{
		Type:             EventTick,
		SessionID:        s.ID,
		InvoiceID:        s.InvoiceID,
		DeviceID:         s.DeviceID,
		State:            s.State,
		RemainingSeconds: remainingSeconds,
		RemainingDisplay: FormatRemaining(remainingSeconds),
		At:               at,
	}
}

// NewPollAttemptEvent 构造一条轮询进度事件。
func NewPollAttemptEvent(s PaymentSession, attempt, maxPolls int, at time.Time) SessionEvent {
	return SessionEvent{
		Type:      EventPollAttempt,
		SessionID: s.ID,
		InvoiceID: s.InvoiceID,
		DeviceID:  s.DeviceID,
		State:     s.State,
		Attempt:   attempt,
		MaxPolls:  maxPolls,
		At:        at,
	}
}

// NewOutcomeEvent 构造一条终态事件。
func NewOutcomeEvent(s PaymentSession, at time.Time) SessionEvent {
	return SessionEvent{
		Type:              EventOutcome,
		SessionID:         s.ID,
		InvoiceID:         s.InvoiceID,
		DeviceID:          s.DeviceID,
		State:             s.State,
		ExpireReason:      s.ExpireReason,
		ActivationWarning: s.ActivationWarn,
		Message:           s.OutcomeMessage(),
		At:                at,
	}
}

// ResumeMarker 是写入会话状态存储的崩溃恢复标记。
// 按发票维度落键，值里带会话归属，清除时做属主校验。
type ResumeMarker struct {
	SessionID string    `json:"sessionId"`
	InvoiceID string    `json:"invoiceId"`
	DeviceID  string    `json:"deviceId"`
	StartedAt time.Time `json:"startedAt"`
}
