// internal/service/reconcile/domain/session.go
package domain

import (
	"errors"
	"fmt"
	"time"
)

// PaymentSession 是对账聚合的根实体。
// 一个会话对应一张发票与一台待激活设备，生命周期从开始追踪到终态为止。
type PaymentSession struct {
	ID        string
	InvoiceID string
	DeviceID  string

	CreatedAt    time.Time
	Deadline     time.Time // CreatedAt + 固定窗口
	PollInterval time.Duration
	MaxPolls     int

	PollCount      int // 已发起的轮询次数，永远 <= MaxPolls
	TransientErrs  int // 轮询中遇到的瞬时错误次数
	State          State
	ExpireReason   ExpireReason
	ActivationWarn string // 支付确认后激活失败时的次级告警，不影响 SETTLED
	UpdatedAt      time.Time
}

// NewPaymentSession 工厂函数，创建一个处于 PENDING 状态的新会话。
func NewPaymentSession(id, invoiceID, deviceID string, now time.Time, window, pollInterval time.Duration, maxPolls int) (*PaymentSession, error) {
	if id == "" || invoiceID == "" || deviceID == "" {
		return nil, errors.New("cannot create payment session with empty required fields")
	}
	if window <= 0 || pollInterval <= 0 || maxPolls <= 0 {
		return nil, errors.New("payment session window, poll interval and max polls must be positive")
	}

	return &PaymentSession{
		ID:           id,
		InvoiceID:    invoiceID,
		DeviceID:     deviceID,
		CreatedAt:    now,
		Deadline:     now.Add(window),
		PollInterval: pollInterval,
		MaxPolls:     maxPolls,
		State:        StatePending, // 初始状态
		UpdatedAt:    now,
	}, nil
}

// IsTerminal 判断会话是否已到终态。
func (s PaymentSession) IsTerminal() bool {
	return s.State.IsTerminal()
}

// RecordPollAttempt 记录一次轮询。
// 状态流转是单向的：终态会话和已耗尽轮询预算的会话都不允许再轮询。
func (s *PaymentSession) RecordPollAttempt(now time.Time) error {
	if s.State != StatePending {
		return fmt.Errorf("cannot poll session in state %s", s.State)
	}
	if s.PollCount >= s.MaxPolls {
		return errors.New("poll budget exhausted")
	}
	s.PollCount++
	s.UpdatedAt = now
	return nil
}

// RecordTransientError 记录一次瞬时错误观察，不改变会话状态。
func (s *PaymentSession) RecordTransientError(now time.Time) {
	s.TransientErrs++
	s.UpdatedAt = now
}

// PollBudgetExhausted 判断轮询预算是否用尽。
// 预算耗尽只停止轮询，不终结会话——倒计时仍是唯一的权威终结者。
func (s PaymentSession) PollBudgetExhausted() bool {
	return s.PollCount >= s.MaxPolls
}

// MarkSettled 将会话标记为已结清。只允许从 PENDING 进入。
func (s *PaymentSession) MarkSettled(now time.Time) error {
	if s.State != StatePending {
		return fmt.Errorf("only pending sessions can be settled, current state %s", s.State)
	}
	s.State = StateSettled
	s.UpdatedAt = now
	return nil
}

// MarkExpired 将会话标记为过期，并记录过期原因。
func (s *PaymentSession) MarkExpired(reason ExpireReason, now time.Time) error {
	if s.State != StatePending {
		return fmt.Errorf("only pending sessions can expire, current state %s", s.State)
	}
	s.State = StateExpired
	s.ExpireReason = reason
	s.UpdatedAt = now
	return nil
}

// Abort 取消会话。对终态会话是非法操作，由调用方先行判断。
func (s *PaymentSession) Abort(now time.Time) error {
	if s.State != StatePending {
		return fmt.Errorf("only pending sessions can be aborted, current state %s", s.State)
	}
	s.State = StateAborted
	s.UpdatedAt = now
	return nil
}

// SetActivationWarning 记录支付确认后的激活告警。
func (s *PaymentSession) SetActivationWarning(warn string, now time.Time) {
	s.ActivationWarn = warn
	s.UpdatedAt = now
}

// WindowSeconds 返回固定窗口的整秒数。
func (s PaymentSession) WindowSeconds() int {
	return int(s.Deadline.Sub(s.CreatedAt) / time.Second)
}

// FormatRemaining 将剩余秒数格式化为补零的 mm:ss。
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// OutcomeMessage 为每个终态生成一条面向用户的提示语，绝不暴露内部错误细节。
func (s PaymentSession) OutcomeMessage() string {
	switch s.State {
	case StateSettled:
		return "Payment confirmed. Your license is being activated."
	case StateExpired:
		if s.ExpireReason == ExpireReasonInvoiceNotFound {
			return "This payment link may have expired. Please start a new invoice."
		}
		if s.PollCount > 0 && s.TransientErrs == s.PollCount {
			return "The payment service could not be reached. Please try again later."
		}
		return "The payment window has expired."
	case StateAborted:
		return "Payment tracking was cancelled."
	default:
		return "Waiting for payment confirmation."
	}
}
