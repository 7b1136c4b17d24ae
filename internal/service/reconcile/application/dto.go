package application

import (
	"time"

	"vigil/internal/service/reconcile/domain"
)

// StartSessionCommand 是发起一次对账会话的入参。
type StartSessionCommand struct {
	InvoiceID string `json:"invoiceId"`
	DeviceID  string `json:"deviceId"`
}

// CancelSessionCommand 按发票号取消一个进行中的会话。
type CancelSessionCommand struct {
	InvoiceID string `json:"invoiceId"`
}

// SessionView 是对外暴露的会话只读视图。
type SessionView struct {
	SessionID        string    `json:"sessionId"`
	InvoiceID        string    `json:"invoiceId"`
	DeviceID         string    `json:"deviceId"`
	State            string    `json:"state"`
	ExpireReason     string    `json:"expireReason,omitempty"`
	RemainingSeconds int       `json:"remainingSeconds"`
	Remaining        string    `json:"remaining"`
	PollCount        int       `json:"pollCount"`
	MaxPolls         int       `json:"maxPolls"`
	ActivationWarn   string    `json:"activationWarn,omitempty"`
	Message          string    `json:"message,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	Deadline         time.Time `json:"deadline"`
}

func newSessionView(s domain.PaymentSession, now time.Time) SessionView {
	remaining := int(s.Deadline.Sub(now) / time.Second)
	if remaining < 0 || s.IsTerminal() {
		remaining = 0
	}
	view := SessionView{
		SessionID:        s.ID,
		InvoiceID:        s.InvoiceID,
		DeviceID:         s.DeviceID,
		State:            string(s.State),
		ExpireReason:     string(s.ExpireReason),
		RemainingSeconds: remaining,
		Remaining:        domain.FormatRemaining(remaining),
		PollCount:        s.PollCount,
		MaxPolls:         s.MaxPolls,
		ActivationWarn:   s.ActivationWarn,
		CreatedAt:        s.CreatedAt,
		Deadline:         s.Deadline,
	}
	if s.IsTerminal() {
		view.Message = s.OutcomeMessage()
	}
	return view
}
