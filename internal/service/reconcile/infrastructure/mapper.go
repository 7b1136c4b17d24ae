package infrastructure

import (
	"vigil/internal/service/reconcile/domain"
)

// FromDomainSession 将领域模型转换为数据库模型 (用于归档写入)
func FromDomainSession(s *domain.PaymentSession) *SessionRecordModel {
	if s == nil {
		return nil
	}
	return &SessionRecordModel{
		SessionID:      s.ID,
		InvoiceID:      s.InvoiceID,
		DeviceID:       s.DeviceID,
		State:          string(s.State),
		ExpireReason:   string(s.ExpireReason),
		PollCount:      s.PollCount,
		MaxPolls:       s.MaxPolls,
		TransientErrs:  s.TransientErrs,
		ActivationWarn: s.ActivationWarn,
		StartedAt:      s.CreatedAt,
		Deadline:       s.Deadline,
		FinishedAt:     s.UpdatedAt,
	}
}

// ToDomainSession 将数据库模型转换为领域模型
func ToDomainSession(model *SessionRecordModel) *domain.PaymentSession {
	if model == nil {
		return nil
	}
	return &domain.PaymentSession{
		ID:             model.SessionID,
		InvoiceID:      model.InvoiceID,
		DeviceID:       model.DeviceID,
		CreatedAt:      model.StartedAt,
		Deadline:       model.Deadline,
		MaxPolls:       model.MaxPolls,
		PollCount:      model.PollCount,
		TransientErrs:  model.TransientErrs,
		State:          domain.State(model.State),
		ExpireReason:   domain.ExpireReason(model.ExpireReason),
		ActivationWarn: model.ActivationWarn,
		UpdatedAt:      model.FinishedAt,
	}
}
