// internal/service/reconcile/domain/repository.go
package domain

import "context"

// SessionRepository 定义了会话归档的持久化接口。
// 它位于领域层，但由基础设施层实现。归档只在终态发生，写失败不阻塞主流程。
type SessionRepository interface {
	// Save 保存一个会话快照（用于创建或更新）。
	Save(ctx context.Context, session *PaymentSession) error

	// FindByID 根据 ID 查找一个已归档的会话。
	FindByID(ctx context.Context, id string) (*PaymentSession, error)
}
