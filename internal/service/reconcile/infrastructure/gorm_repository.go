package infrastructure

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vigil/internal/service/reconcile/domain"
)

// GormSessionRepository 是 domain.SessionRepository 的 GORM 实现。
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository 创建一个新的 GORM 仓储实例
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// Save 以 session_id 为冲突键做 upsert：归档是幂等的，重复写入只刷新字段。
func (r *GormSessionRepository) Save(ctx context.Context, session *domain.PaymentSession) error {
	model := FromDomainSession(session)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "expire_reason", "poll_count", "transient_errs",
			"activation_warn", "finished_at",
		}),
	}).Create(model).Error
}

// FindByID 按会话 ID 查找归档记录，查不到返回 (nil, nil)。
func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*domain.PaymentSession, error) {
	var model SessionRecordModel
	err := r.db.WithContext(ctx).Where("session_id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ToDomainSession(&model), nil
}
