package infrastructure

import (
	"time"

	"gorm.io/gorm"
)

// SessionRecordModel 对应数据库中的 reconcile_sessions 表，
// 只归档终态会话，供排障与审计查询。
type SessionRecordModel struct {
	gorm.Model
	SessionID      string `gorm:"uniqueIndex;size:64"`
	InvoiceID      string `gorm:"index;size:64"`
	DeviceID       string `gorm:"size:64"`
	State          string `gorm:"size:16"`
	ExpireReason   string `gorm:"size:32"`
	PollCount      int
	MaxPolls       int
	TransientErrs  int
	ActivationWarn string `gorm:"type:text"`
	StartedAt      time.Time
	Deadline       time.Time
	FinishedAt     time.Time
}

// TableName 指定 GORM 应该使用的表名
func (SessionRecordModel) TableName() string {
	return "reconcile_sessions"
}
