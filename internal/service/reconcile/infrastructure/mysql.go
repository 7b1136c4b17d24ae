package infrastructure

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// NewDB 打开 MySQL 连接并迁移归档表。
func NewDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecordModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate reconcile_sessions: %w", err)
	}
	return db, nil
}
