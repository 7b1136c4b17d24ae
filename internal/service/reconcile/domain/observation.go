// internal/service/reconcile/domain/observation.go
package domain

import "time"

// StatusResult 是一次状态查询的归一化结果。
// 上游网关五花八门的响应在适配器层就被收敛到这四个值。
type StatusResult string

const (
	StatusPending        StatusResult = "PENDING"
	StatusPaid           StatusResult = "PAID"
	StatusNotFound       StatusResult = "NOT_FOUND"
	StatusTransientError StatusResult = "TRANSIENT_ERROR"
)

// StatusObservation 是一次状态查询的瞬时结果，不做持久化，由协调器立即消费。
type StatusObservation struct {
	Result     StatusResult
	ObservedAt time.Time
}
