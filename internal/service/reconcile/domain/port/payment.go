package port

import (
	"context"

	"vigil/internal/service/reconcile/domain"
)

// PaymentStatusService 是支付网关状态查询的出站端口。
// 实现方负责先解析服务凭证再查询网关；凭证获取失败一律归一为
// TRANSIENT_ERROR，使协调器的重试语义保持统一。
type PaymentStatusService interface {
	// CheckStatus 查询指定发票的结清状态。
	// 上游 404 映射为 NOT_FOUND，其余非成功响应与网络错误映射为 TRANSIENT_ERROR。
	CheckStatus(ctx context.Context, invoiceID string) (domain.StatusObservation, error)
}
