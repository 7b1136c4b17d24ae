package port

import (
	"context"

	"vigil/internal/service/reconcile/domain"
)

// ActivationPolicy 在支付确认后、激活命令发出前做最后一道可配置校验。
// 默认（空策略）恒允许。策略拒绝不会影响会话进入 SETTLED，
// 只会以激活告警的形式呈现给调用方。
type ActivationPolicy interface {
	Allow(ctx context.Context, session domain.PaymentSession) (bool, error)
}
