package port

import (
	"context"

	"vigil/internal/service/reconcile/domain"
)

// ProgressNotifier 是会话进度与终态事件的出站端口。
// 实现必须是非阻塞的（或内部异步），事件发布不得拖慢协调器的定时器。
type ProgressNotifier interface {
	// NotifyTick 倒计时每走过一秒触发一次。
	NotifyTick(ctx context.Context, session domain.PaymentSession, remainingSeconds int)

	// NotifyPollAttempt 每发起一次状态轮询触发一次。
	NotifyPollAttempt(ctx context.Context, session domain.PaymentSession, attempt, maxPolls int)

	// NotifyOutcome 会话进入终态时触发，且只触发一次。
	NotifyOutcome(ctx context.Context, session domain.PaymentSession)
}
