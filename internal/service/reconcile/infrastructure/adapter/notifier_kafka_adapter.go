package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"vigil/internal/pkg/logger"
	"vigil/internal/pkg/mq"
	"vigil/internal/service/reconcile/domain"
)

// NotifierKafkaAdapter 把会话进度事件发布到事件总线。
// 事件按发票号分区, 同一会话的事件保持有序; 发布失败只记日志,
// 进度事件丢一条不影响会话本身的推进。
type NotifierKafkaAdapter struct {
	writer *kafka.Writer
}

// NewNotifierKafkaAdapter 创建一个新的事件发布适配器。
func NewNotifierKafkaAdapter(writer *kafka.Writer) *NotifierKafkaAdapter {
	return &NotifierKafkaAdapter{writer: writer}
}

func (a *NotifierKafkaAdapter) NotifyTick(ctx context.Context, session domain.PaymentSession, remainingSeconds int) {
	a.publish(ctx, domain.NewTickEvent(session, remainingSeconds, time.Now()))
}

func (a *NotifierKafkaAdapter) NotifyPollAttempt(ctx context.Context, session domain.PaymentSession, attempt, maxPolls int) {
	a.publish(ctx, domain.NewPollAttemptEvent(session, attempt, maxPolls, time.Now()))
}

func (a *NotifierKafkaAdapter) NotifyOutcome(ctx context.Context, session domain.PaymentSession) {
	a.publish(ctx, domain.NewOutcomeEvent(session, time.Now()))
}

func (a *NotifierKafkaAdapter) publish(ctx context.Context, event domain.SessionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to marshal session event")
		return
	}
	if err := mq.ProduceMessage(ctx, a.writer, []byte(event.InvoiceID), payload); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("session_id", event.SessionID).
			Str("event_type", string(event.Type)).
			Msg("failed to publish session event")
	}
}

// Close 关闭底层的 Kafka writer。
func (a *NotifierKafkaAdapter) Close() error {
	return a.writer.Close()
}
