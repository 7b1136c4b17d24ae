package application

import (
	"context"

	"vigil/internal/service/reconcile/domain"
	"vigil/internal/service/reconcile/port"
)

// NopNotifier 丢弃所有进度事件。
type NopNotifier struct{}

func (NopNotifier) NotifyTick(ctx context.Context, session domain.PaymentSession, remainingSeconds int) {
}

func (NopNotifier) NotifyPollAttempt(ctx context.Context, session domain.PaymentSession, attempt, maxPolls int) {
}

func (NopNotifier) NotifyOutcome(ctx context.Context, session domain.PaymentSession) {}

// FanoutNotifier 把同一事件依次广播给多个下游(Kafka、指标、回调)。
// 任何一个下游阻塞都会拖慢倒计时循环, 下游实现必须自行保证快速返回。
type FanoutNotifier struct {
	targets []port.ProgressNotifier
}

func NewFanoutNotifier(targets ...port.ProgressNotifier) *FanoutNotifier {
	flat := make([]port.ProgressNotifier, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			flat = append(flat, t)
		}
	}
	return &FanoutNotifier{targets: flat}
}

func (f *FanoutNotifier) NotifyTick(ctx context.Context, session domain.PaymentSession, remainingSeconds int) {
	for _, t := range f.targets {
		t.NotifyTick(ctx, session, remainingSeconds)
	}
}

func (f *FanoutNotifier) NotifyPollAttempt(ctx context.Context, session domain.PaymentSession, attempt, maxPolls int) {
	for _, t := range f.targets {
		t.NotifyPollAttempt(ctx, session, attempt, maxPolls)
	}
}

func (f *FanoutNotifier) NotifyOutcome(ctx context.Context, session domain.PaymentSession) {
	for _, t := range f.targets {
		t.NotifyOutcome(ctx, session)
	}
}

// CallbackNotifier 把进度事件转成进程内回调, 供嵌入式调用方(CLI、测试)消费。
// 未设置的回调直接跳过。
type CallbackNotifier struct {
	OnTick    func(session domain.PaymentSession, remainingSeconds int)
	OnPoll    func(session domain.PaymentSession, attempt, maxPolls int)
	OnOutcome func(session domain.PaymentSession)
}

func (c *CallbackNotifier) NotifyTick(ctx context.Context, session domain.PaymentSession, remainingSeconds int) {
	if c.OnTick != nil {
		c.OnTick(session, remainingSeconds)
	}
}

func (c *CallbackNotifier) NotifyPollAttempt(ctx context.Context, session domain.PaymentSession, attempt, maxPolls int) {
	if c.OnPoll != nil {
		c.OnPoll(session, attempt, maxPolls)
	}
}

func (c *CallbackNotifier) NotifyOutcome(ctx context.Context, session domain.PaymentSession) {
	if c.OnOutcome != nil {
		c.OnOutcome(session)
	}
}
