// internal/service/reconcile/application/coordinator.go
package application

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vigil/internal/pkg/logger"
	"vigil/internal/service/reconcile/domain"
	domainport "vigil/internal/service/reconcile/domain/port"
	"vigil/internal/service/reconcile/port"
)

// CoordinatorConfig 是单个会话的定时与超时参数。
type CoordinatorConfig struct {
	Window             time.Duration // 固定支付窗口，默认 5 分钟
	PollInterval       time.Duration // 轮询周期，固定步长不退避，默认 10 秒
	MaxPolls           int           // 轮询次数上限，默认 30
	StatusCheckTimeout time.Duration // 单次状态查询超时
	ActivationTimeout  time.Duration // 激活命令超时
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 30
	}
	if c.StatusCheckTimeout <= 0 {
		c.StatusCheckTimeout = 3 * time.Second
	}
	if c.ActivationTimeout <= 0 {
		c.ActivationTimeout = 5 * time.Second
	}
	return c
}

// verdictKind 是主循环得出的终结裁定。两个定时过程与取消信号竞争同一个
// 状态机，先到者胜出，其余回调在状态检查处变成 no-op。
type verdictKind int

const (
	verdictSettled verdictKind = iota + 1
	verdictDeadline
	verdictInvoiceNotFound
	verdictAborted
)

// Coordinator 驱动一个 PaymentSession 从 PENDING 走到终态。
// 会话的可变状态由唯一一把互斥锁守护；倒计时、轮询与取消都汇入同一个
// goroutine 的 select 循环，天然串行化所有状态迁移。
type Coordinator struct {
	session *domain.PaymentSession
	cfg     CoordinatorConfig
	clock   clock.Clock
	tracer  trace.Tracer

	statusSvc     domainport.PaymentStatusService
	activationSvc domainport.ActivationService
	policy        domainport.ActivationPolicy // 可为 nil：恒允许
	store         port.SessionStateStore
	notifier      port.ProgressNotifier
	repo          domain.SessionRepository // 可为 nil：不归档

	mu         sync.Mutex
	started    bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// NewCoordinator 组装一个协调器。session 的所有权自此归协调器独占，
// 其他组件只能通过 Snapshot 读取。
func NewCoordinator(
	session *domain.PaymentSession,
	cfg CoordinatorConfig,
	clk clock.Clock,
	tracer trace.Tracer,
	statusSvc domainport.PaymentStatusService,
	activationSvc domainport.ActivationService,
	policy domainport.ActivationPolicy,
	store port.SessionStateStore,
	notifier port.ProgressNotifier,
	repo domain.SessionRepository,
) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Coordinator{
		session:       session,
		cfg:           cfg.withDefaults(),
		clock:         clk,
		tracer:        tracer,
		statusSvc:     statusSvc,
		activationSvc: activationSvc,
		policy:        policy,
		store:         store,
		notifier:      notifier,
		repo:          repo,
		cancelCh:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start 启动倒计时与轮询两个定时过程。重复调用返回 ErrAlreadyRunning。
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.started = true
	c.mu.Unlock()

	// 写入进行中标记。状态存储的失败是非致命的：记录后继续。
	marker := domain.ResumeMarker{
		SessionID: c.session.ID,
		InvoiceID: c.session.InvoiceID,
		DeviceID:  c.session.DeviceID,
		StartedAt: c.clock.Now(),
	}
	if c.store != nil {
		if err := c.store.Put(ctx, c.session.InvoiceID, marker); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("session_id", c.session.ID).
				Msg("failed to put in-flight marker, continuing without it")
		}
	}

	// 会话的生命周期长于发起它的调用：HTTP 请求返回后其 ctx 即被取消，
	// 运行循环只继承链路与日志上下文，终止一律走 cancelCh。
	go c.run(context.WithoutCancel(ctx))
	return nil
}

// Cancel 同步停止两个定时过程：返回之后不会再观察到任何回调。
// 对已终结的会话是 no-op；对未启动的协调器返回 ErrNotStarted。
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	terminal := c.session.IsTerminal()
	c.mu.Unlock()

	if !started {
		return ErrNotStarted
	}
	if terminal {
		return nil
	}

	c.cancelOnce.Do(func() { close(c.cancelCh) })
	<-c.done
	return nil
}

// Done 在会话进入终态且所有清理完成后关闭。
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Snapshot 返回会话当前状态的一份拷贝。
func (c *Coordinator) Snapshot() domain.PaymentSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.session
}

// run 是会话唯一的事件循环。每个分支的第一件事都是确认会话仍处于
// PENDING，保证先到的终结裁定胜出、迟到的回调退化为 no-op。
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	ctx, span := c.tracer.Start(ctx, "coordinator.Run", trace.WithAttributes(
		attribute.String("session.id", c.session.ID),
		attribute.String("invoice.id", c.session.InvoiceID),
	))
	defer span.End()

	countdown := c.clock.Ticker(time.Second)
	poll := c.clock.Ticker(c.cfg.PollInterval)
	defer countdown.Stop()
	defer poll.Stop()

	remaining := int(c.cfg.Window / time.Second)
	results := make(chan domain.StatusObservation, 1)
	pollInFlight := false
	pollingStopped := false

	var verdict verdictKind

loop:
	for {
		select {
		case <-countdown.C:
			if c.Snapshot().IsTerminal() {
				return
			}
			remaining--
			c.notifier.NotifyTick(ctx, c.Snapshot(), remaining)
			if remaining <= 0 {
				// 倒计时是权威终结者：即便还有轮询在途也立即过期
				verdict = verdictDeadline
				break loop
			}

		case <-poll.C:
			if c.Snapshot().IsTerminal() {
				return
			}
			// 单飞：上一次轮询还在途时不发起重叠轮询
			if pollingStopped || pollInFlight {
				continue
			}
			c.mu.Lock()
			if c.session.PollBudgetExhausted() {
				c.mu.Unlock()
				// 第 MaxPolls+1 次调度被抑制；会话继续在倒计时下保持 PENDING
				pollingStopped = true
				poll.Stop()
				span.AddEvent("poll budget exhausted, polling stopped")
				continue
			}
			err := c.session.RecordPollAttempt(c.clock.Now())
			attempt := c.session.PollCount
			maxPolls := c.session.MaxPolls
			c.mu.Unlock()
			if err != nil {
				continue
			}
			pollInFlight = true
			c.notifier.NotifyPollAttempt(ctx, c.Snapshot(), attempt, maxPolls)
			go c.doPoll(ctx, results)

		case obs := <-results:
			pollInFlight = false
			if c.Snapshot().IsTerminal() {
				return
			}
			switch obs.Result {
			case domain.StatusPaid:
				verdict = verdictSettled
				break loop
			case domain.StatusNotFound:
				verdict = verdictInvoiceNotFound
				break loop
			default:
				// PENDING 与 TRANSIENT_ERROR 都不改变会话状态，继续按节奏轮询。
				// 源行为：任何非 PAID 的观察结果都会顺手清掉进行中标记。
				if obs.Result == domain.StatusTransientError {
					c.mu.Lock()
					c.session.RecordTransientError(c.clock.Now())
					c.mu.Unlock()
				}
				c.clearMarker(ctx)
				c.mu.Lock()
				exhausted := c.session.PollBudgetExhausted()
				c.mu.Unlock()
				if exhausted && !pollingStopped {
					pollingStopped = true
					poll.Stop()
					span.AddEvent("poll budget exhausted, polling stopped")
				}
			}

		case <-c.cancelCh:
			verdict = verdictAborted
			break loop
		}
	}

	// 先停掉两个定时器再做终结副作用，保证此后不再有任何回调进入状态机
	countdown.Stop()
	poll.Stop()

	c.finalize(ctx, span, verdict)
}

// doPoll 在独立的 goroutine 中执行一次状态查询，带独立超时，
// 保证上游卡死不会妨碍倒计时准点触发。
func (c *Coordinator) doPoll(ctx context.Context, results chan<- domain.StatusObservation) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusCheckTimeout)
	defer cancel()

	obs, err := c.statusSvc.CheckStatus(pollCtx, c.session.InvoiceID)
	if err != nil {
		// 所有协作方错误在协调器边界被捕获归类，绝不外泄
		logger.Ctx(ctx).Warn().Err(err).
			Str("invoice_id", c.session.InvoiceID).
			Msg("status check failed, treating as transient")
		obs = domain.StatusObservation{Result: domain.StatusTransientError, ObservedAt: c.clock.Now()}
	}

	select {
	case results <- obs:
	case <-c.done:
		// 循环已退出，迟到的结果直接丢弃
	}
}

// finalize 应用终结裁定并执行全部终态副作用：
// 状态迁移、至多一次激活、清标记、归档、终态事件。
func (c *Coordinator) finalize(ctx context.Context, span trace.Span, verdict verdictKind) {
	now := c.clock.Now()

	switch verdict {
	case verdictSettled:
		warn := c.activate(ctx)
		c.mu.Lock()
		if err := c.session.MarkSettled(now); err != nil {
			c.mu.Unlock()
			return
		}
		if warn != "" {
			c.session.SetActivationWarning(warn, now)
		}
		c.mu.Unlock()
		span.AddEvent("session settled")

	case verdictDeadline:
		c.mu.Lock()
		if err := c.session.MarkExpired(domain.ExpireReasonDeadline, now); err != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		span.AddEvent("session expired: deadline reached")

	case verdictInvoiceNotFound:
		c.mu.Lock()
		if err := c.session.MarkExpired(domain.ExpireReasonInvoiceNotFound, now); err != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		span.AddEvent("session expired: invoice not found")

	case verdictAborted:
		c.mu.Lock()
		if err := c.session.Abort(now); err != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		span.AddEvent("session aborted")
	}

	snapshot := c.Snapshot()
	c.clearMarker(ctx)
	c.archive(ctx, snapshot)
	c.notifier.NotifyOutcome(ctx, snapshot)

	logger.Ctx(ctx).Info().
		Str("session_id", snapshot.ID).
		Str("state", string(snapshot.State)).
		Str("expire_reason", string(snapshot.ExpireReason)).
		Int("poll_count", snapshot.PollCount).
		Msg("session reached terminal state")
}

// activate 执行支付确认后的激活侧效应，返回告警文案（空串表示无告警）。
// 激活失败不影响 SETTLED 本身，也绝不自动重试。
func (c *Coordinator) activate(ctx context.Context) string {
	snapshot := c.Snapshot()

	ctx, span := c.tracer.Start(ctx, "coordinator.Activate")
	defer span.End()

	if c.policy != nil {
		allowed, err := c.policy.Allow(ctx, snapshot)
		if err != nil {
			// 策略本身出错按放行处理：支付已经确认，激活是本系统存在的意义
			logger.Ctx(ctx).Warn().Err(err).Msg("activation policy evaluation failed, allowing")
		} else if !allowed {
			span.AddEvent("activation denied by policy")
			return "license activation was skipped by policy; contact support to activate manually"
		}
	}

	actCtx, cancel := context.WithTimeout(ctx, c.cfg.ActivationTimeout)
	defer cancel()

	result, err := c.activationSvc.Activate(actCtx, snapshot.DeviceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation call failed")
		logger.Ctx(ctx).Error().Err(err).
			Str("device_id", snapshot.DeviceID).
			Msg("license activation failed after confirmed payment")
		return "payment confirmed but license activation failed; please retry activation manually"
	}
	if !result.Success {
		span.AddEvent("activation rejected", trace.WithAttributes(attribute.String("reason", result.Reason)))
		return "payment confirmed but license activation was rejected: " + result.Reason
	}
	return ""
}

func (c *Coordinator) clearMarker(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.Clear(ctx, c.session.InvoiceID, c.session.ID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("session_id", c.session.ID).
			Msg("failed to clear in-flight marker")
	}
}

func (c *Coordinator) archive(ctx context.Context, snapshot domain.PaymentSession) {
	if c.repo == nil {
		return
	}
	if err := c.repo.Save(ctx, &snapshot); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("session_id", snapshot.ID).
			Msg("failed to archive terminal session")
	}
}
