package application

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"vigil/internal/pkg/logger"
	"vigil/internal/service/reconcile/domain"
	domainport "vigil/internal/service/reconcile/domain/port"
	"vigil/internal/service/reconcile/port"
)

// ReconcileApplicationService 管理所有活跃会话的生命周期：同一张发票
// 同时只允许一个协调器在跑，跨进程的互斥交给 StartGuard(若配置)。
type ReconcileApplicationService struct {
	cfg    CoordinatorConfig
	clock  clock.Clock
	tracer trace.Tracer

	statusSvc     domainport.PaymentStatusService
	activationSvc domainport.ActivationService
	policy        domainport.ActivationPolicy
	store         port.SessionStateStore
	notifier      port.ProgressNotifier
	repo          domain.SessionRepository
	guard         port.StartGuard // 可为 nil：仅进程内互斥

	mu        sync.Mutex
	byInvoice map[string]*Coordinator
	bySession map[string]*Coordinator
}

type ServiceOption func(*ReconcileApplicationService)

func WithClock(clk clock.Clock) ServiceOption {
	return func(s *ReconcileApplicationService) { s.clock = clk }
}

func WithActivationPolicy(p domainport.ActivationPolicy) ServiceOption {
	return func(s *ReconcileApplicationService) { s.policy = p }
}

func WithStateStore(store port.SessionStateStore) ServiceOption {
	return func(s *ReconcileApplicationService) { s.store = store }
}

func WithNotifier(n port.ProgressNotifier) ServiceOption {
	return func(s *ReconcileApplicationService) { s.notifier = n }
}

func WithRepository(repo domain.SessionRepository) ServiceOption {
	return func(s *ReconcileApplicationService) { s.repo = repo }
}

func WithStartGuard(g port.StartGuard) ServiceOption {
	return func(s *ReconcileApplicationService) { s.guard = g }
}

func NewReconcileApplicationService(
	cfg CoordinatorConfig,
	tracer trace.Tracer,
	statusSvc domainport.PaymentStatusService,
	activationSvc domainport.ActivationService,
	opts ...ServiceOption,
) *ReconcileApplicationService {
	s := &ReconcileApplicationService{
		cfg:           cfg.withDefaults(),
		clock:         clock.New(),
		tracer:        tracer,
		statusSvc:     statusSvc,
		activationSvc: activationSvc,
		byInvoice:     make(map[string]*Coordinator),
		bySession:     make(map[string]*Coordinator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession 为一张发票启动对账。同一发票已有活跃会话时返回
// ErrSessionActive；跨进程锁被别的实例持有时同样如此。
func (s *ReconcileApplicationService) StartSession(ctx context.Context, cmd StartSessionCommand) (SessionView, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.StartSession")
	defer span.End()

	s.mu.Lock()
	if existing, ok := s.byInvoice[cmd.InvoiceID]; ok && !existing.Snapshot().IsTerminal() {
		s.mu.Unlock()
		return SessionView{}, ErrSessionActive
	}
	s.mu.Unlock()

	var release func()
	if s.guard != nil {
		var err error
		release, err = s.guard.Acquire(cmd.InvoiceID)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("invoice_id", cmd.InvoiceID).
				Msg("start guard rejected session")
			return SessionView{}, ErrSessionActive
		}
	}

	now := s.clock.Now()
	session, err := domain.NewPaymentSession(
		uuid.NewString(),
		cmd.InvoiceID,
		cmd.DeviceID,
		now,
		s.cfg.Window,
		s.cfg.PollInterval,
		s.cfg.MaxPolls,
	)
	if err != nil {
		if release != nil {
			release()
		}
		return SessionView{}, err
	}

	coord := NewCoordinator(
		session, s.cfg, s.clock, s.tracer,
		s.statusSvc, s.activationSvc, s.policy,
		s.store, s.notifier, s.repo,
	)

	s.mu.Lock()
	// 并发 Start 的复查：拿锁期间别人可能已经抢先注册
	if existing, ok := s.byInvoice[cmd.InvoiceID]; ok && !existing.Snapshot().IsTerminal() {
		s.mu.Unlock()
		if release != nil {
			release()
		}
		return SessionView{}, ErrSessionActive
	}
	s.byInvoice[cmd.InvoiceID] = coord
	s.bySession[session.ID] = coord
	s.mu.Unlock()

	if err := coord.Start(ctx); err != nil {
		s.evict(cmd.InvoiceID, session.ID)
		if release != nil {
			release()
		}
		return SessionView{}, err
	}

	// 会话终结后释放注册表与跨进程锁
	go func() {
		<-coord.Done()
		s.evict(cmd.InvoiceID, session.ID)
		if release != nil {
			release()
		}
	}()

	logger.Ctx(ctx).Info().
		Str("session_id", session.ID).
		Str("invoice_id", cmd.InvoiceID).
		Str("device_id", cmd.DeviceID).
		Msg("reconcile session started")

	return newSessionView(coord.Snapshot(), now), nil
}

// CancelSession 同步取消一张发票的活跃会话。
func (s *ReconcileApplicationService) CancelSession(ctx context.Context, cmd CancelSessionCommand) (SessionView, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.CancelSession")
	defer span.End()

	s.mu.Lock()
	coord, ok := s.byInvoice[cmd.InvoiceID]
	s.mu.Unlock()
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}

	if err := coord.Cancel(ctx); err != nil {
		return SessionView{}, err
	}
	return newSessionView(coord.Snapshot(), s.clock.Now()), nil
}

// GetSession 先查活跃会话，查不到再回落到归档仓储。
func (s *ReconcileApplicationService) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	s.mu.Lock()
	coord, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if ok {
		return newSessionView(coord.Snapshot(), s.clock.Now()), nil
	}

	if s.repo == nil {
		return SessionView{}, ErrSessionNotFound
	}
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if session == nil {
		return SessionView{}, ErrSessionNotFound
	}
	return newSessionView(*session, s.clock.Now()), nil
}

// Shutdown 取消所有仍在进行中的会话，等待它们全部终结。
func (s *ReconcileApplicationService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	coords := make([]*Coordinator, 0, len(s.bySession))
	for _, c := range s.bySession {
		coords = append(coords, c)
	}
	s.mu.Unlock()

	for _, c := range coords {
		_ = c.Cancel(ctx)
	}
}

func (s *ReconcileApplicationService) evict(invoiceID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byInvoice[invoiceID]; ok && c == s.bySession[sessionID] {
		delete(s.byInvoice, invoiceID)
	}
	delete(s.bySession, sessionID)
}
