package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"vigil/internal/service/reconcile/domain"
	domainport "vigil/internal/service/reconcile/domain/port"
)

const waitTimeout = 2 * time.Second

// scriptedStatus 按调用顺序返回预设的观察结果，超出脚本后重复最后一项。
type scriptedStatus struct {
	mu     sync.Mutex
	script []func() (domain.StatusObservation, error)
	calls  int
}

func (s *scriptedStatus) CheckStatus(ctx context.Context, invoiceID string) (domain.StatusObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	return s.script[idx]()
}

func (s *scriptedStatus) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func observe(result domain.StatusResult) func() (domain.StatusObservation, error) {
	return func() (domain.StatusObservation, error) {
		return domain.StatusObservation{Result: result, ObservedAt: time.Now()}, nil
	}
}

func observeErr(msg string) func() (domain.StatusObservation, error) {
	return func() (domain.StatusObservation, error) {
		return domain.StatusObservation{}, errors.New(msg)
	}
}

type fakeActivation struct {
	mu     sync.Mutex
	calls  int
	result domainport.ActivationResult
	err    error
}

func (f *fakeActivation) Activate(ctx context.Context, deviceID string) (domainport.ActivationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeActivation) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePolicy struct {
	allow bool
	err   error
}

func (f *fakePolicy) Allow(ctx context.Context, session domain.PaymentSession) (bool, error) {
	return f.allow, f.err
}

// fakeStore 记录标记操作，每次 Clear 往 cleared 发一个信号用于同步。
type fakeStore struct {
	mu      sync.Mutex
	puts    int
	clears  int
	cleared chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{cleared: make(chan struct{}, 100)}
}

func (f *fakeStore) Put(ctx context.Context, key string, marker domain.ResumeMarker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	return nil
}

func (f *fakeStore) Clear(ctx context.Context, key, ownerSessionID string) error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	f.cleared <- struct{}{}
	return nil
}

func (f *fakeStore) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.clears
}

type fakeRepo struct {
	mu    sync.Mutex
	saved []domain.PaymentSession
}

func (f *fakeRepo) Save(ctx context.Context, s *domain.PaymentSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *s)
	return nil
}

func (f *fakeRepo) FindByID(ctx context.Context, id string) (*domain.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.saved {
		if f.saved[i].ID == id {
			s := f.saved[i]
			return &s, nil
		}
	}
	return nil, nil
}

// coordinatorFixture 把协调器和它的全部假协作方捆在一起。
type coordinatorFixture struct {
	coord      *Coordinator
	clk        *clock.Mock
	status     *scriptedStatus
	activation *fakeActivation
	store      *fakeStore
	repo       *fakeRepo
	events     chan string
}

func newFixture(t *testing.T, cfg CoordinatorConfig, status *scriptedStatus, activation *fakeActivation, policy *fakePolicy) *coordinatorFixture {
	t.Helper()

	clk := clock.NewMock()
	session, err := domain.NewPaymentSession(
		"sess-1", "inv-1", "dev-1", clk.Now(),
		cfg.Window, cfg.PollInterval, cfg.MaxPolls,
	)
	require.NoError(t, err)

	events := make(chan string, 1000)
	notifier := &CallbackNotifier{
		OnTick: func(s domain.PaymentSession, remaining int) {
			events <- fmt.Sprintf("tick:%d", remaining)
		},
		OnPoll: func(s domain.PaymentSession, attempt, maxPolls int) {
			events <- fmt.Sprintf("poll:%d", attempt)
		},
		OnOutcome: func(s domain.PaymentSession) {
			events <- fmt.Sprintf("outcome:%s", s.State)
		},
	}

	store := newFakeStore()
	repo := &fakeRepo{}

	var pol domainport.ActivationPolicy
	if policy != nil {
		pol = policy
	}

	coord := NewCoordinator(
		session, cfg, clk, noop.NewTracerProvider().Tracer("test"),
		status, activation, pol, store, notifier, repo,
	)
	return &coordinatorFixture{
		coord: coord, clk: clk, status: status,
		activation: activation, store: store, repo: repo, events: events,
	}
}

func (f *coordinatorFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Start(context.Background()))
	// 让事件循环先注册好两个 ticker 再推进时钟
	time.Sleep(50 * time.Millisecond)
}

// step 推进一秒并等待这一秒应当产生的全部事件（顺序不敏感）。
func (f *coordinatorFixture) step(t *testing.T, want ...string) {
	t.Helper()
	f.clk.Add(time.Second)
	got := make([]string, 0, len(want))
	for range want {
		select {
		case e := <-f.events:
			got = append(got, e)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for events %v, got %v so far", want, got)
		}
	}
	sort.Strings(got)
	sorted := append([]string(nil), want...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, got)
}

func (f *coordinatorFixture) waitCleared(t *testing.T) {
	t.Helper()
	select {
	case <-f.store.cleared:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for marker clear")
	}
}

func (f *coordinatorFixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.coord.Done():
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for coordinator to finish")
	}
}

func TestCoordinator_SettlesWhenInvoicePaid(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPending),
		observe(domain.StatusPaid),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: 7 * time.Second, PollInterval: 2 * time.Second, MaxPolls: 30,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:6")
	f.step(t, "tick:5", "poll:1")
	f.waitCleared(t) // PENDING 观察清掉进行中标记
	f.step(t, "tick:4")

	f.clk.Add(time.Second) // 第二次轮询返回 PAID
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:SETTLED", outcome)
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateSettled, snap.State)
	assert.Empty(t, snap.ActivationWarn)
	assert.Equal(t, 1, activation.callCount())
	assert.Equal(t, 2, status.callCount())

	puts, clears := f.store.counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 2, clears) // 一次 PENDING 观察 + 一次终结清理

	require.Len(t, f.repo.saved, 1)
	assert.Equal(t, domain.StateSettled, f.repo.saved[0].State)
}

func (f *coordinatorFixture) waitOutcomeEvent(t *testing.T) string {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-f.events:
			if len(e) > 8 && e[:8] == "outcome:" {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for outcome event")
			return ""
		}
	}
}

func TestCoordinator_ExpiresAtDeadline(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPending),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: 5 * time.Second, PollInterval: 2 * time.Second, MaxPolls: 30,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:4")
	f.step(t, "tick:3", "poll:1")
	f.waitCleared(t)
	f.step(t, "tick:2")
	f.step(t, "tick:1", "poll:2")
	f.waitCleared(t)

	// 倒计时归零是权威终结者
	f.clk.Add(time.Second)
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:EXPIRED", outcome)
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateExpired, snap.State)
	assert.Equal(t, domain.ExpireReasonDeadline, snap.ExpireReason)
	assert.Equal(t, 0, activation.callCount(), "expiry must never trigger activation")
}

func TestCoordinator_ExpiresWhenInvoiceNotFound(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusNotFound),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: time.Minute, PollInterval: 2 * time.Second, MaxPolls: 30,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:59")

	f.clk.Add(time.Second) // 第一次轮询即发现发票不存在
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:EXPIRED", outcome)
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateExpired, snap.State)
	assert.Equal(t, domain.ExpireReasonInvoiceNotFound, snap.ExpireReason)
	assert.Equal(t, 0, activation.callCount())
}

func TestCoordinator_PollBudgetExhaustionKeepsCountdownRunning(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPending),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: 9 * time.Second, PollInterval: 2 * time.Second, MaxPolls: 2,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:8")
	f.step(t, "tick:7", "poll:1")
	f.waitCleared(t)
	f.step(t, "tick:6")
	f.step(t, "tick:5", "poll:2")
	f.waitCleared(t)

	// 预算耗尽：不再有轮询事件，但倒计时继续走
	f.step(t, "tick:4")
	f.step(t, "tick:3")
	f.step(t, "tick:2")
	f.step(t, "tick:1")

	f.clk.Add(time.Second)
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:EXPIRED", outcome)
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateExpired, snap.State)
	assert.Equal(t, domain.ExpireReasonDeadline, snap.ExpireReason)
	assert.Equal(t, 2, snap.PollCount)
	assert.Equal(t, 2, status.callCount())
}

func TestCoordinator_TransientErrorsDoNotTerminateSession(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observeErr("gateway unreachable"),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: 5 * time.Second, PollInterval: 2 * time.Second, MaxPolls: 30,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:4")
	f.step(t, "tick:3", "poll:1")
	f.waitCleared(t)
	f.step(t, "tick:2")
	f.step(t, "tick:1", "poll:2")
	f.waitCleared(t)

	f.clk.Add(time.Second)
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:EXPIRED", outcome)
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, 2, snap.TransientErrs)
	assert.Contains(t, snap.OutcomeMessage(), "could not be reached")
}

func TestCoordinator_CancelStopsSynchronously(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPending),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: 5 * time.Minute, PollInterval: 10 * time.Second, MaxPolls: 30,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:299")

	require.NoError(t, f.coord.Cancel(context.Background()))
	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateAborted, snap.State)
	assert.Equal(t, 0, activation.callCount())

	// 终态事件在 Cancel 返回前已经发出
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:ABORTED", outcome)

	// Cancel 返回后不再有任何回调
	f.clk.Add(30 * time.Second)
	select {
	case e := <-f.events:
		t.Fatalf("unexpected event after cancel: %s", e)
	case <-time.After(100 * time.Millisecond):
	}

	// 重复取消与对终态会话的取消都是 no-op
	assert.NoError(t, f.coord.Cancel(context.Background()))
}

func TestCoordinator_CancelBeforeStart(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPending),
	}}
	f := newFixture(t, CoordinatorConfig{}, status, &fakeActivation{}, nil)
	assert.ErrorIs(t, f.coord.Cancel(context.Background()), ErrNotStarted)
}

func TestCoordinator_StartTwice(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPending),
	}}
	f := newFixture(t, CoordinatorConfig{
		Window: time.Minute, PollInterval: 10 * time.Second, MaxPolls: 30,
	}, status, &fakeActivation{result: domainport.ActivationResult{Success: true}}, nil)

	f.start(t)
	assert.ErrorIs(t, f.coord.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, f.coord.Cancel(context.Background()))
}

func TestCoordinator_ActivationFailureStillSettles(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPaid),
	}}
	activation := &fakeActivation{err: errors.New("license server down")}
	f := newFixture(t, CoordinatorConfig{
		Window: time.Minute, PollInterval: 2 * time.Second, MaxPolls: 30,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:59")

	f.clk.Add(time.Second)
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:SETTLED", outcome)
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateSettled, snap.State, "activation failure must not undo settlement")
	assert.Contains(t, snap.ActivationWarn, "activation failed")
	assert.Equal(t, 1, activation.callCount(), "activation is never auto-retried")
}

func TestCoordinator_PolicyDenySkipsActivation(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPaid),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: time.Minute, PollInterval: 2 * time.Second, MaxPolls: 30,
	}, status, activation, &fakePolicy{allow: false})

	f.start(t)
	f.step(t, "tick:59")

	f.clk.Add(time.Second)
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:SETTLED", outcome)
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateSettled, snap.State)
	assert.Contains(t, snap.ActivationWarn, "policy")
	assert.Equal(t, 0, activation.callCount())
}

func TestCoordinator_PolicyErrorFailsOpen(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPaid),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: time.Minute, PollInterval: 2 * time.Second, MaxPolls: 30,
	}, status, activation, &fakePolicy{err: errors.New("policy engine down")})

	f.start(t)
	f.step(t, "tick:59")

	f.clk.Add(time.Second)
	outcome := f.waitOutcomeEvent(t)
	assert.Equal(t, "outcome:SETTLED", outcome)
	f.waitDone(t)

	assert.Equal(t, 1, activation.callCount())
	assert.Empty(t, f.coord.Snapshot().ActivationWarn)
}

// observeGated 阻塞到 release 关闭后才返回 PAID，模拟一次在途的慢查询。
func observeGated(release <-chan struct{}) func() (domain.StatusObservation, error) {
	return func() (domain.StatusObservation, error) {
		<-release
		return domain.StatusObservation{Result: domain.StatusPaid, ObservedAt: time.Now()}, nil
	}
}

func TestCoordinator_OutlivesCallerContext(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPending),
		observe(domain.StatusPaid),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: 7 * time.Second, PollInterval: 2 * time.Second, MaxPolls: 30,
	}, status, activation, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.coord.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	// 发起方的 ctx 随请求结束被取消，会话照常走完整个窗口
	cancel()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatePending, f.coord.Snapshot().State)

	f.step(t, "tick:6")
	f.step(t, "tick:5", "poll:1")
	f.waitCleared(t)
	f.step(t, "tick:4")

	f.clk.Add(time.Second)
	assert.Equal(t, "outcome:SETTLED", f.waitOutcomeEvent(t))
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateSettled, snap.State)
	assert.Equal(t, 1, activation.callCount())
}

func TestCoordinator_DeadlineWinsOverInFlightPoll(t *testing.T) {
	release := make(chan struct{})
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observeGated(release),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: 3 * time.Second, PollInterval: 2 * time.Second,
		MaxPolls: 30, StatusCheckTimeout: time.Minute,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:2")
	f.step(t, "tick:1", "poll:1") // 查询卡在途中

	// 倒计时归零时轮询仍未返回，会话照样过期
	f.clk.Add(time.Second)
	assert.Equal(t, "outcome:EXPIRED", f.waitOutcomeEvent(t))
	f.waitDone(t)

	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateExpired, snap.State)
	assert.Equal(t, domain.ExpireReasonDeadline, snap.ExpireReason)
	assert.Equal(t, 1, snap.PollCount)
	assert.Equal(t, 0, activation.callCount(), "expiry must never trigger activation")

	// 迟到的 PAID 对已终结的会话没有任何效果
	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StateExpired, f.coord.Snapshot().State)
	assert.Equal(t, 0, activation.callCount())
}

func TestCoordinator_SettlesInFinalSecond(t *testing.T) {
	status := &scriptedStatus{script: []func() (domain.StatusObservation, error){
		observe(domain.StatusPaid),
	}}
	activation := &fakeActivation{result: domainport.ActivationResult{Success: true}}
	f := newFixture(t, CoordinatorConfig{
		Window: 5 * time.Second, PollInterval: 4 * time.Second, MaxPolls: 30,
	}, status, activation, nil)

	f.start(t)
	f.step(t, "tick:4")
	f.step(t, "tick:3")
	f.step(t, "tick:2")

	// 还剩 1 秒时 PAID 到达：结清胜出，过期永远追不上
	f.clk.Add(time.Second)
	assert.Equal(t, "outcome:SETTLED", f.waitOutcomeEvent(t))
	f.waitDone(t)

	f.clk.Add(5 * time.Second)
	snap := f.coord.Snapshot()
	assert.Equal(t, domain.StateSettled, snap.State)
	assert.Empty(t, snap.ExpireReason)
	assert.Equal(t, 1, activation.callCount())

	select {
	case e := <-f.events:
		t.Fatalf("unexpected event after terminal state: %s", e)
	default:
	}
}
