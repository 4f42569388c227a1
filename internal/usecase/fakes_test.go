package usecase_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vitos/trade_copy_bridge/internal/domain"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/execution"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/storage"
	"github.com/vitos/trade_copy_bridge/internal/usecase"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []*domain.OutboundMessage
	closed bool
}

func (t *fakeTransport) Send(msg *domain.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return "127.0.0.1:0" }

func (t *fakeTransport) Messages() []*domain.OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*domain.OutboundMessage(nil), t.sent...)
}

func (t *fakeTransport) OfType(mt domain.MessageType) []*domain.OutboundMessage {
	var out []*domain.OutboundMessage
	for _, m := range t.Messages() {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// keyVerifier accepts "key-<accountNumber>".
type keyVerifier struct{}

func (keyVerifier) Verify(ctx context.Context, account *domain.Account, apiKey string) error {
	if apiKey != "key-"+account.AccountNumber {
		return domain.ErrBadCredentials
	}
	return nil
}

// scriptedAdapter plays back one step per call; the last step repeats.
type scriptedAdapter struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (*domain.ExecutionResult, error)
	calls int
}

func (a *scriptedAdapter) Platform() string { return "paper" }

func (a *scriptedAdapter) Execute(ctx context.Context, in *domain.CopyInstruction) (*domain.ExecutionResult, error) {
	a.mu.Lock()
	idx := a.calls
	if idx >= len(a.steps) {
		idx = len(a.steps) - 1
	}
	a.calls++
	step := a.steps[idx]
	a.mu.Unlock()
	return step(ctx)
}

func (a *scriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func succeed(ticket string) func(context.Context) (*domain.ExecutionResult, error) {
	return func(context.Context) (*domain.ExecutionResult, error) {
		return &domain.ExecutionResult{Success: true, PlatformTradeID: ticket, ActualPrice: 1.1}, nil
	}
}

func reject(msg string) func(context.Context) (*domain.ExecutionResult, error) {
	return func(context.Context) (*domain.ExecutionResult, error) {
		return &domain.ExecutionResult{Success: false, ErrorMessage: msg}, nil
	}
}

func hang() func(context.Context) (*domain.ExecutionResult, error) {
	return func(ctx context.Context) (*domain.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func noSession() func(context.Context) (*domain.ExecutionResult, error) {
	return func(context.Context) (*domain.ExecutionResult, error) {
		return nil, domain.ErrNoSession
	}
}

type staticResolver map[string]domain.ExecutionAdapter

func (r staticResolver) Resolve(code string) (domain.ExecutionAdapter, error) {
	if a, ok := r[code]; ok {
		return a, nil
	}
	return nil, domain.ErrPlatformNotHandled
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []domain.CopyInstruction
}

func (r *recordingReporter) Report(ctx context.Context, in *domain.CopyInstruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, *in)
	return nil
}

func (r *recordingReporter) Close() error { return nil }

func (r *recordingReporter) Reports() []domain.CopyInstruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CopyInstruction(nil), r.reports...)
}

// fixture wires the bridge on a temp-file ledger with one master, one slave
// on the "paper" platform and no mappings.
type fixture struct {
	store        *storage.SQLiteStore
	registry     *usecase.ConnectionRegistry
	queue        *usecase.ExecutionQueue
	orchestrator *usecase.CopyOrchestrator
	signals      *usecase.SignalHandler
	acks         *execution.AckTracker
	adapter      *scriptedAdapter
	reporter     *recordingReporter
	master       *domain.Account
	slave        *domain.Account
}

func newFixture(t *testing.T, opts usecase.QueueOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	master := &domain.Account{UserID: "u1", AccountNumber: "1001", PlatformCode: "mt5", Type: domain.AccountTypeMaster}
	slave := &domain.Account{UserID: "u1", AccountNumber: "2001", PlatformCode: "paper", Type: domain.AccountTypeSlave}
	require.NoError(t, store.SaveAccount(ctx, master))
	require.NoError(t, store.SaveAccount(ctx, slave))

	log := zap.NewNop()
	adapter := &scriptedAdapter{steps: []func(context.Context) (*domain.ExecutionResult, error){succeed("S-1")}}
	reporter := &recordingReporter{}

	registry := usecase.NewConnectionRegistry(store, store, keyVerifier{}, log)
	queue := usecase.NewExecutionQueue(store, store, staticResolver{"paper": adapter}, reporter, opts, log)
	orchestrator := usecase.NewCopyOrchestrator(usecase.OrchestratorDeps{
		Trades:   store,
		Mappings: store,
		Copies:   store,
		Queue:    queue,
		Sessions: registry,
		Gate:     usecase.NewProtectionGate(store, log),
	}, true, log)
	queue.SetNotifier(orchestrator)
	acks := execution.NewAckTracker(time.Minute)
	signals := usecase.NewSignalHandler(registry, orchestrator, queue, acks, log)

	t.Cleanup(registry.WaitPending)

	return &fixture{
		store:        store,
		registry:     registry,
		queue:        queue,
		orchestrator: orchestrator,
		signals:      signals,
		acks:         acks,
		adapter:      adapter,
		reporter:     reporter,
		master:       master,
		slave:        slave,
	}
}

func (f *fixture) addMapping(t *testing.T, m *domain.CopyMapping) *domain.CopyMapping {
	t.Helper()
	m.UserID = "u1"
	m.MasterAccountID = f.master.ID
	m.SlaveAccountID = f.slave.ID
	m.IsActive = true
	require.NoError(t, f.store.SaveMapping(context.Background(), m))
	return m
}

func (f *fixture) masterContext() *domain.AccountContext {
	return &domain.AccountContext{
		AccountID:     f.master.ID,
		UserID:        f.master.UserID,
		AccountNumber: f.master.AccountNumber,
		PlatformCode:  f.master.PlatformCode,
		Role:          domain.RoleMaster,
	}
}

// connect registers and authenticates a session for account.
func (f *fixture) connect(t *testing.T, account *domain.Account) (string, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	id := f.registry.Register(tr)
	_, err := f.registry.Authenticate(context.Background(), id, account.AccountNumber, "key-"+account.AccountNumber)
	require.NoError(t, err)
	return id, tr
}

func openTrade(accountID, platformID, symbol string, lot float64) *domain.MasterTrade {
	return &domain.MasterTrade{
		AccountID:       accountID,
		PlatformTradeID: platformID,
		Symbol:          symbol,
		TradeType:       domain.TradeBuy,
		LotSize:         lot,
		OpenPrice:       1.1,
		Status:          domain.TradeOpen,
	}
}

func fptr(f float64) *float64 { return &f }
