package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []*domain.OutboundMessage
	err  error
}

func (t *recordingTransport) Send(msg *domain.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *recordingTransport) Close() error       { return nil }
func (t *recordingTransport) RemoteAddr() string { return "test" }

type staticLookup map[string]*domain.Connection

func (l staticLookup) FindByAccountID(accountID string) *domain.Connection {
	return l[accountID]
}

func openInstruction() *domain.CopyInstruction {
	return &domain.CopyInstruction{
		ID:              "ins-1",
		MappingID:       "map-1",
		MasterTradeID:   "mt-1",
		TargetAccountID: "slave-1",
		Action:          domain.ActionOpen,
		Symbol:          "EURUSD",
		TradeType:       domain.TradeBuy,
		ScaledLotSize:   0.5,
		Priority:        domain.PriorityOpen,
	}
}

func TestFactory_Resolve(t *testing.T) {
	f := NewFactory(map[string]Settings{
		"Paper":  {Kind: KindSimulated},
		"broker": {Kind: KindREST, Endpoint: "http://localhost:1"},
		"broken": {Kind: KindREST},
	}, staticLookup{}, zap.NewNop())

	tests := []struct {
		code     string
		platform string
		wantErr  error
	}{
		{code: "paper", platform: "paper"},
		{code: "BROKER", platform: "broker"},
		{code: "mt5", platform: "mt5"},
		{code: "MT4", platform: "mt4"},
		{code: "simulated", platform: "simulated"},
		{code: "unknown", wantErr: domain.ErrPlatformNotHandled},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			a, err := f.Resolve(tt.code)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.platform, a.Platform())
		})
	}

	_, err := f.Resolve("broken")
	assert.Error(t, err)

	a1, _ := f.Resolve("mt5")
	a2, _ := f.Resolve("mt5")
	assert.Same(t, a1, a2)
}

func TestSimulatedAdapter(t *testing.T) {
	ok := NewSimulatedAdapter("paper", Settings{SlippagePoints: 0.5})
	res, err := ok.Execute(context.Background(), openInstruction())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.PlatformTradeID)
	assert.Equal(t, 0.5, res.SlippagePoints)

	closeIns := openInstruction()
	closeIns.Action = domain.ActionClose
	closeIns.TargetTradeID = "SIM-1"
	res, err = ok.Execute(context.Background(), closeIns)
	require.NoError(t, err)
	assert.Equal(t, "SIM-1", res.PlatformTradeID)

	failing := NewSimulatedAdapter("paper", Settings{FailureRate: 1})
	res, err = failing.Execute(context.Background(), openInstruction())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestSimulatedAdapter_RespectsContext(t *testing.T) {
	slow := NewSimulatedAdapter("paper", Settings{LatencyMs: 60_000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := slow.Execute(ctx, openInstruction())
	assert.ErrorIs(t, err, context.Canceled)
}

// ackingTransport answers each copy_instruction through acks the way a slave
// EA does.
type ackingTransport struct {
	recordingTransport
	acks    *AckTracker
	account string
	reply   func(env *domain.InstructionEnvelope) *domain.CopyAck
}

func (t *ackingTransport) Send(msg *domain.OutboundMessage) error {
	if err := t.recordingTransport.Send(msg); err != nil {
		return err
	}
	if msg.Type == domain.MsgCopyInstruction && t.reply != nil {
		t.acks.Resolve(t.account, t.reply(msg.Instruction))
	}
	return nil
}

func TestSessionAdapter_CompletesOnAck(t *testing.T) {
	acks := NewAckTracker(time.Minute)
	transport := &ackingTransport{acks: acks, account: "slave-1", reply: func(env *domain.InstructionEnvelope) *domain.CopyAck {
		return &domain.CopyAck{InstructionID: env.ID, Success: true, PlatformTradeID: "9001", Price: 1.1, Slippage: 0.3}
	}}
	lookup := staticLookup{"slave-1": {ID: "c1", Role: domain.RoleSlave, AccountID: "slave-1", Transport: transport}}
	a := NewSessionAdapter("mt5", lookup, acks, zap.NewNop())

	res, err := a.Execute(context.Background(), openInstruction())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "9001", res.PlatformTradeID)
	assert.Equal(t, 1.1, res.ActualPrice)
	assert.Equal(t, 0.3, res.SlippagePoints)
	require.Len(t, transport.sent, 1)
	assert.Equal(t, domain.MsgCopyInstruction, transport.sent[0].Type)
	assert.Zero(t, acks.Pending())

	// A modify acked without a ticket keeps the slave ticket it targeted.
	transport.reply = func(env *domain.InstructionEnvelope) *domain.CopyAck {
		return &domain.CopyAck{InstructionID: env.ID, Success: true}
	}
	modify := openInstruction()
	modify.ID = "ins-2"
	modify.Action = domain.ActionModify
	modify.TargetTradeID = "9001"
	res, err = a.Execute(context.Background(), modify)
	require.NoError(t, err)
	assert.Equal(t, "9001", res.PlatformTradeID)

	transport.reply = func(env *domain.InstructionEnvelope) *domain.CopyAck {
		return &domain.CopyAck{InstructionID: env.ID, Error: "not enough money"}
	}
	rejected := openInstruction()
	rejected.ID = "ins-3"
	res, err = a.Execute(context.Background(), rejected)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "not enough money", res.ErrorMessage)
}

func TestSessionAdapter_UnacknowledgedFrameIsNotSuccess(t *testing.T) {
	acks := NewAckTracker(time.Minute)
	// The frame is accepted into the write buffer and never answered.
	transport := &recordingTransport{}
	lookup := staticLookup{"slave-1": {ID: "c1", Role: domain.RoleSlave, AccountID: "slave-1", Transport: transport}}
	a := NewSessionAdapter("mt5", lookup, acks, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := a.Execute(ctx, openInstruction())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, domain.ErrExecutionFailure, domain.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, transport.sent, 1)
	assert.Zero(t, acks.Pending(), "the waiter is released on timeout")

	// An ack from another account does not complete the delivery.
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	forged := make(chan bool, 1)
	go func() {
		for acks.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		forged <- acks.Resolve("slave-9", &domain.CopyAck{InstructionID: "ins-1", Success: true, PlatformTradeID: "forged"})
	}()
	_, err = a.Execute(ctx, openInstruction())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, <-forged)
}

func TestSessionAdapter_EarlyAckIsHeld(t *testing.T) {
	acks := NewAckTracker(time.Minute)
	transport := &recordingTransport{}
	lookup := staticLookup{"slave-1": {ID: "c1", Role: domain.RoleSlave, AccountID: "slave-1", Transport: transport}}
	a := NewSessionAdapter("mt5", lookup, acks, zap.NewNop())

	// The EA executed a direct push and acked before the queue delivered.
	assert.False(t, acks.Resolve("slave-1", &domain.CopyAck{InstructionID: "ins-1", Success: true, PlatformTradeID: "7007"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := a.Execute(ctx, openInstruction())
	require.NoError(t, err)
	assert.Equal(t, "7007", res.PlatformTradeID)
}

func TestAckTracker_HeldAcksExpire(t *testing.T) {
	acks := NewAckTracker(time.Minute)
	now := time.Now()
	acks.now = func() time.Time { return now }

	acks.Resolve("slave-1", &domain.CopyAck{InstructionID: "ins-1", Success: true})
	now = now.Add(2 * time.Minute)

	ch, cancel := acks.Expect("slave-1", "ins-1")
	defer cancel()
	select {
	case <-ch:
		t.Fatal("expired ack was delivered")
	default:
	}
	assert.Equal(t, 1, acks.Pending())

	assert.True(t, acks.Resolve("slave-1", &domain.CopyAck{InstructionID: "ins-1", Success: true, PlatformTradeID: "late"}))
	assert.Equal(t, "late", (<-ch).PlatformTradeID)
}

func TestSessionAdapter_NoSession(t *testing.T) {
	transport := &recordingTransport{}
	lookup := staticLookup{
		"slave-1":  {ID: "c1", Role: domain.RoleSlave, AccountID: "slave-1", Transport: transport},
		"master-1": {ID: "c2", Role: domain.RoleMaster, AccountID: "master-1", Transport: transport},
	}
	a := NewSessionAdapter("mt5", lookup, NewAckTracker(time.Minute), zap.NewNop())

	offline := openInstruction()
	offline.TargetAccountID = "slave-2"
	_, err := a.Execute(context.Background(), offline)
	assert.ErrorIs(t, err, domain.ErrNoSession)

	wrongRole := openInstruction()
	wrongRole.TargetAccountID = "master-1"
	_, err = a.Execute(context.Background(), wrongRole)
	assert.ErrorIs(t, err, domain.ErrNoSession)

	transport.err = errors.New("broken pipe")
	_, err = a.Execute(context.Background(), openInstruction())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNoSession)
}

func TestRESTAdapter_SignsAndParses(t *testing.T) {
	var gotPath, gotKey, gotSign string
	var gotBody orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-BRIDGE-API-KEY")
		gotSign = r.Header.Get("X-BRIDGE-SIGN")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"B-77","avgPrice":1.1012,"slippage":1.2}}`))
	}))
	defer srv.Close()

	a := NewRESTAdapter("broker", Settings{Endpoint: srv.URL, APIKey: "key", APISecret: "secret", RatePerSecond: 100, Burst: 5})
	res, err := a.Execute(context.Background(), openInstruction())
	require.NoError(t, err)

	assert.Equal(t, "/v1/copy/open", gotPath)
	assert.Equal(t, "key", gotKey)
	assert.Len(t, gotSign, 64)
	assert.Equal(t, "0.50", gotBody.Qty)
	assert.Equal(t, "ins-1", gotBody.InstructionID)
	assert.True(t, res.Success)
	assert.Equal(t, "B-77", res.PlatformTradeID)
	assert.Equal(t, 1.1012, res.ActualPrice)
	assert.Equal(t, 1.2, res.SlippagePoints)
}

func TestRESTAdapter_Rejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/copy/close" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
			return
		}
		_, _ = w.Write([]byte(`{"retCode":10001,"retMsg":"insufficient margin"}`))
	}))
	defer srv.Close()

	a := NewRESTAdapter("broker", Settings{Endpoint: srv.URL})
	res, err := a.Execute(context.Background(), openInstruction())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "insufficient margin")

	closeIns := openInstruction()
	closeIns.Action = domain.ActionClose
	_, err = a.Execute(context.Background(), closeIns)
	assert.Error(t, err)
}
