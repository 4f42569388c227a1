package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"Auth", `{"type":"auth","accountNumber":"1001","apiKey":"k"}`, false},
		{"Heartbeat", `{"type":"heartbeat","accountNumber":"1001","latency":3.5}`, false},
		{"Open", `{"type":"trade_opened","trade":{"platformTradeId":"1","symbol":"EURUSD","tradeType":"sell","lotSize":0.1,"openTime":"2024.03.01 10:00:00"}}`, false},
		{"Close", `{"type":"trade_closed","trade":{"platformTradeId":"1","symbol":"EURUSD","tradeType":"sell","lotSize":0.1,"closePrice":1.2}}`, false},
		{"Modify", `{"type":"trade_modified","trade":{"platformTradeId":"1","symbol":"EURUSD","tradeType":"buy","lotSize":0.1,"stopLoss":1.0}}`, false},
		{"Garbage", `<xml/>`, true},
		{"No type", `{}`, true},
		{"Unknown type", `{"type":"ping"}`, true},
		{"Auth missing account", `{"type":"auth","apiKey":"k"}`, true},
		{"Zero lot", `{"type":"trade_opened","trade":{"platformTradeId":"1","symbol":"EURUSD","tradeType":"buy","lotSize":0}}`, true},
		{"Blank symbol", `{"type":"trade_opened","trade":{"platformTradeId":"1","symbol":" ","tradeType":"buy","lotSize":1}}`, true},
		{"Ack", `{"type":"copy_ack","ack":{"instructionId":"i1","success":true,"platformTradeId":"9001","price":1.1}}`, false},
		{"Ack without payload", `{"type":"copy_ack"}`, true},
		{"Ack without instruction", `{"type":"copy_ack","ack":{"success":true}}`, true},
		{"Bad open time", `{"type":"trade_opened","trade":{"platformTradeId":"1","symbol":"EURUSD","tradeType":"buy","lotSize":1,"openTime":"yesterday"}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseInbound([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrInvalidFormat, CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, msg.Type)
		})
	}
}

func TestToMasterTrade(t *testing.T) {
	p := &TradePayload{
		PlatformTradeID: "55",
		Symbol:          " xauusd ",
		TradeType:       TradeBuy,
		LotSize:         0.3,
		OpenPrice:       2010.5,
		OpenTime:        "2024.03.01 10:00:00",
		CloseTime:       "2024-03-01T12:30:00Z",
	}

	open := p.ToMasterTrade("acc", MsgTradeOpened)
	assert.Equal(t, "XAUUSD", open.Symbol)
	assert.Equal(t, TradeOpen, open.Status)
	assert.Nil(t, open.ClosedAt)
	assert.True(t, open.OpenedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	closed := p.ToMasterTrade("acc", MsgTradeClosed)
	assert.Equal(t, TradeClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, closed.ClosedAt.Equal(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)))
}

func TestOutboundWireFormat(t *testing.T) {
	in := &CopyInstruction{
		ID: "i1", MasterTradeID: "t1", Action: ActionClose, Symbol: "EURUSD", TradeType: TradeSell,
		ScaledLotSize: 0.25, TargetTradeID: "S-9", Status: StatusCompleted,
	}
	raw, err := json.Marshal(CopyResultMessage(in))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "copy_result", got["type"])
	assert.Equal(t, "t1", got["tradeId"])
	instruction := got["instruction"].(map[string]any)
	assert.Equal(t, "S-9", instruction["targetTradeId"])
	assert.Equal(t, 0.25, instruction["lotSize"])
	assert.Equal(t, "completed", instruction["status"])

	errMsg := ErrorMessage(errors.New("boom"))
	assert.Equal(t, ErrUnknown, errMsg.Code)
	assert.NotZero(t, errMsg.Timestamp)
}

func TestCopyAckResult(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"copy_ack","ack":{"instructionId":"i1","success":true,"platformTradeId":"9001","price":1.1,"slippage":0.4}}`))
	require.NoError(t, err)
	res := msg.Ack.Result()
	assert.True(t, res.Success)
	assert.Equal(t, "9001", res.PlatformTradeID)
	assert.InDelta(t, 1.1, res.ActualPrice, 1e-9)
	assert.InDelta(t, 0.4, res.SlippagePoints, 1e-9)

	rejected := (&CopyAck{InstructionID: "i2"}).Result()
	assert.False(t, rejected.Success)
	assert.Equal(t, "rejected by slave terminal", rejected.ErrorMessage)

	raw, err := json.Marshal(AckReceivedMessage("i1", true))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "ack_received", got["type"])
	assert.Equal(t, "i1", got["instructionId"])
	assert.NotContains(t, got, "message")
}
