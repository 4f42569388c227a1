package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type MessageType string

// Inbound message types.
const (
	MsgAuth          MessageType = "auth"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgTradeOpened   MessageType = "trade_opened"
	MsgTradeClosed   MessageType = "trade_closed"
	MsgTradeModified MessageType = "trade_modified"
	MsgCopyAck       MessageType = "copy_ack"
)

// Outbound message types.
const (
	MsgWelcome         MessageType = "welcome"
	MsgAuthSuccess     MessageType = "auth_success"
	MsgAuthFailed      MessageType = "auth_failed"
	MsgHeartbeatAck    MessageType = "heartbeat_ack"
	MsgTradeAck        MessageType = "trade_ack"
	MsgCopyInstruction MessageType = "copy_instruction"
	MsgCopyResult      MessageType = "copy_result"
	MsgAckReceived     MessageType = "ack_received"
	MsgError           MessageType = "error"
)

// InboundMessage is one JSON frame sent by an EA.
type InboundMessage struct {
	Type          MessageType   `json:"type"`
	AccountNumber string        `json:"accountNumber"`
	APIKey        string        `json:"apiKey,omitempty"`
	Latency       *float64      `json:"latency,omitempty"`
	Trade         *TradePayload `json:"trade,omitempty"`
	Ack           *CopyAck      `json:"ack,omitempty"`
}

// CopyAck is a slave EA's report on one copy_instruction it executed.
type CopyAck struct {
	InstructionID   string  `json:"instructionId"`
	Success         bool    `json:"success"`
	PlatformTradeID string  `json:"platformTradeId,omitempty"`
	Price           float64 `json:"price,omitempty"`
	Slippage        float64 `json:"slippage,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func (a *CopyAck) validate() error {
	if a == nil {
		return NewError(ErrInvalidFormat, "ack payload required")
	}
	if strings.TrimSpace(a.InstructionID) == "" {
		return NewError(ErrInvalidFormat, "ack requires instructionId")
	}
	return nil
}

// Result converts the ack into an adapter result.
func (a *CopyAck) Result() *ExecutionResult {
	res := &ExecutionResult{
		Success:         a.Success,
		PlatformTradeID: a.PlatformTradeID,
		ActualPrice:     a.Price,
		SlippagePoints:  a.Slippage,
		ErrorMessage:    a.Error,
	}
	if !res.Success && res.ErrorMessage == "" {
		res.ErrorMessage = "rejected by slave terminal"
	}
	return res
}

type TradePayload struct {
	PlatformTradeID string    `json:"platformTradeId"`
	Symbol          string    `json:"symbol"`
	TradeType       TradeType `json:"tradeType"`
	LotSize         float64   `json:"lotSize"`
	OpenPrice       float64   `json:"openPrice"`
	ClosePrice      *float64  `json:"closePrice,omitempty"`
	StopLoss        *float64  `json:"stopLoss,omitempty"`
	TakeProfit      *float64  `json:"takeProfit,omitempty"`
	OpenTime        string    `json:"openTime"`
	CloseTime       string    `json:"closeTime,omitempty"`
}

// EA terminals commonly emit "2006.01.02 15:04:05".
var tradeTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006.01.02 15:04:05",
	"2006-01-02 15:04:05",
}

func parseTradeTime(s string) (time.Time, error) {
	for _, layout := range tradeTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// ParseInbound decodes and validates a raw frame. Any error it returns carries
// the INVALID_FORMAT code.
func ParseInbound(raw []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, NewError(ErrInvalidFormat, "malformed JSON").Wrap(err)
	}
	switch msg.Type {
	case MsgAuth:
		if msg.AccountNumber == "" || msg.APIKey == "" {
			return nil, NewError(ErrInvalidFormat, "auth requires accountNumber and apiKey")
		}
	case MsgHeartbeat:
	case MsgTradeOpened, MsgTradeClosed, MsgTradeModified:
		if err := msg.Trade.validate(msg.Type); err != nil {
			return nil, err
		}
	case MsgCopyAck:
		if err := msg.Ack.validate(); err != nil {
			return nil, err
		}
	case "":
		return nil, NewError(ErrInvalidFormat, "missing message type")
	default:
		return nil, NewError(ErrInvalidFormat, fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return &msg, nil
}

func (p *TradePayload) validate(t MessageType) error {
	if p == nil {
		return NewError(ErrInvalidFormat, "trade payload required")
	}
	if strings.TrimSpace(p.PlatformTradeID) == "" || strings.TrimSpace(p.Symbol) == "" {
		return NewError(ErrInvalidFormat, "trade requires platformTradeId and symbol")
	}
	if p.TradeType != TradeBuy && p.TradeType != TradeSell {
		return NewError(ErrInvalidFormat, fmt.Sprintf("invalid tradeType %q", p.TradeType))
	}
	if p.LotSize <= 0 {
		return NewError(ErrInvalidFormat, "lotSize must be positive")
	}
	if p.OpenTime != "" {
		if _, err := parseTradeTime(p.OpenTime); err != nil {
			return NewError(ErrInvalidFormat, "invalid openTime").Wrap(err)
		}
	}
	if p.CloseTime != "" {
		if _, err := parseTradeTime(p.CloseTime); err != nil {
			return NewError(ErrInvalidFormat, "invalid closeTime").Wrap(err)
		}
	}
	if t == MsgTradeClosed && p.ClosePrice == nil {
		return NewError(ErrInvalidFormat, "trade_closed requires closePrice")
	}
	return nil
}

// ToMasterTrade builds the canonical trade record for an account.
func (p *TradePayload) ToMasterTrade(accountID string, t MessageType) *MasterTrade {
	trade := &MasterTrade{
		AccountID:       accountID,
		PlatformTradeID: p.PlatformTradeID,
		Symbol:          strings.ToUpper(strings.TrimSpace(p.Symbol)),
		TradeType:       p.TradeType,
		LotSize:         p.LotSize,
		OpenPrice:       p.OpenPrice,
		ClosePrice:      p.ClosePrice,
		StopLoss:        p.StopLoss,
		TakeProfit:      p.TakeProfit,
		Status:          TradeOpen,
		OpenedAt:        time.Now().UTC(),
	}
	if ts, err := parseTradeTime(p.OpenTime); err == nil {
		trade.OpenedAt = ts
	}
	if t == MsgTradeClosed {
		trade.Status = TradeClosed
		closed := time.Now().UTC()
		if ts, err := parseTradeTime(p.CloseTime); err == nil {
			closed = ts
		}
		trade.ClosedAt = &closed
	}
	return trade
}

// OutboundMessage is one JSON frame sent to an EA.
type OutboundMessage struct {
	Type          MessageType          `json:"type"`
	ConnectionID  string               `json:"connectionId,omitempty"`
	Message       string               `json:"message,omitempty"`
	Code          ErrorCode            `json:"code,omitempty"`
	Role          Role                 `json:"role,omitempty"`
	AccountID     string               `json:"accountId,omitempty"`
	TradeID       string               `json:"tradeId,omitempty"`
	InstructionID string               `json:"instructionId,omitempty"`
	Instructions  int                  `json:"instructions,omitempty"`
	Instruction   *InstructionEnvelope `json:"instruction,omitempty"`
	Timestamp     int64                `json:"timestamp"`
}

// InstructionEnvelope is the wire form of a CopyInstruction.
type InstructionEnvelope struct {
	ID            string            `json:"id"`
	Action        Action            `json:"action"`
	Symbol        string            `json:"symbol"`
	TradeType     TradeType         `json:"tradeType"`
	LotSize       float64           `json:"lotSize"`
	StopLoss      *float64          `json:"stopLoss,omitempty"`
	TakeProfit    *float64          `json:"takeProfit,omitempty"`
	TargetTradeID string            `json:"targetTradeId,omitempty"`
	Status        InstructionStatus `json:"status,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func NewEnvelope(in *CopyInstruction) *InstructionEnvelope {
	return &InstructionEnvelope{
		ID:            in.ID,
		Action:        in.Action,
		Symbol:        in.Symbol,
		TradeType:     in.TradeType,
		LotSize:       in.ScaledLotSize,
		StopLoss:      in.StopLoss,
		TakeProfit:    in.TakeProfit,
		TargetTradeID: in.TargetTradeID,
		Status:        in.Status,
		Error:         in.ErrorMessage,
	}
}

func newOutbound(t MessageType) *OutboundMessage {
	return &OutboundMessage{Type: t, Timestamp: time.Now().UnixMilli()}
}

func WelcomeMessage(connectionID string) *OutboundMessage {
	m := newOutbound(MsgWelcome)
	m.ConnectionID = connectionID
	m.Message = "authentication required"
	return m
}

func AuthSuccessMessage(ac *AccountContext) *OutboundMessage {
	m := newOutbound(MsgAuthSuccess)
	m.AccountID = ac.AccountID
	m.Role = ac.Role
	return m
}

func AuthFailedMessage(err error) *OutboundMessage {
	m := newOutbound(MsgAuthFailed)
	m.Code = CodeOf(err)
	m.Message = err.Error()
	return m
}

func HeartbeatAckMessage() *OutboundMessage {
	return newOutbound(MsgHeartbeatAck)
}

func TradeAckMessage(tradeID string, instructions int) *OutboundMessage {
	m := newOutbound(MsgTradeAck)
	m.TradeID = tradeID
	m.Instructions = instructions
	return m
}

func CopyInstructionMessage(in *CopyInstruction) *OutboundMessage {
	m := newOutbound(MsgCopyInstruction)
	m.Instruction = NewEnvelope(in)
	return m
}

func CopyResultMessage(in *CopyInstruction) *OutboundMessage {
	m := newOutbound(MsgCopyResult)
	m.TradeID = in.MasterTradeID
	m.Instruction = NewEnvelope(in)
	return m
}

// AckReceivedMessage confirms a copy_ack. matched is false when no delivery
// was waiting for it; the ack is then held briefly in case one starts.
func AckReceivedMessage(instructionID string, matched bool) *OutboundMessage {
	m := newOutbound(MsgAckReceived)
	m.InstructionID = instructionID
	if !matched {
		m.Message = "no delivery awaiting this instruction"
	}
	return m
}

func ErrorMessage(err error) *OutboundMessage {
	m := newOutbound(MsgError)
	m.Code = CodeOf(err)
	m.Message = err.Error()
	return m
}
