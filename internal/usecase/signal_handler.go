package usecase

import (
	"context"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

// Rescheduler makes an account's deferred instructions due immediately.
type Rescheduler interface {
	Reschedule(ctx context.Context, accountID string) (int, error)
}

// AckResolver completes deliveries waiting on a slave's copy_ack.
type AckResolver interface {
	Resolve(accountID string, ack *domain.CopyAck) bool
}

// SignalHandler answers every inbound frame with exactly one outbound
// message. Frames of one connection must be handled sequentially.
type SignalHandler struct {
	registry     *ConnectionRegistry
	orchestrator *CopyOrchestrator
	rescheduler  Rescheduler
	acks         AckResolver
	logger       *zap.Logger
}

func NewSignalHandler(registry *ConnectionRegistry, orchestrator *CopyOrchestrator, rescheduler Rescheduler, acks AckResolver, logger *zap.Logger) *SignalHandler {
	return &SignalHandler{
		registry:     registry,
		orchestrator: orchestrator,
		rescheduler:  rescheduler,
		acks:         acks,
		logger:       logger.Named("signals"),
	}
}

func (h *SignalHandler) Handle(ctx context.Context, connectionID string, raw []byte) *domain.OutboundMessage {
	msg, err := domain.ParseInbound(raw)
	if err != nil {
		h.logger.Warn("Invalid inbound message", zap.String("connection_id", connectionID), zap.Error(err))
		return domain.ErrorMessage(err)
	}

	switch msg.Type {
	case domain.MsgAuth:
		return h.handleAuth(ctx, connectionID, msg)
	case domain.MsgHeartbeat:
		h.registry.TouchHeartbeat(connectionID, msg.Latency)
		return domain.HeartbeatAckMessage()
	case domain.MsgCopyAck:
		return h.handleAck(connectionID, msg.Ack)
	}
	return h.handleTrade(ctx, connectionID, msg)
}

// handleAck accepts acks only from authenticated slaves; the tracker further
// checks the slave is the instruction's target.
func (h *SignalHandler) handleAck(connectionID string, ack *domain.CopyAck) *domain.OutboundMessage {
	conn := h.registry.Get(connectionID)
	if conn == nil || !conn.Authenticated {
		return domain.ErrorMessage(domain.ErrNotAuthenticated)
	}
	if conn.Role != domain.RoleSlave {
		return domain.ErrorMessage(domain.NewError(domain.ErrInvalidFormat, "copy_ack is only accepted from slave accounts"))
	}
	matched := h.acks != nil && h.acks.Resolve(conn.AccountID, ack)
	h.logger.Debug("copy_ack received",
		zap.String("connection_id", connectionID),
		zap.String("instruction_id", ack.InstructionID),
		zap.Bool("success", ack.Success),
		zap.Bool("matched", matched),
	)
	return domain.AckReceivedMessage(ack.InstructionID, matched)
}

func (h *SignalHandler) handleAuth(ctx context.Context, connectionID string, msg *domain.InboundMessage) *domain.OutboundMessage {
	ac, err := h.registry.Authenticate(ctx, connectionID, msg.AccountNumber, msg.APIKey)
	if err != nil {
		return domain.AuthFailedMessage(err)
	}
	if ac.Role == domain.RoleSlave && h.rescheduler != nil {
		n, err := h.rescheduler.Reschedule(ctx, ac.AccountID)
		if err != nil {
			h.logger.Warn("Failed to reschedule pending instructions", zap.String("account_id", ac.AccountID), zap.Error(err))
		} else if n > 0 {
			h.logger.Info("Pending instructions made due", zap.String("account_id", ac.AccountID), zap.Int("count", n))
		}
	}
	return domain.AuthSuccessMessage(ac)
}

func (h *SignalHandler) handleTrade(ctx context.Context, connectionID string, msg *domain.InboundMessage) *domain.OutboundMessage {
	conn := h.registry.Get(connectionID)
	if conn == nil || !conn.Authenticated {
		return domain.ErrorMessage(domain.ErrNotAuthenticated)
	}
	ac := &domain.AccountContext{
		AccountID:     conn.AccountID,
		UserID:        conn.UserID,
		AccountNumber: conn.AccountNumber,
		PlatformCode:  conn.PlatformCode,
		Role:          conn.Role,
	}
	trade := msg.Trade.ToMasterTrade(ac.AccountID, msg.Type)

	var (
		stored *domain.MasterTrade
		n      int
		err    error
	)
	switch msg.Type {
	case domain.MsgTradeOpened:
		stored, n, err = h.orchestrator.OnTradeOpened(ctx, ac, trade)
	case domain.MsgTradeClosed:
		stored, n, err = h.orchestrator.OnTradeClosed(ctx, ac, trade)
	case domain.MsgTradeModified:
		stored, n, err = h.orchestrator.OnTradeModified(ctx, ac, trade)
	}
	if err != nil {
		h.logger.Error("Trade signal failed",
			zap.String("connection_id", connectionID),
			zap.String("account_id", ac.AccountID),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		return domain.ErrorMessage(err)
	}
	return domain.TradeAckMessage(stored.ID, n)
}
