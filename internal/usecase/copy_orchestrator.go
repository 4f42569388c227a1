package usecase

import (
	"context"
	"errors"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

// SessionFinder looks up the live connection of an account.
type SessionFinder interface {
	FindByAccountID(accountID string) *domain.Connection
}

// Enqueuer durably stores a new instruction.
type Enqueuer interface {
	Enqueue(ctx context.Context, in *domain.CopyInstruction) (string, error)
}

// CopyOrchestrator turns master trade events into copy instructions.
type CopyOrchestrator struct {
	trades   domain.TradeRepository
	mappings domain.MappingRepository
	copies   CompletedCopyFinder
	queue    Enqueuer
	sessions SessionFinder
	filter   *FilterEngine
	scaler   *ScalingEngine
	gate     *ProtectionGate
	logger   *zap.Logger

	directPush bool
}

// CompletedCopyFinder lists opens of a master trade that executed on a slave.
type CompletedCopyFinder interface {
	GetCompletedCopies(ctx context.Context, mappingID, masterTradeID string) ([]*domain.CopyInstruction, error)
}

type OrchestratorDeps struct {
	Trades   domain.TradeRepository
	Mappings domain.MappingRepository
	Copies   CompletedCopyFinder
	Queue    Enqueuer
	Sessions SessionFinder
	Gate     *ProtectionGate
}

func NewCopyOrchestrator(deps OrchestratorDeps, directPush bool, logger *zap.Logger) *CopyOrchestrator {
	return &CopyOrchestrator{
		trades:     deps.Trades,
		mappings:   deps.Mappings,
		copies:     deps.Copies,
		queue:      deps.Queue,
		sessions:   deps.Sessions,
		filter:     NewFilterEngine(),
		scaler:     NewScalingEngine(),
		gate:       deps.Gate,
		logger:     logger.Named("orchestrator"),
		directPush: directPush,
	}
}

// OnTradeOpened persists the trade and, for a master, fans out one open
// instruction per eligible mapping. Redeliveries fan out again; the queue's
// uniqueness absorbs mappings already served, so a delivery whose first
// fan-out failed part way is completed by the retry. It returns the stored
// trade and the number of instructions enqueued.
func (o *CopyOrchestrator) OnTradeOpened(ctx context.Context, ac *domain.AccountContext, trade *domain.MasterTrade) (*domain.MasterTrade, int, error) {
	stored, created, err := o.trades.UpsertTrade(ctx, trade)
	if err != nil {
		return nil, 0, domain.NewError(domain.ErrPersistenceFailure, "failed to persist trade").Wrap(err)
	}
	if ac.Role != domain.RoleMaster {
		return stored, 0, nil
	}
	if !created {
		o.logger.Info("Repeated trade_opened, completing fan-out",
			zap.String("account_id", ac.AccountID),
			zap.String("trade_id", stored.ID),
			zap.String("platform_trade_id", stored.PlatformTradeID),
		)
	}

	mappings, err := o.mappings.GetActiveMappings(ctx, ac.AccountID)
	if err != nil {
		return stored, 0, domain.NewError(domain.ErrPersistenceFailure, "failed to load mappings").Wrap(err)
	}

	var (
		enqueued int
		failed   error
	)
	for _, m := range mappings {
		if !o.filter.ShouldCopy(stored.Symbol, m) {
			o.logger.Debug("Symbol filtered", zap.String("mapping_id", m.ID), zap.String("symbol", stored.Symbol))
			continue
		}
		if o.gate.IsBlocked(ctx, m) {
			continue
		}
		lot := o.scaler.ScaleLot(stored.LotSize, m)
		if lot <= 0 {
			o.logger.Warn("Scaled lot is zero, copy skipped",
				zap.String("mapping_id", m.ID),
				zap.String("scaling_type", string(m.ScalingType)),
				zap.Float64("master_lot", stored.LotSize),
			)
			continue
		}

		in := &domain.CopyInstruction{
			MappingID:       m.ID,
			MasterTradeID:   stored.ID,
			SourceAccountID: ac.AccountID,
			TargetAccountID: m.SlaveAccountID,
			Action:          domain.ActionOpen,
			Symbol:          stored.Symbol,
			TradeType:       stored.TradeType,
			ScaledLotSize:   lot,
			Priority:        domain.PriorityOpen,
		}
		if m.CopyStopLossTakeProfit {
			in.StopLoss = stored.StopLoss
			in.TakeProfit = stored.TakeProfit
		}
		ok, err := o.enqueue(ctx, in)
		if err != nil {
			failed = err
			continue
		}
		if ok {
			enqueued++
		}
	}
	if failed != nil {
		return stored, enqueued, domain.NewError(domain.ErrPersistenceFailure, "failed to enqueue copy instructions").Wrap(failed)
	}
	return stored, enqueued, nil
}

// OnTradeClosed enqueues a close for every completed copy of the trade.
// Closes are never filtered or gated.
func (o *CopyOrchestrator) OnTradeClosed(ctx context.Context, ac *domain.AccountContext, trade *domain.MasterTrade) (*domain.MasterTrade, int, error) {
	return o.followUp(ctx, ac, trade, domain.ActionClose)
}

// OnTradeModified propagates SL/TP to completed copies of mappings that copy
// them.
func (o *CopyOrchestrator) OnTradeModified(ctx context.Context, ac *domain.AccountContext, trade *domain.MasterTrade) (*domain.MasterTrade, int, error) {
	return o.followUp(ctx, ac, trade, domain.ActionModify)
}

func (o *CopyOrchestrator) followUp(ctx context.Context, ac *domain.AccountContext, trade *domain.MasterTrade, action domain.Action) (*domain.MasterTrade, int, error) {
	stored, _, err := o.trades.UpsertTrade(ctx, trade)
	if err != nil {
		return nil, 0, domain.NewError(domain.ErrPersistenceFailure, "failed to persist trade").Wrap(err)
	}
	if ac.Role != domain.RoleMaster {
		return stored, 0, nil
	}
	if action == domain.ActionModify && stored.Status == domain.TradeClosed {
		return stored, 0, nil
	}

	mappings, err := o.mappings.GetActiveMappings(ctx, ac.AccountID)
	if err != nil {
		return stored, 0, domain.NewError(domain.ErrPersistenceFailure, "failed to load mappings").Wrap(err)
	}

	var (
		enqueued int
		failed   error
	)
	for _, m := range mappings {
		if action == domain.ActionModify && !m.CopyStopLossTakeProfit {
			continue
		}
		copies, err := o.copies.GetCompletedCopies(ctx, m.ID, stored.ID)
		if err != nil {
			o.logger.Error("Failed to load completed copies", zap.String("mapping_id", m.ID), zap.Error(err))
			failed = err
			continue
		}
		for _, c := range copies {
			in := &domain.CopyInstruction{
				MappingID:       m.ID,
				MasterTradeID:   stored.ID,
				SourceAccountID: ac.AccountID,
				TargetAccountID: c.TargetAccountID,
				Action:          action,
				Symbol:          c.Symbol,
				TradeType:       c.TradeType,
				ScaledLotSize:   c.ScaledLotSize,
				TargetTradeID:   c.ResultTradeID,
				Priority:        domain.PriorityClose,
			}
			if action == domain.ActionModify {
				in.Priority = domain.PriorityModify
				in.StopLoss = stored.StopLoss
				in.TakeProfit = stored.TakeProfit
			}
			ok, err := o.enqueue(ctx, in)
			if err != nil {
				failed = err
				continue
			}
			if ok {
				enqueued++
			}
		}
	}
	if failed != nil {
		return stored, enqueued, domain.NewError(domain.ErrPersistenceFailure, "failed to enqueue "+string(action)+" instructions").Wrap(failed)
	}
	return stored, enqueued, nil
}

// enqueue reports whether a new row was stored. A duplicate is not an error.
func (o *CopyOrchestrator) enqueue(ctx context.Context, in *domain.CopyInstruction) (bool, error) {
	id, err := o.queue.Enqueue(ctx, in)
	if errors.Is(err, domain.ErrDuplicate) {
		o.logger.Info("Instruction already queued",
			zap.String("mapping_id", in.MappingID),
			zap.String("trade_id", in.MasterTradeID),
			zap.String("action", string(in.Action)),
		)
		return false, nil
	}
	if err != nil {
		o.logger.Error("Failed to enqueue instruction",
			zap.String("mapping_id", in.MappingID),
			zap.String("action", string(in.Action)),
			zap.Error(err),
		)
		return false, err
	}
	o.logger.Info("Instruction enqueued",
		zap.String("instruction_id", id),
		zap.String("mapping_id", in.MappingID),
		zap.String("action", string(in.Action)),
		zap.Float64("lot_size", in.ScaledLotSize),
	)
	o.push(in)
	return true, nil
}

// push is the low-latency path to an online slave. The queue row stays the
// record of truth; the EA dedupes by instruction id.
func (o *CopyOrchestrator) push(in *domain.CopyInstruction) {
	if !o.directPush {
		return
	}
	conn := o.sessions.FindByAccountID(in.TargetAccountID)
	if conn == nil || conn.Role != domain.RoleSlave || conn.Transport == nil {
		return
	}
	if err := conn.Transport.Send(domain.CopyInstructionMessage(in)); err != nil {
		o.logger.Debug("Direct push failed", zap.String("instruction_id", in.ID), zap.Error(err))
	}
}

// NotifyResult tells the master connection, if online, how a copy ended.
func (o *CopyOrchestrator) NotifyResult(in *domain.CopyInstruction) {
	if in.SourceAccountID == "" {
		return
	}
	conn := o.sessions.FindByAccountID(in.SourceAccountID)
	if conn == nil || conn.Role != domain.RoleMaster || conn.Transport == nil {
		return
	}
	if err := conn.Transport.Send(domain.CopyResultMessage(in)); err != nil {
		o.logger.Debug("copy_result not delivered", zap.String("instruction_id", in.ID), zap.Error(err))
	}
}
