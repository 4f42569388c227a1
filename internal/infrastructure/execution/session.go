package execution

import (
	"context"
	"fmt"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

// SessionLookup finds the live connection of an account.
type SessionLookup interface {
	FindByAccountID(accountID string) *domain.Connection
}

// SessionAdapter hands instructions to the slave EA over its live connection
// and waits for the EA's copy_ack. A frame that is buffered but never
// acknowledged is not a success. The EA dedupes by instruction id, so a
// redelivery after a lost ack is answered with the original result.
type SessionAdapter struct {
	platform string
	sessions SessionLookup
	acks     *AckTracker
	logger   *zap.Logger
}

func NewSessionAdapter(platform string, sessions SessionLookup, acks *AckTracker, logger *zap.Logger) *SessionAdapter {
	return &SessionAdapter{platform: platform, sessions: sessions, acks: acks, logger: logger}
}

func (a *SessionAdapter) Platform() string {
	return a.platform
}

// Execute blocks until the ack arrives or ctx ends.
func (a *SessionAdapter) Execute(ctx context.Context, in *domain.CopyInstruction) (*domain.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := a.sessions.FindByAccountID(in.TargetAccountID)
	if conn == nil || conn.Role != domain.RoleSlave || conn.Transport == nil {
		return nil, domain.ErrNoSession
	}

	acked, cancel := a.acks.Expect(in.TargetAccountID, in.ID)
	defer cancel()

	if err := conn.Transport.Send(domain.CopyInstructionMessage(in)); err != nil {
		return nil, fmt.Errorf("push to %s: %w", conn.ID, err)
	}
	a.logger.Debug("Instruction pushed to session, awaiting ack",
		zap.String("instruction_id", in.ID),
		zap.String("connection_id", conn.ID),
	)

	select {
	case ack := <-acked:
		res := ack.Result()
		if res.Success && res.PlatformTradeID == "" {
			// Modifies and some closes come back without a ticket.
			res.PlatformTradeID = in.TargetTradeID
			if in.Action == domain.ActionOpen {
				res.PlatformTradeID = in.ID
			}
		}
		return res, nil
	case <-ctx.Done():
		return nil, domain.NewError(domain.ErrExecutionFailure, "no copy_ack from "+conn.ID).Wrap(ctx.Err())
	}
}
