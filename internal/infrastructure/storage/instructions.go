package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/vitos/trade_copy_bridge/internal/domain"
)

const instructionColumns = `id, mapping_id, master_trade_id, source_account_id, target_account_id, action, symbol, trade_type, scaled_lot_size,
	stop_loss, take_profit, target_trade_id, priority, status, attempts, max_attempts, scheduled_at, error_message,
	result_trade_id, executed_price, slippage_points, latency_ms, created_at, completed_at`

// InstructionRepository Implementation

func (s *SQLiteStore) EnqueueInstruction(ctx context.Context, in *domain.CopyInstruction) (string, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.Status = domain.StatusPending
	in.Attempts = 0
	in.ScheduledAt = now

	query := `INSERT INTO copy_instructions (id, mapping_id, master_trade_id, source_account_id, target_account_id, action,
			  symbol, trade_type, scaled_lot_size, stop_loss, take_profit, target_trade_id, priority, status, attempts,
			  max_attempts, scheduled_at, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		in.ID, in.MappingID, in.MasterTradeID, in.SourceAccountID, in.TargetAccountID, string(in.Action), in.Symbol, string(in.TradeType),
		in.ScaledLotSize, nullFloat(in.StopLoss), nullFloat(in.TakeProfit), in.TargetTradeID, in.Priority,
		string(domain.StatusPending), in.MaxAttempts, toMillis(now), toMillis(in.CreatedAt), toMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("enqueue %s for mapping %s: %w", in.Action, in.MappingID, domain.ErrDuplicate)
		}
		return "", fmt.Errorf("insert copy instruction: %w", err)
	}
	return in.ID, nil
}

// ClaimNextBatch selects due pending rows in priority then schedule order and
// claims each with a conditional update. A row another worker claimed first
// is skipped.
func (s *SQLiteStore) ClaimNextBatch(ctx context.Context, n int, now time.Time) ([]*domain.CopyInstruction, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+instructionColumns+` FROM copy_instructions
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY priority ASC, scheduled_at ASC, created_at ASC
		LIMIT ?`, string(domain.StatusPending), toMillis(now), n)
	if err != nil {
		return nil, fmt.Errorf("select due instructions: %w", err)
	}
	candidates, err := scanInstructions(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]*domain.CopyInstruction, 0, len(candidates))
	for _, in := range candidates {
		res, err := tx.ExecContext(ctx, `UPDATE copy_instructions SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.StatusProcessing), toMillis(now), in.ID, string(domain.StatusPending))
		if err != nil {
			return nil, fmt.Errorf("claim instruction %s: %w", in.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			continue
		}
		in.Status = domain.StatusProcessing
		claimed = append(claimed, in)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateInstructionStatus moves a processing row to status. Rows that are not
// processing are left untouched and domain.ErrStaleTransition is returned.
func (s *SQLiteStore) UpdateInstructionStatus(ctx context.Context, id string, status domain.InstructionStatus, u domain.StatusUpdate) error {
	now := s.now()
	var completedAt sql.NullInt64
	if status.Terminal() {
		completedAt = sql.NullInt64{Int64: toMillis(now), Valid: true}
	}
	scheduledAt := u.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	query := `UPDATE copy_instructions SET
		status = ?,
		attempts = ?,
		scheduled_at = ?,
		error_message = ?,
		result_trade_id = ?,
		executed_price = ?,
		slippage_points = ?,
		latency_ms = ?,
		completed_at = ?,
		updated_at = ?
		WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(status), u.Attempts, toMillis(scheduledAt), u.ErrorMessage, u.ResultTradeID, u.ExecutedPrice,
		u.SlippagePoints, u.LatencyMs, completedAt, toMillis(now), id, string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("update copy instruction %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// GetInstruction returns (nil, nil) when the id is unknown.
func (s *SQLiteStore) GetInstruction(ctx context.Context, id string) (*domain.CopyInstruction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instructionColumns+` FROM copy_instructions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	list, err := scanInstructions(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// GetCompletedCopies lists opens of a master trade that executed on the slave.
func (s *SQLiteStore) GetCompletedCopies(ctx context.Context, mappingID, masterTradeID string) ([]*domain.CopyInstruction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instructionColumns+` FROM copy_instructions
		WHERE mapping_id = ? AND master_trade_id = ? AND action = ? AND status = ?
		ORDER BY created_at ASC`,
		mappingID, masterTradeID, string(domain.ActionOpen), string(domain.StatusCompleted))
	if err != nil {
		return nil, err
	}
	return scanInstructions(rows)
}

// ListInstructions returns the instructions fanned out for a master trade.
func (s *SQLiteStore) ListInstructions(ctx context.Context, masterTradeID string) ([]*domain.CopyInstruction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instructionColumns+` FROM copy_instructions
		WHERE master_trade_id = ? ORDER BY priority ASC, created_at ASC`, masterTradeID)
	if err != nil {
		return nil, err
	}
	return scanInstructions(rows)
}

func (s *SQLiteStore) ExpirePending(ctx context.Context, createdBefore time.Time) (int, error) {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE copy_instructions SET
		status = ?, error_message = 'expired before delivery', completed_at = ?, updated_at = ?
		WHERE status = ? AND created_at < ?`,
		string(domain.StatusExpired), now, now, string(domain.StatusPending), toMillis(createdBefore))
	if err != nil {
		return 0, fmt.Errorf("expire pending instructions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverStale hands back rows a dead worker left in processing. Each
// abandoned claim counts as a failed attempt; rows out of attempts fail.
func (s *SQLiteStore) RecoverStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE copy_instructions SET
		attempts = attempts + 1,
		error_message = ?,
		status = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
		completed_at = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE NULL END,
		scheduled_at = ?,
		updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		abandonedClaim, string(domain.StatusFailed), string(domain.StatusPending), now,
		now, now, string(domain.StatusProcessing), toMillis(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("recover stale instructions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const abandonedClaim = "claim abandoned by worker"

// RescheduleForAccount pulls forward only rows deferred because the slave was
// offline. Rows waiting out a retry backoff keep their schedule.
func (s *SQLiteStore) RescheduleForAccount(ctx context.Context, accountID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE copy_instructions SET scheduled_at = ?, updated_at = ?
		WHERE status = ? AND target_account_id = ? AND scheduled_at > ? AND error_message = ?`,
		toMillis(at), toMillis(s.now()), string(domain.StatusPending), accountID, toMillis(at), domain.ErrNoSession.Message)
	if err != nil {
		return 0, fmt.Errorf("reschedule instructions for %s: %w", accountID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) QueueStats(ctx context.Context) (map[domain.InstructionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM copy_instructions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.InstructionStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[domain.InstructionStatus(status)] = count
	}
	return stats, rows.Err()
}

func scanInstructions(rows *sql.Rows) ([]*domain.CopyInstruction, error) {
	defer rows.Close()

	var list []*domain.CopyInstruction
	for rows.Next() {
		var (
			in                        domain.CopyInstruction
			action, tradeType, status string
			sl, tp                    sql.NullFloat64
			scheduledAt, createdAt    int64
			completedAt               sql.NullInt64
		)
		if err := rows.Scan(&in.ID, &in.MappingID, &in.MasterTradeID, &in.SourceAccountID, &in.TargetAccountID, &action, &in.Symbol, &tradeType,
			&in.ScaledLotSize, &sl, &tp, &in.TargetTradeID, &in.Priority, &status, &in.Attempts, &in.MaxAttempts,
			&scheduledAt, &in.ErrorMessage, &in.ResultTradeID, &in.ExecutedPrice, &in.SlippagePoints, &in.LatencyMs,
			&createdAt, &completedAt); err != nil {
			return nil, err
		}
		in.Action = domain.Action(action)
		in.TradeType = domain.TradeType(tradeType)
		in.Status = domain.InstructionStatus(status)
		in.StopLoss = floatPtr(sl)
		in.TakeProfit = floatPtr(tp)
		in.ScheduledAt = fromMillis(scheduledAt)
		in.CreatedAt = fromMillis(createdAt)
		if completedAt.Valid {
			ts := fromMillis(completedAt.Int64)
			in.CompletedAt = &ts
		}
		list = append(list, &in)
	}
	return list, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
