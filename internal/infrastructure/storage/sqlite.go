package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/trade_copy_bridge/internal/domain"
)

// SQLiteStore implements domain.Ledger. All timestamps are stored as unix
// milliseconds so range scans on the queue compare integers.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the claim path relies on conditional updates,
	// not on connection-level isolation.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			account_number TEXT NOT NULL UNIQUE,
			platform_code TEXT NOT NULL,
			account_type TEXT NOT NULL,
			api_key_hash TEXT NOT NULL,
			balance REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS copy_mappings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			master_account_id TEXT NOT NULL,
			slave_account_id TEXT NOT NULL,
			scaling_type TEXT NOT NULL,
			scaling_value REAL NOT NULL,
			copy_symbols TEXT NOT NULL DEFAULT '',
			ignore_symbols TEXT NOT NULL DEFAULT '',
			min_lot_size REAL,
			max_lot_size REAL,
			copy_sl_tp BOOLEAN NOT NULL DEFAULT 1,
			is_active BOOLEAN NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_master ON copy_mappings(master_account_id, is_active);`,
		`CREATE TABLE IF NOT EXISTS master_trades (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			platform_trade_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			lot_size REAL NOT NULL,
			open_price REAL NOT NULL,
			close_price REAL,
			stop_loss REAL,
			take_profit REAL,
			status TEXT NOT NULL,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER,
			updated_at INTEGER NOT NULL,
			UNIQUE (account_id, platform_trade_id)
		);`,
		`CREATE TABLE IF NOT EXISTS copy_instructions (
			id TEXT PRIMARY KEY,
			mapping_id TEXT NOT NULL,
			master_trade_id TEXT NOT NULL,
			source_account_id TEXT NOT NULL DEFAULT '',
			target_account_id TEXT NOT NULL,
			action TEXT NOT NULL,
			symbol TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			scaled_lot_size REAL NOT NULL,
			stop_loss REAL,
			take_profit REAL,
			target_trade_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			scheduled_at INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			result_trade_id TEXT NOT NULL DEFAULT '',
			executed_price REAL NOT NULL DEFAULT 0,
			slippage_points REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instructions_due ON copy_instructions(status, priority, scheduled_at);`,
		`CREATE INDEX IF NOT EXISTS idx_instructions_trade ON copy_instructions(mapping_id, master_trade_id);`,
		// Opens and closes are fanned out once per copy; modifies may repeat.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_instructions_once
			ON copy_instructions(mapping_id, master_trade_id, action, target_trade_id)
			WHERE action IN ('open', 'close');`,
		`CREATE TABLE IF NOT EXISTS protection_rules (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			scope_account_id TEXT NOT NULL DEFAULT '',
			rule_type TEXT NOT NULL,
			threshold_value REAL,
			threshold_percentage REAL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			triggered_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_protection_user ON protection_rules(user_id, is_active);`,
		`CREATE TABLE IF NOT EXISTS connection_status (
			account_id TEXT PRIMARY KEY,
			connected BOOLEAN NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// AccountRepository Implementation

const accountColumns = `id, user_id, account_number, platform_code, account_type, api_key_hash, balance, created_at`

func (s *SQLiteStore) SaveAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	query := `INSERT INTO accounts (` + accountColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  user_id=excluded.user_id,
			  account_number=excluded.account_number,
			  platform_code=excluded.platform_code,
			  account_type=excluded.account_type,
			  api_key_hash=excluded.api_key_hash,
			  balance=excluded.balance`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.UserID, a.AccountNumber, a.PlatformCode, string(a.Type), a.APIKeyHash, a.Balance, toMillis(a.CreatedAt))
	return err
}

func (s *SQLiteStore) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`, accountNumber)
	return scanAccount(row)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// scanAccount returns (nil, nil) when the row does not exist.
func scanAccount(row *sql.Row) (*domain.Account, error) {
	var (
		a         domain.Account
		accType   string
		createdAt int64
	)
	err := row.Scan(&a.ID, &a.UserID, &a.AccountNumber, &a.PlatformCode, &accType, &a.APIKeyHash, &a.Balance, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Type = domain.AccountType(accType)
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

// MappingRepository Implementation

func (s *SQLiteStore) SaveMapping(ctx context.Context, m *domain.CopyMapping) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	query := `INSERT INTO copy_mappings (id, user_id, master_account_id, slave_account_id, scaling_type, scaling_value, copy_symbols, ignore_symbols, min_lot_size, max_lot_size, copy_sl_tp, is_active)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  scaling_type=excluded.scaling_type,
			  scaling_value=excluded.scaling_value,
			  copy_symbols=excluded.copy_symbols,
			  ignore_symbols=excluded.ignore_symbols,
			  min_lot_size=excluded.min_lot_size,
			  max_lot_size=excluded.max_lot_size,
			  copy_sl_tp=excluded.copy_sl_tp,
			  is_active=excluded.is_active`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.UserID, m.MasterAccountID, m.SlaveAccountID, string(m.ScalingType), m.ScalingValue,
		joinSymbols(m.CopySymbols), joinSymbols(m.IgnoreSymbols), nullFloat(m.MinLotSize), nullFloat(m.MaxLotSize),
		m.CopyStopLossTakeProfit, m.IsActive)
	return err
}

func (s *SQLiteStore) GetActiveMappings(ctx context.Context, masterAccountID string) ([]*domain.CopyMapping, error) {
	query := `SELECT id, user_id, master_account_id, slave_account_id, scaling_type, scaling_value, copy_symbols, ignore_symbols, min_lot_size, max_lot_size, copy_sl_tp, is_active
			  FROM copy_mappings WHERE master_account_id = ? AND is_active = 1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, masterAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*domain.CopyMapping
	for rows.Next() {
		var (
			m                   domain.CopyMapping
			scalingType         string
			copySyms, ignoreSym string
			minLot, maxLot      sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.MasterAccountID, &m.SlaveAccountID, &scalingType, &m.ScalingValue,
			&copySyms, &ignoreSym, &minLot, &maxLot, &m.CopyStopLossTakeProfit, &m.IsActive); err != nil {
			return nil, err
		}
		m.ScalingType = domain.ScalingType(scalingType)
		m.CopySymbols = splitSymbols(copySyms)
		m.IgnoreSymbols = splitSymbols(ignoreSym)
		m.MinLotSize = floatPtr(minLot)
		m.MaxLotSize = floatPtr(maxLot)
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// TradeRepository Implementation

const tradeColumns = `id, account_id, platform_trade_id, symbol, trade_type, lot_size, open_price, close_price, stop_loss, take_profit, status, opened_at, closed_at`

// UpsertTrade inserts the trade or, when (account_id, platform_trade_id)
// already exists, folds the newer lifecycle fields into the stored row.
// Absent SL/TP keep the stored value; EAs clear them by sending 0.
// A closed trade never reopens.
func (s *SQLiteStore) UpsertTrade(ctx context.Context, t *domain.MasterTrade) (*domain.MasterTrade, bool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := toMillis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO master_trades (`+tradeColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, platform_trade_id) DO NOTHING`,
		t.ID, t.AccountID, t.PlatformTradeID, t.Symbol, string(t.TradeType), t.LotSize, t.OpenPrice,
		nullFloat(t.ClosePrice), nullFloat(t.StopLoss), nullFloat(t.TakeProfit), string(t.Status),
		toMillis(t.OpenedAt), nullMillis(t.ClosedAt), now)
	if err != nil {
		return nil, false, fmt.Errorf("insert master trade: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	created := affected == 1

	if !created {
		_, err = tx.ExecContext(ctx, `UPDATE master_trades SET
			stop_loss = COALESCE(?, stop_loss),
			take_profit = COALESCE(?, take_profit),
			close_price = COALESCE(?, close_price),
			closed_at = COALESCE(?, closed_at),
			status = CASE WHEN ? = 'closed' THEN 'closed' ELSE status END,
			updated_at = ?
			WHERE account_id = ? AND platform_trade_id = ?`,
			nullFloat(t.StopLoss), nullFloat(t.TakeProfit), nullFloat(t.ClosePrice), nullMillis(t.ClosedAt),
			string(t.Status), now, t.AccountID, t.PlatformTradeID)
		if err != nil {
			return nil, false, fmt.Errorf("update master trade: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM master_trades WHERE account_id = ? AND platform_trade_id = ?`,
		t.AccountID, t.PlatformTradeID)
	stored, err := scanTrade(row)
	if err != nil {
		return nil, false, fmt.Errorf("reload master trade: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func scanTrade(row *sql.Row) (*domain.MasterTrade, error) {
	var (
		t                  domain.MasterTrade
		tradeType, status  string
		closePrice, sl, tp sql.NullFloat64
		openedAt           int64
		closedAt           sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.PlatformTradeID, &t.Symbol, &tradeType, &t.LotSize, &t.OpenPrice,
		&closePrice, &sl, &tp, &status, &openedAt, &closedAt); err != nil {
		return nil, err
	}
	t.TradeType = domain.TradeType(tradeType)
	t.Status = domain.TradeStatus(status)
	t.ClosePrice = floatPtr(closePrice)
	t.StopLoss = floatPtr(sl)
	t.TakeProfit = floatPtr(tp)
	t.OpenedAt = fromMillis(openedAt)
	if closedAt.Valid {
		ts := fromMillis(closedAt.Int64)
		t.ClosedAt = &ts
	}
	return &t, nil
}

// ProtectionRepository Implementation

func (s *SQLiteStore) SaveProtectionRule(ctx context.Context, r *domain.ProtectionRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	query := `INSERT INTO protection_rules (id, user_id, scope_account_id, rule_type, threshold_value, threshold_percentage, is_active, triggered_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  scope_account_id=excluded.scope_account_id,
			  rule_type=excluded.rule_type,
			  threshold_value=excluded.threshold_value,
			  threshold_percentage=excluded.threshold_percentage,
			  is_active=excluded.is_active,
			  triggered_at=excluded.triggered_at`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.ScopeAccountID, string(r.RuleType), nullFloat(r.ThresholdValue), nullFloat(r.ThresholdPercentage),
		r.IsActive, nullMillis(r.TriggeredAt))
	return err
}

func (s *SQLiteStore) GetProtectionRules(ctx context.Context, userID string) ([]*domain.ProtectionRule, error) {
	query := `SELECT id, user_id, scope_account_id, rule_type, threshold_value, threshold_percentage, is_active, triggered_at
			  FROM protection_rules WHERE user_id = ? AND is_active = 1`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ProtectionRule
	for rows.Next() {
		var (
			r           domain.ProtectionRule
			ruleType    string
			value, pct  sql.NullFloat64
			triggeredAt sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ScopeAccountID, &ruleType, &value, &pct, &r.IsActive, &triggeredAt); err != nil {
			return nil, err
		}
		r.RuleType = domain.ProtectionRuleType(ruleType)
		r.ThresholdValue = floatPtr(value)
		r.ThresholdPercentage = floatPtr(pct)
		if triggeredAt.Valid {
			ts := fromMillis(triggeredAt.Int64)
			r.TriggeredAt = &ts
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// ConnectionStatusRepository Implementation

func (s *SQLiteStore) RecordConnectionStatus(ctx context.Context, accountID string, connected bool) error {
	query := `INSERT INTO connection_status (account_id, connected, updated_at)
			  VALUES (?, ?, ?)
			  ON CONFLICT(account_id) DO UPDATE SET
			  connected=excluded.connected,
			  updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, accountID, connected, toMillis(s.now()))
	return err
}

// IsConnected reports the last recorded status of an account.
func (s *SQLiteStore) IsConnected(ctx context.Context, accountID string) (bool, error) {
	var connected bool
	err := s.db.QueryRowContext(ctx, `SELECT connected FROM connection_status WHERE account_id = ?`, accountID).Scan(&connected)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return connected, err
}

// helpers

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func joinSymbols(symbols []string) string {
	clean := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			clean = append(clean, sym)
		}
	}
	return strings.Join(clean, ",")
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
