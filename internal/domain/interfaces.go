package domain

import (
	"context"
	"time"
)

// AccountRepository resolves accounts for the handshake.
type AccountRepository interface {
	GetAccountByNumber(ctx context.Context, accountNumber string) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	SaveAccount(ctx context.Context, account *Account) error
}

// MappingRepository reads copy mappings.
type MappingRepository interface {
	GetActiveMappings(ctx context.Context, masterAccountID string) ([]*CopyMapping, error)
	SaveMapping(ctx context.Context, mapping *CopyMapping) error
}

// TradeRepository persists master trades. UpsertTrade is idempotent by
// (AccountID, PlatformTradeID); created is false when the row already existed.
type TradeRepository interface {
	UpsertTrade(ctx context.Context, trade *MasterTrade) (stored *MasterTrade, created bool, err error)
}

// InstructionRepository is the durable execution queue store.
type InstructionRepository interface {
	// EnqueueInstruction inserts with status pending, attempts 0, scheduledAt now.
	// Returns ErrDuplicate when an equivalent open/close already exists.
	EnqueueInstruction(ctx context.Context, in *CopyInstruction) (string, error)
	// ClaimNextBatch atomically moves up to n due pending rows to processing.
	ClaimNextBatch(ctx context.Context, n int, now time.Time) ([]*CopyInstruction, error)
	// UpdateInstructionStatus transitions a processing row. It never touches
	// terminal rows.
	UpdateInstructionStatus(ctx context.Context, id string, status InstructionStatus, u StatusUpdate) error
	GetInstruction(ctx context.Context, id string) (*CopyInstruction, error)
	GetCompletedCopies(ctx context.Context, mappingID, masterTradeID string) ([]*CopyInstruction, error)
	ExpirePending(ctx context.Context, createdBefore time.Time) (int, error)
	// RecoverStale releases processing rows claimed before the cutoff.
	RecoverStale(ctx context.Context, claimedBefore time.Time) (int, error)
	RescheduleForAccount(ctx context.Context, accountID string, at time.Time) (int, error)
	QueueStats(ctx context.Context) (map[InstructionStatus]int, error)
}

// ProtectionRepository reads protection rules.
type ProtectionRepository interface {
	GetProtectionRules(ctx context.Context, userID string) ([]*ProtectionRule, error)
	SaveProtectionRule(ctx context.Context, rule *ProtectionRule) error
}

// ConnectionStatusRepository records whether an account's EA is online.
type ConnectionStatusRepository interface {
	RecordConnectionStatus(ctx context.Context, accountID string, connected bool) error
}

// Ledger is the durable store for everything the bridge reads or writes.
type Ledger interface {
	AccountRepository
	MappingRepository
	TradeRepository
	InstructionRepository
	ProtectionRepository
	ConnectionStatusRepository
}

// ExecutionAdapter applies an instruction on a trading platform. It must
// honour ctx cancellation.
type ExecutionAdapter interface {
	Execute(ctx context.Context, in *CopyInstruction) (*ExecutionResult, error)
	Platform() string
}

// AdapterResolver picks the adapter for a platform code.
type AdapterResolver interface {
	Resolve(platformCode string) (ExecutionAdapter, error)
}

// CredentialVerifier checks an api key against the stored credential.
type CredentialVerifier interface {
	Verify(ctx context.Context, account *Account, apiKey string) error
}

// ExecutionReporter receives terminal instruction transitions.
type ExecutionReporter interface {
	Report(ctx context.Context, in *CopyInstruction) error
	Close() error
}
