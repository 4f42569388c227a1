package domain

import (
	"math"
	"time"
)

type Action string

const (
	ActionOpen   Action = "open"
	ActionClose  Action = "close"
	ActionModify Action = "modify"
)

// Priority tiers, lower is more urgent.
const (
	PriorityOpen   = 1
	PriorityClose  = 2
	PriorityModify = 3
)

type InstructionStatus string

const (
	StatusPending    InstructionStatus = "pending"
	StatusProcessing InstructionStatus = "processing"
	StatusCompleted  InstructionStatus = "completed"
	StatusFailed     InstructionStatus = "failed"
	StatusExpired    InstructionStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s InstructionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// CopyInstruction is one unit of work for the execution queue.
type CopyInstruction struct {
	ID              string
	MappingID       string
	MasterTradeID   string
	SourceAccountID string
	TargetAccountID string
	Action          Action
	Symbol          string
	TradeType       TradeType
	ScaledLotSize   float64
	StopLoss        *float64
	TakeProfit      *float64
	// TargetTradeID is the slave-side ticket a close/modify applies to.
	TargetTradeID string
	Priority      int
	CreatedAt     time.Time
	Status        InstructionStatus
	Attempts      int
	MaxAttempts   int
	ScheduledAt   time.Time
	ErrorMessage  string

	// Filled on completion.
	ResultTradeID  string
	ExecutedPrice  float64
	SlippagePoints float64
	LatencyMs      int64
	CompletedAt    *time.Time
}

// ExecutionResult is what an ExecutionAdapter reports back.
type ExecutionResult struct {
	Success         bool
	PlatformTradeID string
	ActualPrice     float64
	SlippagePoints  float64
	ErrorMessage    string
}

// StatusUpdate carries the fields a worker writes alongside a transition.
type StatusUpdate struct {
	Attempts       int
	ScheduledAt    time.Time
	ErrorMessage   string
	ResultTradeID  string
	ExecutedPrice  float64
	SlippagePoints float64
	LatencyMs      int64
}

// Backoff returns the retry delay after the n-th failed attempt: 2^(n-1) seconds.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30
	}
	return time.Duration(math.Pow(2, float64(n-1))) * time.Second
}
