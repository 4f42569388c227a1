package domain

import "time"

type AccountType string

const (
	AccountTypeMaster AccountType = "master"
	AccountTypeSlave  AccountType = "slave"
)

// Account is a trading account known to the ledger.
type Account struct {
	ID            string
	UserID        string
	AccountNumber string
	PlatformCode  string // "mt4", "mt5", "ctrader", "simulated"
	Type          AccountType
	APIKeyHash    string
	Balance       float64
	CreatedAt     time.Time
}

// AccountContext is what a successful handshake hands back to the transport.
type AccountContext struct {
	AccountID     string
	UserID        string
	AccountNumber string
	PlatformCode  string
	Role          Role
}
