package domain

type ScalingType string

const (
	ScalingFixed        ScalingType = "fixed"
	ScalingPercentage   ScalingType = "percentage"
	ScalingBalanceRatio ScalingType = "balance_ratio"
)

// CopyMapping is a master -> slave replication rule owned by a user.
// Read-only to the bridge.
type CopyMapping struct {
	ID                     string
	UserID                 string
	MasterAccountID        string
	SlaveAccountID         string
	ScalingType            ScalingType
	ScalingValue           float64
	CopySymbols            []string // allow-list, empty = all
	IgnoreSymbols          []string // deny-list, checked first
	MinLotSize             *float64
	MaxLotSize             *float64
	CopyStopLossTakeProfit bool
	IsActive               bool
}
