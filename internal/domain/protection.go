package domain

import "time"

type ProtectionRuleType string

const (
	RuleEquityDrawdown  ProtectionRuleType = "equity_drawdown"
	RuleDailyLoss       ProtectionRuleType = "daily_loss"
	RuleNewsProtection  ProtectionRuleType = "news_protection"
	RuleTimeRestriction ProtectionRuleType = "time_restriction"
)

// ProtectionRule suspends copying for its scope once TriggeredAt is set.
// TriggeredAt is written by the analytics side and cleared manually.
type ProtectionRule struct {
	ID                  string
	UserID              string
	ScopeAccountID      string // empty = every mapping of the user
	RuleType            ProtectionRuleType
	ThresholdValue      *float64
	ThresholdPercentage *float64
	IsActive            bool
	TriggeredAt         *time.Time
}

// AppliesTo reports whether the rule covers a mapping.
func (r *ProtectionRule) AppliesTo(m *CopyMapping) bool {
	if r.UserID != "" && m.UserID != "" && r.UserID != m.UserID {
		return false
	}
	if r.ScopeAccountID == "" {
		return true
	}
	return r.ScopeAccountID == m.MasterAccountID || r.ScopeAccountID == m.SlaveAccountID
}

// Tripped reports whether the rule currently blocks copying.
func (r *ProtectionRule) Tripped() bool {
	return r.IsActive && r.TriggeredAt != nil
}
