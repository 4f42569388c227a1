package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vitos/trade_copy_bridge/internal/domain"
	"github.com/vitos/trade_copy_bridge/internal/usecase"
	"go.uber.org/zap"
)

type memRules struct {
	rules []*domain.ProtectionRule
	err   error
}

func (m *memRules) GetProtectionRules(ctx context.Context, userID string) ([]*domain.ProtectionRule, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*domain.ProtectionRule
	for _, r := range m.rules {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRules) SaveProtectionRule(ctx context.Context, r *domain.ProtectionRule) error {
	m.rules = append(m.rules, r)
	return nil
}

func TestProtectionGate(t *testing.T) {
	now := time.Now()
	mapping := &domain.CopyMapping{ID: "m1", UserID: "u1", MasterAccountID: "master", SlaveAccountID: "slave"}

	tests := []struct {
		name  string
		rules *memRules
		want  bool
	}{
		{"No rules", &memRules{}, false},
		{"Tripped user-wide rule", &memRules{rules: []*domain.ProtectionRule{
			{ID: "r1", UserID: "u1", RuleType: domain.RuleEquityDrawdown, IsActive: true, TriggeredAt: &now},
		}}, true},
		{"Tripped rule on slave", &memRules{rules: []*domain.ProtectionRule{
			{ID: "r1", UserID: "u1", ScopeAccountID: "slave", RuleType: domain.RuleDailyLoss, IsActive: true, TriggeredAt: &now},
		}}, true},
		{"Tripped rule on another account", &memRules{rules: []*domain.ProtectionRule{
			{ID: "r1", UserID: "u1", ScopeAccountID: "other", RuleType: domain.RuleDailyLoss, IsActive: true, TriggeredAt: &now},
		}}, false},
		{"Armed but not tripped", &memRules{rules: []*domain.ProtectionRule{
			{ID: "r1", UserID: "u1", RuleType: domain.RuleDailyLoss, IsActive: true},
		}}, false},
		{"Tripped but inactive", &memRules{rules: []*domain.ProtectionRule{
			{ID: "r1", UserID: "u1", RuleType: domain.RuleNewsProtection, IsActive: false, TriggeredAt: &now},
		}}, false},
		{"Other user's rule", &memRules{rules: []*domain.ProtectionRule{
			{ID: "r1", UserID: "u2", RuleType: domain.RuleEquityDrawdown, IsActive: true, TriggeredAt: &now},
		}}, false},
		{"Ledger unavailable fails closed", &memRules{err: errors.New("database is locked")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := usecase.NewProtectionGate(tt.rules, zap.NewNop())
			assert.Equal(t, tt.want, gate.IsBlocked(context.Background(), mapping))
		})
	}
}
