package usecase

import (
	"context"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

// ProtectionGate suspends copying for mappings covered by a tripped rule.
// Drawdown and P&L evaluation happen elsewhere; the gate only reads
// TriggeredAt.
type ProtectionGate struct {
	rules  domain.ProtectionRepository
	logger *zap.Logger
}

func NewProtectionGate(rules domain.ProtectionRepository, logger *zap.Logger) *ProtectionGate {
	return &ProtectionGate{rules: rules, logger: logger.Named("protection")}
}

// IsBlocked fails closed: when the rules cannot be read the mapping is
// treated as blocked.
func (g *ProtectionGate) IsBlocked(ctx context.Context, mapping *domain.CopyMapping) bool {
	rules, err := g.rules.GetProtectionRules(ctx, mapping.UserID)
	if err != nil {
		g.logger.Error("Failed to load protection rules, blocking mapping",
			zap.String("mapping_id", mapping.ID),
			zap.Error(err),
		)
		return true
	}
	for _, r := range rules {
		if r.Tripped() && r.AppliesTo(mapping) {
			g.logger.Info("Copy blocked by protection rule",
				zap.String("mapping_id", mapping.ID),
				zap.String("rule_id", r.ID),
				zap.String("rule_type", string(r.RuleType)),
			)
			return true
		}
	}
	return false
}
