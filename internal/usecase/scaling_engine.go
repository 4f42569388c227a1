package usecase

import (
	"math"

	"github.com/vitos/trade_copy_bridge/internal/domain"
)

type ScalingEngine struct{}

func NewScalingEngine() *ScalingEngine {
	return &ScalingEngine{}
}

// ScaleLot converts a master lot into the slave lot for mapping, clamps it to
// the mapping bounds and rounds to 2 decimals, half away from zero.
func (e *ScalingEngine) ScaleLot(originalLot float64, mapping *domain.CopyMapping) float64 {
	var result float64
	switch mapping.ScalingType {
	case domain.ScalingFixed:
		result = mapping.ScalingValue
	case domain.ScalingPercentage:
		result = originalLot * (mapping.ScalingValue / 100)
	case domain.ScalingBalanceRatio:
		// Approximation: live balances are not consulted.
		result = originalLot * mapping.ScalingValue
	default:
		result = originalLot
	}

	if mapping.MinLotSize != nil && result < *mapping.MinLotSize {
		result = *mapping.MinLotSize
	}
	if mapping.MaxLotSize != nil && result > *mapping.MaxLotSize {
		result = *mapping.MaxLotSize
	}

	// Bounds with more than 2 decimals must not be overshot by rounding.
	rounded := roundLot(result)
	if mapping.MaxLotSize != nil && rounded > *mapping.MaxLotSize {
		rounded = math.Floor(*mapping.MaxLotSize*100+1e-9) / 100
	}
	if mapping.MinLotSize != nil && rounded < *mapping.MinLotSize {
		rounded = math.Ceil(*mapping.MinLotSize*100-1e-9) / 100
	}
	return rounded
}

// roundLot rounds to 2 decimals. x*100 is first snapped to 1e-4 so that
// values like 1.005, stored as 1.00499999..., still round up.
func roundLot(x float64) float64 {
	cents := math.Round(x*100*1e4) / 1e4
	return math.Round(cents) / 100
}
