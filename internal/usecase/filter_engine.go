package usecase

import (
	"strings"

	"github.com/vitos/trade_copy_bridge/internal/domain"
)

type FilterEngine struct{}

func NewFilterEngine() *FilterEngine {
	return &FilterEngine{}
}

// ShouldCopy applies the mapping's deny-list, then its allow-list. Symbols
// compare case-insensitively.
func (f *FilterEngine) ShouldCopy(symbol string, mapping *domain.CopyMapping) bool {
	symbol = strings.TrimSpace(symbol)
	if containsSymbol(mapping.IgnoreSymbols, symbol) {
		return false
	}
	if len(mapping.CopySymbols) > 0 && !containsSymbol(mapping.CopySymbols, symbol) {
		return false
	}
	return true
}

func containsSymbol(list []string, symbol string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), symbol) {
			return true
		}
	}
	return false
}
