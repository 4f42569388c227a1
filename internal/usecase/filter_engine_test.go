package usecase_test

import (
	"testing"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"github.com/vitos/trade_copy_bridge/internal/usecase"
)

func TestShouldCopy(t *testing.T) {
	filter := usecase.NewFilterEngine()

	tests := []struct {
		name   string
		symbol string
		copy   []string
		ignore []string
		want   bool
	}{
		{"No lists -> copy", "EURUSD", nil, nil, true},
		{"Denied", "EURUSD", nil, []string{"EURUSD"}, false},
		{"Allowed", "EURUSD", []string{"EURUSD", "GBPUSD"}, nil, true},
		{"Not in allow-list", "USDJPY", []string{"EURUSD"}, nil, false},
		{"Deny wins over allow", "EURUSD", []string{"EURUSD"}, []string{"EURUSD"}, false},
		{"Deny of other symbol", "GBPUSD", nil, []string{"EURUSD"}, true},
		{"Case-insensitive deny", "eurusd", nil, []string{"EURUSD"}, false},
		{"Case-insensitive allow", "EURUSD", []string{"eurusd"}, nil, true},
		{"Empty allow-list is open", "XAUUSD", []string{}, []string{"EURUSD"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &domain.CopyMapping{CopySymbols: tt.copy, IgnoreSymbols: tt.ignore}
			got := filter.ShouldCopy(tt.symbol, m)
			if got != tt.want {
				t.Errorf("ShouldCopy(%q) = %v, want %v", tt.symbol, got, tt.want)
			}
			// Deterministic
			if again := filter.ShouldCopy(tt.symbol, m); again != got {
				t.Errorf("ShouldCopy not deterministic for %q", tt.symbol)
			}
		})
	}
}
