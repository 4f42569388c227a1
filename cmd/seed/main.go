package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/auth"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/storage"
)

// seed creates a demo master/slave pair and a mapping between them.
func main() {
	dbPath := flag.String("db", "bridge.db", "sqlite database path")
	userID := flag.String("user", "demo-user", "owner of the accounts")
	masterNumber := flag.String("master", "100001", "master account number")
	slaveNumber := flag.String("slave", "200001", "slave account number")
	platform := flag.String("platform", "simulated", "platform code of the slave")
	apiKey := flag.String("api-key", "demo-key", "api key for both EAs")
	scaling := flag.String("scaling", string(domain.ScalingPercentage), "fixed | percentage | balance_ratio")
	value := flag.Float64("value", 50, "scaling value")
	maxLot := flag.Float64("max-lot", 0, "max lot size, 0 = unbounded")
	flag.Parse()

	ctx := context.Background()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	hash, err := auth.HashAPIKey(*apiKey)
	if err != nil {
		fmt.Printf("Failed to hash api key: %v\n", err)
		os.Exit(1)
	}

	master := &domain.Account{
		UserID:        *userID,
		AccountNumber: *masterNumber,
		PlatformCode:  "mt5",
		Type:          domain.AccountTypeMaster,
		APIKeyHash:    hash,
	}
	slave := &domain.Account{
		UserID:        *userID,
		AccountNumber: *slaveNumber,
		PlatformCode:  *platform,
		Type:          domain.AccountTypeSlave,
		APIKeyHash:    hash,
	}
	for _, a := range []*domain.Account{master, slave} {
		if existing, err := store.GetAccountByNumber(ctx, a.AccountNumber); err == nil && existing != nil {
			a.ID = existing.ID
		}
		if err := store.SaveAccount(ctx, a); err != nil {
			fmt.Printf("Failed to save account %s: %v\n", a.AccountNumber, err)
			os.Exit(1)
		}
		fmt.Printf("Account %s (%s) -> %s\n", a.AccountNumber, a.Type, a.ID)
	}

	mapping := &domain.CopyMapping{
		UserID:                 *userID,
		MasterAccountID:        master.ID,
		SlaveAccountID:         slave.ID,
		ScalingType:            domain.ScalingType(*scaling),
		ScalingValue:           *value,
		CopyStopLossTakeProfit: true,
		IsActive:               true,
	}
	if *maxLot > 0 {
		mapping.MaxLotSize = maxLot
	}
	if err := store.SaveMapping(ctx, mapping); err != nil {
		fmt.Printf("Failed to save mapping: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Mapping %s: %s x%.2f\n", mapping.ID, mapping.ScalingType, mapping.ScalingValue)
}
