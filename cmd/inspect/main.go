package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "bridge.db", "Path to the ledger")
	tradeID := flag.String("trade", "", "Master trade id whose copies to list")
	instructionID := flag.String("instruction", "", "Single instruction to show")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	stats, err := store.QueueStats(ctx)
	if err != nil {
		fmt.Printf("Failed to read queue stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Queue:")
	for _, s := range []domain.InstructionStatus{
		domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed, domain.StatusExpired,
	} {
		fmt.Printf("  %-10s %d\n", s, stats[s])
	}

	if *instructionID != "" {
		in, err := store.GetInstruction(ctx, *instructionID)
		if err != nil {
			fmt.Printf("Failed to load instruction: %v\n", err)
			os.Exit(1)
		}
		if in == nil {
			fmt.Printf("Instruction %s not found\n", *instructionID)
			os.Exit(1)
		}
		printInstruction(in)
	}

	if *tradeID != "" {
		list, err := store.ListInstructions(ctx, *tradeID)
		if err != nil {
			fmt.Printf("Failed to list instructions: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Found %d instructions for trade %s:\n", len(list), *tradeID)
		for _, in := range list {
			printInstruction(in)
		}
	}
}

func printInstruction(in *domain.CopyInstruction) {
	fmt.Printf("- %s %s %s %.2f -> %s [%s, attempts %d/%d]\n",
		in.ID, in.Action, in.Symbol, in.ScaledLotSize, in.TargetAccountID, in.Status, in.Attempts, in.MaxAttempts)
	if in.TargetTradeID != "" {
		fmt.Printf("  target ticket: %s\n", in.TargetTradeID)
	}
	if in.ResultTradeID != "" {
		fmt.Printf("  result ticket: %s @ %f (slippage %.1f, %d ms)\n", in.ResultTradeID, in.ExecutedPrice, in.SlippagePoints, in.LatencyMs)
	}
	if in.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", in.ErrorMessage)
	}
}
