package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"genorder/internal/adapter/repo"
)

func main() {
	var (
		userFlag   string
		amountFlag int
		refFlag    string
	)

	flag.StringVar(&userFlag, "user", "", "user ID to credit")
	flag.IntVar(&amountFlag, "amount", 0, "credits to grant (0 prints the balance only)")
	flag.StringVar(&refFlag, "ref", "", "ledger reference for the grant (defaults to a fresh UUID)")
	flag.Parse()

	userID := strings.TrimSpace(userFlag)
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}
	if amountFlag < 0 {
		exitWithError(errors.New("-amount must not be negative"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		exitWithError(fmt.Errorf("failed to ensure schema: %w", err))
	}

	ledger := repo.NewCreditLedger(pool)

	if amountFlag > 0 {
		ref := strings.TrimSpace(refFlag)
		if ref == "" {
			ref = "grant-" + uuid.NewString()
		}
		txID, err := ledger.Grant(ctx, userID, amountFlag, ref)
		if err != nil {
			exitWithError(fmt.Errorf("failed to grant credits: %w", err))
		}
		fmt.Printf("granted %d credits to %s (transaction %s)\n", amountFlag, userID, txID)
	}

	balance, err := ledger.Balance(ctx, userID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to read balance: %w", err))
	}
	fmt.Printf("balance=%d\n", balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
