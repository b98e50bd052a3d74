package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/arxet/exchange/internal/config"
	"github.com/arxet/exchange/internal/db"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// Seed the database with development data: two traders, BTC/USD and
// ETH/USD books, and funded wallets on both sides so orders can be placed
// immediately.
func main() {
	ctx := context.Background()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// First check if we already have trades
	trades, err := database.GetAllTrades(ctx)
	if err != nil {
		log.Fatalf("Failed to check trades: %v", err)
	}
	if len(trades) > 0 {
		fmt.Printf("Database already has %d trades. No need to seed.\n", len(trades))
		os.Exit(0)
	}

	// Currencies and order books
	btc, err := database.CreateCurrency(ctx, "BTC", "Bitcoin")
	if err != nil {
		log.Fatalf("Failed to create BTC: %v", err)
	}
	eth, err := database.CreateCurrency(ctx, "ETH", "Ethereum")
	if err != nil {
		log.Fatalf("Failed to create ETH: %v", err)
	}
	usd, err := database.CreateCurrency(ctx, "USD", "US Dollar")
	if err != nil {
		log.Fatalf("Failed to create USD: %v", err)
	}

	if _, err := database.CreateAssetPair(ctx, btc.ID, usd.ID); err != nil {
		log.Fatalf("Failed to create BTC/USD: %v", err)
	}
	if _, err := database.CreateAssetPair(ctx, eth.ID, usd.ID); err != nil {
		log.Fatalf("Failed to create ETH/USD: %v", err)
	}

	// Test users
	userIDs := make(map[string]int)
	for _, username := range []string{"trader1", "trader2"} {
		var id int
		err := database.Pool.QueryRow(ctx, "SELECT id FROM users WHERE username = $1", username).Scan(&id)
		if err != nil {
			hash, herr := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
			if herr != nil {
				log.Fatalf("Failed to hash password: %v", herr)
			}
			user, cerr := database.CreateUser(ctx, username, string(hash))
			if cerr != nil {
				log.Fatalf("Failed to create %s: %v", username, cerr)
			}
			id = user.ID
		}
		userIDs[username] = id
	}

	// Fund both sides of both books
	deposits := []struct {
		user     string
		currency int
		amount   string
	}{
		{"trader1", usd.ID, "100000"},
		{"trader1", btc.ID, "10"},
		{"trader2", usd.ID, "100000"},
		{"trader2", eth.ID, "200"},
	}
	for _, d := range deposits {
		amount, err := decimal.NewFromString(d.amount)
		if err != nil {
			log.Fatalf("Bad amount %q: %v", d.amount, err)
		}
		if _, err := database.Deposit(ctx, userIDs[d.user], d.currency, amount); err != nil {
			log.Fatalf("Failed to fund %s: %v", d.user, err)
		}
	}

	fmt.Println("Seeded users trader1/trader2 (password 'password'), BTC/USD and ETH/USD books, funded wallets.")
}
