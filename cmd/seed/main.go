// Command seed creates the schema and demo accounts: Alice and Bob with
// 100000 USD each, plus 1 BTC and 10 ETH holdings. Re-running is safe; an
// existing user is left untouched.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spotx/exchange-engine/internal/auth"
	"github.com/spotx/exchange-engine/internal/config"
	"github.com/spotx/exchange-engine/internal/logging"
	"github.com/spotx/exchange-engine/internal/money"
	"github.com/spotx/exchange-engine/internal/store"
)

type seedUser struct {
	name     string
	email    string
	password string
	balance  string
	assets   map[string]string
}

var seedUsers = []seedUser{
	{
		name: "Alice", email: "alice@example.com", password: "password",
		balance: "100000",
		assets:  map[string]string{"BTC": "1", "ETH": "10"},
	},
	{
		name: "Bob", email: "bob@example.com", password: "password",
		balance: "100000",
		assets:  map[string]string{"BTC": "1", "ETH": "10"},
	},
}

func main() {
	cfg, err := config.Load(os.Getenv("SPOTX_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)

	if cfg.DatabaseURL == "" {
		logger.Error("database_url is required for seeding")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrate failed", "err", err)
		os.Exit(1)
	}
	logger.Info("schema up to date")

	for _, su := range seedUsers {
		if err := seedOne(ctx, st, su); err != nil {
			logger.Error("seed user failed", "email", su.email, "err", err)
			os.Exit(1)
		}
		logger.Info("seeded user", "email", su.email)
	}
}

func seedOne(ctx context.Context, st *store.PostgresStore, su seedUser) error {
	if _, err := st.GetUserByEmail(ctx, su.email); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hash, err := auth.HashPassword(su.password)
	if err != nil {
		return err
	}
	user, err := st.CreateUser(ctx, su.name, su.email, hash, money.MustParse(su.balance))
	if err != nil {
		return err
	}
	for symbol, amount := range su.assets {
		if err := st.UpsertAsset(ctx, user.ID, symbol, money.MustParse(amount)); err != nil {
			return err
		}
	}
	return nil
}
