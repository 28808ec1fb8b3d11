// Command bootstrap-admin prepares the credentials a fresh deployment needs:
// the admin password hash for the environment and, optionally, a first
// spending key in the datastore.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

func main() {
	var (
		password    string
		jsonPath    string
		postgresDSN string
		maxAmount   int64
		validDays   int
		description string
	)

	flag.StringVar(&password, "password", "", "Admin password to hash")
	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json) for seeding a key")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string for seeding a key")
	flag.Int64Var(&maxAmount, "key-max-amount", 0, "Allowance in guaranies for the seeded key (0 skips seeding)")
	flag.IntVar(&validDays, "key-valid-days", 0, "Validity in days for the seeded key")
	flag.StringVar(&description, "key-description", "bootstrap", "Description for the seeded key")
	flag.Parse()

	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if maxAmount > 0 && jsonPath == "" && postgresDSN == "" {
		fatalf("seeding a key requires --json or --postgres-dsn")
	}

	hash, err := storage.HashAdminPassword(password)
	if err != nil {
		fatalf("hash password: %v", err)
	}
	fmt.Printf("RECHARGE_ADMIN_PASSWORD_HASH=%s\n", hash)

	if maxAmount <= 0 {
		return
	}

	repo, closeRepo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepo()

	key, err := repo.CreateKey(storage.CreateKeyParams{
		MaxAmount:   maxAmount,
		ValidDays:   validDays,
		Description: strings.TrimSpace(description),
	})
	if err != nil {
		fatalf("create key: %v", err)
	}
	fmt.Printf("Seeded key %s with allowance %s, valid until %s.\n",
		key.Key, models.FormatGuarani(key.MaxAmount), key.ExpiresAt.Format(time.RFC3339))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, func(), error) {
	if jsonPath != "" {
		store, err := storage.NewStore(jsonPath)
		return store, func() {}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: postgresDSN})
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
