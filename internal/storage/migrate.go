package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

// Snapshot is a portable copy of everything the JSON store persists, used to
// migrate a single-replica deployment onto Postgres.
type Snapshot struct {
	Keys        []models.APIKey
	Credentials []AccountCredentials
	History     []models.RechargeRecord
}

// SnapshotCounts summarises a snapshot for logging and verification.
type SnapshotCounts struct {
	Keys        int
	Credentials int
	History     int
}

// Counts reports how many rows of each kind the snapshot carries.
func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Keys:        len(s.Keys),
		Credentials: len(s.Credentials),
		History:     len(s.History),
	}
}

// LoadSnapshotFromJSON reads a JSON store file without going through Store,
// so expired and deactivated keys migrate unchanged.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("decode store file: %w", err)
	}

	snapshot := Snapshot{History: append([]models.RechargeRecord(nil), data.History...)}
	for _, key := range data.Keys {
		snapshot.Keys = append(snapshot.Keys, key)
	}
	for _, creds := range data.Credentials {
		snapshot.Credentials = append(snapshot.Credentials, creds)
	}
	sort.Slice(snapshot.Keys, func(i, j int) bool { return snapshot.Keys[i].Key < snapshot.Keys[j].Key })
	sort.Slice(snapshot.Credentials, func(i, j int) bool {
		return snapshot.Credentials[i].AccountID < snapshot.Credentials[j].AccountID
	})
	return snapshot, nil
}

// ImportSnapshot upserts a snapshot into Postgres. Rows that already exist
// are overwritten, so the migration can be re-run safely.
func (r *PostgresRepository) ImportSnapshot(ctx context.Context, snapshot Snapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, key := range snapshot.Keys {
		_, err := tx.Exec(ctx,
			`INSERT INTO api_keys (key, description, max_amount, used_amount, active, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (key) DO UPDATE SET
			     description = EXCLUDED.description,
			     max_amount = EXCLUDED.max_amount,
			     used_amount = EXCLUDED.used_amount,
			     active = EXCLUDED.active,
			     created_at = EXCLUDED.created_at,
			     expires_at = EXCLUDED.expires_at`,
			key.Key, key.Description, key.MaxAmount, key.UsedAmount, key.Active, key.CreatedAt, key.ExpiresAt)
		if err != nil {
			return fmt.Errorf("import key %s: %w", models.TruncateKey(key.Key), err)
		}
	}

	for _, creds := range snapshot.Credentials {
		tokens, err := json.Marshal(creds.Tokens)
		if err != nil {
			return fmt.Errorf("encode tokens for %s: %w", creds.AccountID, err)
		}
		var validatedAt *time.Time
		if !creds.ValidatedAt.IsZero() {
			validatedAt = &creds.ValidatedAt
		}
		savedAt := creds.SavedAt
		if savedAt.IsZero() {
			savedAt = r.now()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO account_credentials (account_id, fingerprint, validated_at, tokens, account_name, saved_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (account_id) DO UPDATE SET
			     fingerprint = EXCLUDED.fingerprint,
			     validated_at = EXCLUDED.validated_at,
			     tokens = EXCLUDED.tokens,
			     account_name = EXCLUDED.account_name,
			     saved_at = EXCLUDED.saved_at`,
			creds.AccountID, creds.Fingerprint, validatedAt, tokens, creds.AccountName, savedAt)
		if err != nil {
			return fmt.Errorf("import credentials for %s: %w", creds.AccountID, err)
		}
	}

	for _, record := range snapshot.History {
		_, err := tx.Exec(ctx,
			`INSERT INTO recharge_history (id, key_prefix, destination, amount, package_id, order_id, account_id, status, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			record.ID, record.KeyPrefix, record.Destination, record.Amount, record.PackageID,
			record.OrderID, record.AccountID, string(record.Status), record.Detail, record.CreatedAt)
		if err != nil {
			return fmt.Errorf("import history record %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

// VerifyCounts compares the migrated row counts against the snapshot.
func (r *PostgresRepository) VerifyCounts(ctx context.Context, counts SnapshotCounts) error {
	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"api_keys", "SELECT COUNT(*) FROM api_keys", counts.Keys},
		{"account_credentials", "SELECT COUNT(*) FROM account_credentials", counts.Credentials},
		{"recharge_history", "SELECT COUNT(*) FROM recharge_history", counts.History},
	}
	for _, check := range checks {
		var actual int
		if err := r.pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
