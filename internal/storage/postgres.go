package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xZoluGames/RechargeSystem/internal/models"
)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
	// OpTimeout bounds each repository operation.
	OpTimeout time.Duration
}

// PostgresRepository is the shared-state driver used when several replicas
// serve recharges against one ledger. Reservation atomicity moves into the
// database: a single conditional UPDATE enforces the allowance.
type PostgresRepository struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
	now       func() time.Time
}

// NewPostgresRepository opens a pool and ensures the schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	repo := &PostgresRepository{pool: pool, opTimeout: opTimeout, now: time.Now}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS api_keys (
    key         TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    max_amount  BIGINT NOT NULL,
    used_amount BIGINT NOT NULL DEFAULT 0,
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    CONSTRAINT api_keys_used_within_allowance CHECK (used_amount >= 0 AND used_amount <= max_amount)
);

CREATE TABLE IF NOT EXISTS account_credentials (
    account_id   TEXT PRIMARY KEY,
    fingerprint  TEXT NOT NULL DEFAULT '',
    validated_at TIMESTAMPTZ,
    tokens       JSONB NOT NULL DEFAULT '{}'::jsonb,
    account_name TEXT NOT NULL DEFAULT '',
    saved_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recharge_history (
    id          TEXT PRIMARY KEY,
    key_prefix  TEXT NOT NULL,
    destination TEXT NOT NULL,
    amount      BIGINT NOT NULL,
    package_id  TEXT NOT NULL DEFAULT '',
    order_id    TEXT NOT NULL DEFAULT '',
    account_id  TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS recharge_history_created_idx ON recharge_history (created_at DESC);
`

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

const keyColumns = "key, description, max_amount, used_amount, active, created_at, expires_at"

func scanKey(row pgx.Row) (models.APIKey, error) {
	var record models.APIKey
	err := row.Scan(&record.Key, &record.Description, &record.MaxAmount, &record.UsedAmount,
		&record.Active, &record.CreatedAt, &record.ExpiresAt)
	return record, err
}

func (r *PostgresRepository) CreateKey(params CreateKeyParams) (models.APIKey, error) {
	if params.MaxAmount <= 0 {
		return models.APIKey{}, ErrInvalidAmount
	}
	validDays := params.ValidDays
	if validDays <= 0 {
		validDays = 30
	}
	key, err := generateKey()
	if err != nil {
		return models.APIKey{}, err
	}
	now := r.now()
	record := models.APIKey{
		Key:         key,
		Description: params.Description,
		MaxAmount:   params.MaxAmount,
		Active:      true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(validDays) * 24 * time.Hour),
	}

	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO api_keys (key, description, max_amount, used_amount, active, created_at, expires_at)
		 VALUES ($1, $2, $3, 0, TRUE, $4, $5)`,
		record.Key, record.Description, record.MaxAmount, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return models.APIKey{}, fmt.Errorf("create key: %w", err)
	}
	return record, nil
}

func (r *PostgresRepository) GetKey(key string) (models.APIKey, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	record, err := scanKey(r.pool.QueryRow(ctx,
		"SELECT "+keyColumns+" FROM api_keys WHERE key = $1", key))
	if err != nil {
		return models.APIKey{}, false
	}
	return record, true
}

func (r *PostgresRepository) ListKeys(includeInactive bool) []models.APIKey {
	ctx, cancel := r.opContext()
	defer cancel()
	query := "SELECT " + keyColumns + " FROM api_keys"
	if !includeInactive {
		query += " WHERE active"
	}
	query += " ORDER BY created_at DESC"
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var keys []models.APIKey
	for rows.Next() {
		record, err := scanKey(rows)
		if err != nil {
			return nil
		}
		keys = append(keys, record)
	}
	return keys
}

func (r *PostgresRepository) ReserveAmount(key string, amount int64) (models.APIKey, error) {
	if amount <= 0 {
		return models.APIKey{}, ErrInvalidAmount
	}
	ctx, cancel := r.opContext()
	defer cancel()
	record, err := scanKey(r.pool.QueryRow(ctx,
		`UPDATE api_keys
		 SET used_amount = used_amount + $2
		 WHERE key = $1 AND active AND expires_at > now() AND used_amount + $2 <= max_amount
		 RETURNING `+keyColumns, key, amount))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.APIKey{}, fmt.Errorf("reserve amount: %w", err)
	}
	// The conditional update matched nothing; inspect the key to report why.
	current, ok := r.GetKey(key)
	switch {
	case !ok:
		return models.APIKey{}, ErrKeyNotFound
	case !current.Active:
		return models.APIKey{}, ErrKeyInactive
	case current.ExpiredAt(r.now()):
		return models.APIKey{}, ErrKeyExpired
	default:
		return models.APIKey{}, fmt.Errorf("%w: %s available", ErrInsufficientBalance, models.FormatGuarani(current.Remaining()))
	}
}

func (r *PostgresRepository) ReleaseAmount(key string, amount int64) (models.APIKey, error) {
	if amount <= 0 {
		return models.APIKey{}, ErrInvalidAmount
	}
	ctx, cancel := r.opContext()
	defer cancel()
	record, err := scanKey(r.pool.QueryRow(ctx,
		`UPDATE api_keys
		 SET used_amount = GREATEST(used_amount - $2, 0)
		 WHERE key = $1
		 RETURNING `+keyColumns, key, amount))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.APIKey{}, ErrKeyNotFound
	}
	if err != nil {
		return models.APIKey{}, fmt.Errorf("release amount: %w", err)
	}
	return record, nil
}

func (r *PostgresRepository) DeactivateKey(key string) (models.APIKey, error) {
	return r.setKeyActive(key, false)
}

func (r *PostgresRepository) ActivateKey(key string) (models.APIKey, error) {
	return r.setKeyActive(key, true)
}

func (r *PostgresRepository) setKeyActive(key string, active bool) (models.APIKey, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	record, err := scanKey(r.pool.QueryRow(ctx,
		"UPDATE api_keys SET active = $2 WHERE key = $1 RETURNING "+keyColumns, key, active))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.APIKey{}, ErrKeyNotFound
	}
	if err != nil {
		return models.APIKey{}, fmt.Errorf("set key active: %w", err)
	}
	return record, nil
}

func (r *PostgresRepository) ModifyKey(key string, update KeyUpdate) (models.APIKey, error) {
	if update.MaxAmount != nil && *update.MaxAmount <= 0 {
		return models.APIKey{}, ErrInvalidAmount
	}
	ctx, cancel := r.opContext()
	defer cancel()

	var expiresAt *time.Time
	if update.ValidDays != nil && *update.ValidDays > 0 {
		expiry := r.now().Add(time.Duration(*update.ValidDays) * 24 * time.Hour)
		expiresAt = &expiry
	}
	record, err := scanKey(r.pool.QueryRow(ctx,
		`UPDATE api_keys
		 SET max_amount  = COALESCE($2, max_amount),
		     used_amount = LEAST(GREATEST(COALESCE($3, used_amount), 0), COALESCE($2, max_amount)),
		     expires_at  = COALESCE($4, expires_at),
		     description = COALESCE($5, description)
		 WHERE key = $1
		 RETURNING `+keyColumns,
		key, update.MaxAmount, update.UsedAmount, expiresAt, update.Description))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.APIKey{}, ErrKeyNotFound
	}
	if err != nil {
		return models.APIKey{}, fmt.Errorf("modify key: %w", err)
	}
	return record, nil
}

func (r *PostgresRepository) Stats() KeyStats {
	ctx, cancel := r.opContext()
	defer cancel()
	var stats KeyStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE active AND expires_at > now()),
		        COUNT(*) FILTER (WHERE expires_at <= now()),
		        COALESCE(SUM(max_amount), 0),
		        COALESCE(SUM(used_amount), 0),
		        COALESCE(SUM(max_amount - used_amount), 0)
		 FROM api_keys`).Scan(
		&stats.Total, &stats.Active, &stats.Expired,
		&stats.TotalAllocated, &stats.TotalUsed, &stats.TotalRemaining)
	if err != nil {
		return KeyStats{}
	}
	return stats
}

func (r *PostgresRepository) SaveCredentials(creds AccountCredentials) error {
	tokens, err := json.Marshal(creds.Tokens)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	var validatedAt *time.Time
	if !creds.ValidatedAt.IsZero() {
		validatedAt = &creds.ValidatedAt
	}
	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO account_credentials (account_id, fingerprint, validated_at, tokens, account_name, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id) DO UPDATE SET
		     fingerprint = EXCLUDED.fingerprint,
		     validated_at = EXCLUDED.validated_at,
		     tokens = EXCLUDED.tokens,
		     account_name = EXCLUDED.account_name,
		     saved_at = EXCLUDED.saved_at`,
		creds.AccountID, creds.Fingerprint, validatedAt, tokens, creds.AccountName, r.now())
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCredentials(accountID string) (AccountCredentials, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	var (
		creds       AccountCredentials
		validatedAt *time.Time
		tokens      []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT account_id, fingerprint, validated_at, tokens, account_name, saved_at
		 FROM account_credentials WHERE account_id = $1`, accountID).
		Scan(&creds.AccountID, &creds.Fingerprint, &validatedAt, &tokens, &creds.AccountName, &creds.SavedAt)
	if err != nil {
		return AccountCredentials{}, false
	}
	if validatedAt != nil {
		creds.ValidatedAt = *validatedAt
	}
	if len(tokens) > 0 {
		if err := json.Unmarshal(tokens, &creds.Tokens); err != nil {
			return AccountCredentials{}, false
		}
	}
	return creds, true
}

func (r *PostgresRepository) ClearFingerprint(accountID string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`UPDATE account_credentials SET fingerprint = '', validated_at = NULL WHERE account_id = $1`,
		accountID)
	if err != nil {
		return fmt.Errorf("clear fingerprint: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ClearTokens(accountID string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`UPDATE account_credentials SET tokens = '{}'::jsonb WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendHistory(record models.RechargeRecord) (models.RechargeRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}
	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO recharge_history (id, key_prefix, destination, amount, package_id, order_id, account_id, status, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID, record.KeyPrefix, record.Destination, record.Amount, record.PackageID,
		record.OrderID, record.AccountID, string(record.Status), record.Detail, record.CreatedAt)
	if err != nil {
		return models.RechargeRecord{}, fmt.Errorf("append history: %w", err)
	}
	return record, nil
}

func (r *PostgresRepository) ListHistory(filter HistoryFilter) []models.RechargeRecord {
	ctx, cancel := r.opContext()
	defer cancel()

	query := `SELECT id, key_prefix, destination, amount, package_id, order_id, account_id, status, detail, created_at
	          FROM recharge_history`
	var (
		clauses []string
		args    []interface{}
	)
	if filter.KeyPrefix != "" {
		args = append(args, filter.KeyPrefix)
		clauses = append(clauses, fmt.Sprintf("key_prefix = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var records []models.RechargeRecord
	for rows.Next() {
		var (
			record models.RechargeRecord
			status string
		)
		if err := rows.Scan(&record.ID, &record.KeyPrefix, &record.Destination, &record.Amount,
			&record.PackageID, &record.OrderID, &record.AccountID, &status, &record.Detail, &record.CreatedAt); err != nil {
			return nil
		}
		record.Status = models.RechargeStatus(status)
		records = append(records, record)
	}
	return records
}

func (r *PostgresRepository) HistoryTotals() HistoryStats {
	ctx, cancel := r.opContext()
	defer cancel()
	var stats HistoryStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'success'),
		        COUNT(*) FILTER (WHERE status NOT IN ('success', 'refunded')),
		        COUNT(*) FILTER (WHERE status = 'refunded'),
		        COALESCE(SUM(amount) FILTER (WHERE status = 'success'), 0)
		 FROM recharge_history`).Scan(
		&stats.Total, &stats.Succeeded, &stats.Failed, &stats.Refunded, &stats.TotalAmount)
	if err != nil {
		return HistoryStats{}
	}
	return stats
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

var _ Repository = (*PostgresRepository)(nil)
