package storage

import (
	"context"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

// Repository exposes the datastore operations required by the API handlers,
// the session layer, and the recharge orchestrator. The JSON store serves
// single-replica deployments; the Postgres repository serves shared ones.
type Repository interface {
	CreateKey(params CreateKeyParams) (models.APIKey, error)
	GetKey(key string) (models.APIKey, bool)
	ListKeys(includeInactive bool) []models.APIKey
	ReserveAmount(key string, amount int64) (models.APIKey, error)
	ReleaseAmount(key string, amount int64) (models.APIKey, error)
	DeactivateKey(key string) (models.APIKey, error)
	ActivateKey(key string) (models.APIKey, error)
	ModifyKey(key string, update KeyUpdate) (models.APIKey, error)
	Stats() KeyStats

	SaveCredentials(creds AccountCredentials) error
	GetCredentials(accountID string) (AccountCredentials, bool)
	ClearFingerprint(accountID string) error
	ClearTokens(accountID string) error

	AppendHistory(record models.RechargeRecord) (models.RechargeRecord, error)
	ListHistory(filter HistoryFilter) []models.RechargeRecord
	HistoryTotals() HistoryStats

	Ping(ctx context.Context) error
}

var _ Repository = (*Store)(nil)

// Ping reports datastore health. The JSON store is always reachable once
// opened.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}
