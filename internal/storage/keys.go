package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

// CreateKeyParams captures the attributes that can be set when minting a key.
type CreateKeyParams struct {
	MaxAmount   int64
	ValidDays   int
	Description string
}

// KeyUpdate carries optional modifications to an existing key. Nil fields are
// left untouched.
type KeyUpdate struct {
	MaxAmount   *int64
	UsedAmount  *int64
	ValidDays   *int
	Description *string
}

// KeyStats summarises the ledger for the admin status surface.
type KeyStats struct {
	Total          int   `json:"total"`
	Active         int   `json:"active"`
	Expired        int   `json:"expired"`
	TotalAllocated int64 `json:"totalAllocated"`
	TotalUsed      int64 `json:"totalUsed"`
	TotalRemaining int64 `json:"totalRemaining"`
}

// CreateKey mints a new spending key.
func (s *Store) CreateKey(params CreateKeyParams) (models.APIKey, error) {
	if params.MaxAmount <= 0 {
		return models.APIKey{}, ErrInvalidAmount
	}
	validDays := params.ValidDays
	if validDays <= 0 {
		validDays = 30
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := generateKey()
	if err != nil {
		return models.APIKey{}, err
	}
	for s.data.Keys[key].Key != "" {
		if key, err = generateKey(); err != nil {
			return models.APIKey{}, err
		}
	}

	now := s.now()
	record := models.APIKey{
		Key:         key,
		Description: params.Description,
		MaxAmount:   params.MaxAmount,
		Active:      true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(validDays) * 24 * time.Hour),
	}

	updated := cloneDataset(s.data)
	updated.Keys[key] = record
	if err := s.persistDataset(updated); err != nil {
		return models.APIKey{}, err
	}
	s.data = updated
	return record, nil
}

// GetKey looks up a key by its full value.
func (s *Store) GetKey(key string) (models.APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.Keys[key]
	return record, ok
}

// ListKeys returns all keys, newest first. Inactive keys are included only
// when requested.
func (s *Store) ListKeys(includeInactive bool) []models.APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]models.APIKey, 0, len(s.data.Keys))
	for _, record := range s.data.Keys {
		if !includeInactive && !record.Active {
			continue
		}
		keys = append(keys, record)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys
}

// ReserveAmount atomically charges amount against the key's allowance. The
// whole check-and-increment happens under the write lock, so concurrent
// reservations can never push usage past the maximum.
func (s *Store) ReserveAmount(key string, amount int64) (models.APIKey, error) {
	if amount <= 0 {
		return models.APIKey{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Keys[key]
	if !ok {
		return models.APIKey{}, ErrKeyNotFound
	}
	if !record.Active {
		return models.APIKey{}, ErrKeyInactive
	}
	if record.ExpiredAt(s.now()) {
		return models.APIKey{}, ErrKeyExpired
	}
	if record.UsedAmount+amount > record.MaxAmount {
		return models.APIKey{}, fmt.Errorf("%w: %s available", ErrInsufficientBalance, models.FormatGuarani(record.Remaining()))
	}

	record.UsedAmount += amount
	updated := cloneDataset(s.data)
	updated.Keys[key] = record
	if err := s.persistDataset(updated); err != nil {
		return models.APIKey{}, err
	}
	s.data = updated
	return record, nil
}

// ReleaseAmount refunds a prior reservation, for recharges that did not land.
// Usage never drops below zero.
func (s *Store) ReleaseAmount(key string, amount int64) (models.APIKey, error) {
	if amount <= 0 {
		return models.APIKey{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Keys[key]
	if !ok {
		return models.APIKey{}, ErrKeyNotFound
	}
	record.UsedAmount -= amount
	if record.UsedAmount < 0 {
		record.UsedAmount = 0
	}

	updated := cloneDataset(s.data)
	updated.Keys[key] = record
	if err := s.persistDataset(updated); err != nil {
		return models.APIKey{}, err
	}
	s.data = updated
	return record, nil
}

// DeactivateKey disables a key. Existing reservations are untouched.
func (s *Store) DeactivateKey(key string) (models.APIKey, error) {
	return s.setKeyActive(key, false)
}

// ActivateKey re-enables a previously deactivated key.
func (s *Store) ActivateKey(key string) (models.APIKey, error) {
	return s.setKeyActive(key, true)
}

func (s *Store) setKeyActive(key string, active bool) (models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Keys[key]
	if !ok {
		return models.APIKey{}, ErrKeyNotFound
	}
	record.Active = active

	updated := cloneDataset(s.data)
	updated.Keys[key] = record
	if err := s.persistDataset(updated); err != nil {
		return models.APIKey{}, err
	}
	s.data = updated
	return record, nil
}

// ModifyKey applies an update to a key. Used amount is clamped into the
// allowance and a validity change extends from now.
func (s *Store) ModifyKey(key string, update KeyUpdate) (models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Keys[key]
	if !ok {
		return models.APIKey{}, ErrKeyNotFound
	}
	if update.MaxAmount != nil {
		if *update.MaxAmount <= 0 {
			return models.APIKey{}, ErrInvalidAmount
		}
		record.MaxAmount = *update.MaxAmount
	}
	if update.UsedAmount != nil {
		used := *update.UsedAmount
		if used < 0 {
			used = 0
		}
		if used > record.MaxAmount {
			used = record.MaxAmount
		}
		record.UsedAmount = used
	}
	if record.UsedAmount > record.MaxAmount {
		record.UsedAmount = record.MaxAmount
	}
	if update.ValidDays != nil && *update.ValidDays > 0 {
		record.ExpiresAt = s.now().Add(time.Duration(*update.ValidDays) * 24 * time.Hour)
	}
	if update.Description != nil {
		record.Description = *update.Description
	}

	updated := cloneDataset(s.data)
	updated.Keys[key] = record
	if err := s.persistDataset(updated); err != nil {
		return models.APIKey{}, err
	}
	s.data = updated
	return record, nil
}

// Stats summarises the ledger.
func (s *Store) Stats() KeyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := KeyStats{}
	now := s.now()
	for _, record := range s.data.Keys {
		stats.Total++
		if record.ExpiredAt(now) {
			stats.Expired++
		} else if record.Active {
			stats.Active++
		}
		stats.TotalAllocated += record.MaxAmount
		stats.TotalUsed += record.UsedAmount
		stats.TotalRemaining += record.Remaining()
	}
	return stats
}
