package storage

import (
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

// SaveCredentials persists the fingerprint and token set for an account.
func (s *Store) SaveCredentials(creds AccountCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds.SavedAt = s.now()
	updated := cloneDataset(s.data)
	updated.Credentials[creds.AccountID] = creds
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

// GetCredentials returns the persisted credentials for an account.
func (s *Store) GetCredentials(accountID string) (AccountCredentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.data.Credentials[accountID]
	return creds, ok
}

// ClearFingerprint drops only the fingerprint for an account, keeping any
// still-valid tokens. Called when the carrier rejects the stored device.
func (s *Store) ClearFingerprint(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, ok := s.data.Credentials[accountID]
	if !ok {
		return nil
	}
	creds.Fingerprint = ""
	creds.ValidatedAt = time.Time{}

	updated := cloneDataset(s.data)
	updated.Credentials[accountID] = creds
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

// ClearTokens drops the persisted token set for an account, forcing the next
// login to run the full conversation.
func (s *Store) ClearTokens(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, ok := s.data.Credentials[accountID]
	if !ok {
		return nil
	}
	creds.Tokens = models.TokenSet{}

	updated := cloneDataset(s.data)
	updated.Credentials[accountID] = creds
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}
