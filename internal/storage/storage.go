package storage

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

var (
	ErrKeyNotFound         = errors.New("api key not found")
	ErrKeyInactive         = errors.New("api key deactivated")
	ErrKeyExpired          = errors.New("api key expired")
	ErrInsufficientBalance = errors.New("insufficient key balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// maxHistoryEntries bounds the persisted history; older entries fall off the
// tail.
const maxHistoryEntries = 10000

// AccountCredentials is everything persisted per carrier account: the device
// fingerprint the carrier trusts and the last token set obtained with it.
type AccountCredentials struct {
	AccountID   string          `json:"accountId"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	ValidatedAt time.Time       `json:"validatedAt,omitempty"`
	Tokens      models.TokenSet `json:"tokens"`
	AccountName string          `json:"accountName,omitempty"`
	SavedAt     time.Time       `json:"savedAt"`
}

type dataset struct {
	Keys        map[string]models.APIKey      `json:"keys"`
	Credentials map[string]AccountCredentials `json:"credentials"`
	History     []models.RechargeRecord       `json:"history"`
}

func newDataset() dataset {
	return dataset{
		Keys:        make(map[string]models.APIKey),
		Credentials: make(map[string]AccountCredentials),
	}
}

// Store is the JSON-document datastore backing the single-replica deployment.
// All mutations clone the dataset, persist the clone atomically, and only
// then swap it in, so a failed write never leaves partial state behind.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// StoreOption mutates store configuration.
type StoreOption func(*Store)

// WithStoreClock overrides the time source, used by tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore opens (or creates) the JSON store at path.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	store := &Store{filePath: path, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Store) ensureDatasetInitializedLocked() {
	if s.data.Keys == nil {
		s.data.Keys = make(map[string]models.APIKey)
	}
	if s.data.Credentials == nil {
		s.data.Credentials = make(map[string]AccountCredentials)
	}
}

func (s *Store) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for key, value := range src.Keys {
		clone.Keys[key] = value
	}
	for id, creds := range src.Credentials {
		clone.Credentials[id] = creds
	}
	if src.History != nil {
		clone.History = append([]models.RechargeRecord(nil), src.History...)
	}
	return clone
}

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateKey builds a 16 character spending key over A-Z0-9.
func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(out), nil
}
