package storage

import (
	"github.com/google/uuid"
	"github.com/xZoluGames/RechargeSystem/internal/models"
)

// HistoryFilter narrows a history read. Zero values match everything.
type HistoryFilter struct {
	// KeyPrefix limits results to records attributed to this truncated key.
	KeyPrefix string
	// Status limits results to one terminal status.
	Status models.RechargeStatus
	// Limit bounds the number of records returned; zero means no bound.
	Limit int
}

// HistoryStats aggregates the stored history for the admin surface.
type HistoryStats struct {
	Total       int   `json:"total"`
	Succeeded   int   `json:"succeeded"`
	Failed      int   `json:"failed"`
	Refunded    int   `json:"refunded"`
	TotalAmount int64 `json:"totalAmount"`
}

// AppendHistory records a recharge outcome. Records are kept newest first and
// the log is capped; the oldest entries fall off.
func (s *Store) AppendHistory(record models.RechargeRecord) (models.RechargeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}

	updated := cloneDataset(s.data)
	updated.History = append([]models.RechargeRecord{record}, updated.History...)
	if len(updated.History) > maxHistoryEntries {
		updated.History = updated.History[:maxHistoryEntries]
	}
	if err := s.persistDataset(updated); err != nil {
		return models.RechargeRecord{}, err
	}
	s.data = updated
	return record, nil
}

// ListHistory returns records newest first, filtered.
func (s *Store) ListHistory(filter HistoryFilter) []models.RechargeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]models.RechargeRecord, 0, len(s.data.History))
	for _, record := range s.data.History {
		if filter.KeyPrefix != "" && record.KeyPrefix != filter.KeyPrefix {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		records = append(records, record)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	return records
}

// HistoryTotals aggregates the full history.
func (s *Store) HistoryTotals() HistoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := HistoryStats{}
	for _, record := range s.data.History {
		stats.Total++
		switch record.Status {
		case models.RechargeSucceeded:
			stats.Succeeded++
			stats.TotalAmount += record.Amount
		case models.RechargeRefunded:
			stats.Refunded++
		default:
			stats.Failed++
		}
	}
	return stats
}
