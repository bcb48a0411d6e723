// Package storage persists the session journal: session state, the open
// position, cycle history and derived statistics.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/shopspring/decimal"
)

// JSONStorage keeps the journal in one JSON file, rewritten atomically on every change
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *StorageData
}

// StorageData is the on-disk layout of the JSON journal
type StorageData struct {
	LastUpdated  time.Time                  `json:"last_updated"`
	Session      *models.SessionState       `json:"session,omitempty"`
	OpenPosition *models.Position           `json:"open_position,omitempty"`
	DailyPnL     map[string]decimal.Decimal `json:"daily_pnl"`
	Statistics   Statistics                 `json:"statistics"`
	History      []models.CycleRecord       `json:"history"`
}

func newStorageData() *StorageData {
	return &StorageData{DailyPnL: make(map[string]decimal.Decimal)}
}

// NewJSONStorage opens path, loading existing data if the file exists
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     newStorageData(),
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking storage file: %w", err)
	}

	return s, nil
}

// Load replaces the in-memory journal with the file contents
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	data := newStorageData()
	if err := json.Unmarshal(raw, data); err != nil {
		return err
	}
	if data.DailyPnL == nil {
		data.DailyPnL = make(map[string]decimal.Decimal)
	}
	s.data = data
	return nil
}

// saveLocked writes the journal; callers hold s.mu
func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// SaveSession persists the session aggregate
func (s *JSONStorage) SaveSession(state models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Session = &state
	return s.saveLocked()
}

// LoadSession returns the stored session, or nil if none was saved
func (s *JSONStorage) LoadSession() (*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Session == nil {
		return nil, nil
	}
	state := *s.data.Session
	return &state, nil
}

// GetOpenPosition returns a copy of the open position, or nil
func (s *JSONStorage) GetOpenPosition() *models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.OpenPosition.Copy()
}

// SetOpenPosition stores pos as the open position
func (s *JSONStorage) SetOpenPosition(pos *models.Position) error {
	if pos == nil {
		return ErrNilPosition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.OpenPosition = pos.Copy()
	return s.saveLocked()
}

// ClearOpenPosition forgets the open position
func (s *JSONStorage) ClearOpenPosition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.OpenPosition == nil {
		return nil
	}
	s.data.OpenPosition = nil
	return s.saveLocked()
}

// RecordCycle appends a finished cycle and updates statistics and daily P&L
func (s *JSONStorage) RecordCycle(rec models.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.History = append(s.data.History, rec)
	s.data.Statistics.apply(rec)
	if rec.Outcome == models.OutcomeSettled {
		day := dayKey(rec)
		s.data.DailyPnL[day] = s.data.DailyPnL[day].Add(rec.RealizedPnL)
	}
	return s.saveLocked()
}

// GetHistory returns all recorded cycles, oldest first
func (s *JSONStorage) GetHistory() []models.CycleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CycleRecord, len(s.data.History))
	copy(out, s.data.History)
	return out
}

// GetStatistics returns a snapshot of the statistics
func (s *JSONStorage) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Statistics
}

// GetDailyPnL returns realized P&L for date (YYYY-MM-DD)
func (s *JSONStorage) GetDailyPnL(date string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

// Close is a no-op; every write is already on disk
func (s *JSONStorage) Close() error {
	return nil
}
