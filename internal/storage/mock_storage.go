package storage

import (
	"sync"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/shopspring/decimal"
)

// MockStorage is an in-memory Interface for tests and dry runs. Set the
// error fields to make the matching calls fail.
type MockStorage struct {
	mu sync.Mutex

	SaveSessionErr   error
	SetPositionErr   error
	RecordCycleErr   error
	ClearPositionErr error

	session      *models.SessionState
	openPosition *models.Position
	history      []models.CycleRecord
	statistics   Statistics
	dailyPnL     map[string]decimal.Decimal

	saveSessionCalls int
	setPositionCalls int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{dailyPnL: make(map[string]decimal.Decimal)}
}

func (m *MockStorage) SaveSession(state models.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveSessionCalls++
	if m.SaveSessionErr != nil {
		return m.SaveSessionErr
	}
	m.session = &state
	return nil
}

func (m *MockStorage) LoadSession() (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	s := *m.session
	return &s, nil
}

func (m *MockStorage) GetOpenPosition() *models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openPosition.Copy()
}

func (m *MockStorage) SetOpenPosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPositionCalls++
	if pos == nil {
		return ErrNilPosition
	}
	if m.SetPositionErr != nil {
		return m.SetPositionErr
	}
	m.openPosition = pos.Copy()
	return nil
}

func (m *MockStorage) ClearOpenPosition() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClearPositionErr != nil {
		return m.ClearPositionErr
	}
	m.openPosition = nil
	return nil
}

func (m *MockStorage) RecordCycle(rec models.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordCycleErr != nil {
		return m.RecordCycleErr
	}
	m.history = append(m.history, rec)
	m.statistics.apply(rec)
	if rec.Outcome == models.OutcomeSettled {
		day := dayKey(rec)
		m.dailyPnL[day] = m.dailyPnL[day].Add(rec.RealizedPnL)
	}
	return nil
}

func (m *MockStorage) GetHistory() []models.CycleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CycleRecord, len(m.history))
	copy(out, m.history)
	return out
}

func (m *MockStorage) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statistics
}

func (m *MockStorage) GetDailyPnL(date string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[date]
}

func (m *MockStorage) Close() error { return nil }

// SaveSessionCalls reports how many times SaveSession was called
func (m *MockStorage) SaveSessionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveSessionCalls
}

// SetPositionCalls reports how many times SetOpenPosition was called
func (m *MockStorage) SetPositionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setPositionCalls
}
