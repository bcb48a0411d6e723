package storage

import (
	"fmt"
	"strings"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Interface defines the contract for session journal persistence.
//
// Implementations must be safe for concurrent use: the session loop writes
// while the dashboard reads. Getters return copies.
type Interface interface {
	// Session aggregate
	SaveSession(state models.SessionState) error
	LoadSession() (*models.SessionState, error)

	// Open position (at most one)
	GetOpenPosition() *models.Position
	SetOpenPosition(pos *models.Position) error
	ClearOpenPosition() error

	// Cycle history and analytics
	RecordCycle(rec models.CycleRecord) error
	GetHistory() []models.CycleRecord
	GetStatistics() Statistics
	GetDailyPnL(date string) decimal.Decimal

	Close() error
}

// Backend names accepted by NewStorage
const (
	BackendJSON   = "json"
	BackendBadger = "badger"
)

// NewStorage opens the configured backend at path
func NewStorage(backend, path string, logger logrus.FieldLogger) (Interface, error) {
	switch strings.ToLower(backend) {
	case "", BackendJSON:
		return NewJSONStorage(path)
	case BackendBadger:
		return NewBadgerStorage(path, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*BadgerStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
