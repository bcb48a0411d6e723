package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	keySession  = []byte("session")
	keyPosition = []byte("position/open")
	keyStats    = []byte("stats")
	prefixCycle = []byte("cycle/")
	prefixDaily = []byte("daily/")
)

// BadgerStorage keeps the journal in an embedded Badger key-value store.
// Cycles are keyed by finish time so prefix iteration returns them in order.
type BadgerStorage struct {
	db *badger.DB
}

// badgerLogger routes Badger's internal logging through logrus, one level down for info
type badgerLogger struct {
	logrus.FieldLogger
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.FieldLogger.Debugf(format, args...)
}

// NewBadgerStorage opens (or creates) a Badger store in dir. An empty dir
// opens an in-memory store.
func NewBadgerStorage(dir string, logger logrus.FieldLogger) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.WithField("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store %q: %w", dir, err)
	}
	return &BadgerStorage{db: db}, nil
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func cycleKey(rec models.CycleRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixCycle, rec.Finished.UnixNano(), rec.CycleID))
}

// SaveSession persists the session aggregate
func (b *BadgerStorage) SaveSession(state models.SessionState) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, keySession, state)
	})
}

// LoadSession returns the stored session, or nil if none was saved
func (b *BadgerStorage) LoadSession() (*models.SessionState, error) {
	var state models.SessionState
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, keySession, &state)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// GetOpenPosition returns the open position, or nil
func (b *BadgerStorage) GetOpenPosition() *models.Position {
	var pos models.Position
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, keyPosition, &pos)
		return err
	})
	if err != nil {
		logrus.WithError(err).Warn("Reading open position from badger failed")
		return nil
	}
	if !found {
		return nil
	}
	return &pos
}

// SetOpenPosition stores pos as the open position
func (b *BadgerStorage) SetOpenPosition(pos *models.Position) error {
	if pos == nil {
		return ErrNilPosition
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, keyPosition, pos.Copy())
	})
}

// ClearOpenPosition forgets the open position
func (b *BadgerStorage) ClearOpenPosition() error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyPosition)
	})
}

// RecordCycle appends a finished cycle and updates statistics and daily P&L in one transaction
func (b *BadgerStorage) RecordCycle(rec models.CycleRecord) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, cycleKey(rec), rec); err != nil {
			return err
		}

		var stats Statistics
		if _, err := getJSON(txn, keyStats, &stats); err != nil {
			return err
		}
		stats.apply(rec)
		if err := setJSON(txn, keyStats, stats); err != nil {
			return err
		}

		if rec.Outcome != models.OutcomeSettled {
			return nil
		}
		key := append(append([]byte{}, prefixDaily...), dayKey(rec)...)
		var day decimal.Decimal
		if _, err := getJSON(txn, key, &day); err != nil {
			return err
		}
		return setJSON(txn, key, day.Add(rec.RealizedPnL))
	})
}

// GetHistory returns all recorded cycles, oldest first
func (b *BadgerStorage) GetHistory() []models.CycleRecord {
	var out []models.CycleRecord
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefixCycle); it.ValidForPrefix(prefixCycle); it.Next() {
			var rec models.CycleRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		logrus.WithError(err).Warn("Reading cycle history from badger failed")
	}
	return out
}

// GetStatistics returns the statistics snapshot
func (b *BadgerStorage) GetStatistics() Statistics {
	var stats Statistics
	if err := b.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, keyStats, &stats)
		return err
	}); err != nil {
		logrus.WithError(err).Warn("Reading statistics from badger failed")
	}
	return stats
}

// GetDailyPnL returns realized P&L for date (YYYY-MM-DD)
func (b *BadgerStorage) GetDailyPnL(date string) decimal.Decimal {
	var day decimal.Decimal
	key := append(append([]byte{}, prefixDaily...), date...)
	if err := b.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, key, &day)
		return err
	}); err != nil {
		logrus.WithError(err).Warn("Reading daily P&L from badger failed")
	}
	return day
}

// Close flushes and closes the store
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}
