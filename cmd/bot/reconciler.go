package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/sirupsen/logrus"
)

// ErrOrphanedPosition means the journal's open position is still held at the
// broker, so a previous run died or halted before its exit completed.
var ErrOrphanedPosition = errors.New("stored position still held at broker")

const positionsFetchTimeout = 8 * time.Second

type positionLister interface {
	GetPositions(ctx context.Context) ([]broker.PositionItem, error)
}

// Reconciler compares the journal with the broker before the first cycle
type Reconciler struct {
	broker  positionLister
	storage storage.Interface
	logger  logrus.FieldLogger
}

// NewReconciler creates a new position reconciler
func NewReconciler(b positionLister, store storage.Interface, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{broker: b, storage: store, logger: logger}
}

// Check refuses to start while a stored position is still held at the broker.
// A stored position the broker no longer holds was closed by hand and is cleared.
func (r *Reconciler) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()

	held, err := r.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker positions: %w", err)
	}

	stored := r.storage.GetOpenPosition()
	if stored == nil {
		for _, p := range held {
			r.logger.WithFields(logrus.Fields{
				"symbol":   p.Symbol,
				"quantity": p.Quantity,
			}).Info("Broker position not managed by this bot, ignoring")
		}
		return nil
	}

	log := r.logger.WithFields(logrus.Fields{
		"position_id": shortID(stored.ID),
		"symbol":      stored.Symbol,
		"state":       stored.State,
		"quantity":    stored.Quantity,
	})

	for _, p := range held {
		if strings.EqualFold(p.Symbol, stored.Symbol) && p.Quantity > 0 {
			log.WithField("broker_quantity", p.Quantity).Error("Stored position is still open at the broker")
			return fmt.Errorf("%w: %s x%g (state %s); close it manually, then restart",
				ErrOrphanedPosition, stored.Symbol, p.Quantity, stored.State)
		}
	}

	log.Warn("Stored position no longer held at broker, clearing stale record")
	if err := r.storage.ClearOpenPosition(); err != nil {
		return fmt.Errorf("clearing stale position: %w", err)
	}
	return nil
}
