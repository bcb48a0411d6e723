package main

import (
	"context"
	"testing"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePositions struct {
	items []broker.PositionItem
	err   error
}

func (f *fakePositions) GetPositions(context.Context) ([]broker.PositionItem, error) {
	return f.items, f.err
}

func storedPosition(t *testing.T, store *storage.MockStorage, symbol string) {
	t.Helper()
	pos, err := models.NewPosition("pos-1", "cycle-1", symbol, d("10"), 100, d("9"), d("11"))
	require.NoError(t, err)
	require.NoError(t, store.SetOpenPosition(pos))
}

func TestReconciler_NoStoredPosition(t *testing.T) {
	store := storage.NewMockStorage()
	held := &fakePositions{items: []broker.PositionItem{{Symbol: "AAPL", Quantity: 5}}}

	assert.NoError(t, NewReconciler(held, store, nullLogger()).Check(context.Background()))
	assert.Nil(t, store.GetOpenPosition())
}

func TestReconciler_OrphanedPositionBlocksStart(t *testing.T) {
	store := storage.NewMockStorage()
	storedPosition(t, store, "F")
	held := &fakePositions{items: []broker.PositionItem{{Symbol: "f", Quantity: 100}}}

	err := NewReconciler(held, store, nullLogger()).Check(context.Background())
	require.ErrorIs(t, err, ErrOrphanedPosition)
	assert.Contains(t, err.Error(), "F x100")
	assert.NotNil(t, store.GetOpenPosition(), "orphaned record is kept")
}

func TestReconciler_StaleRecordCleared(t *testing.T) {
	store := storage.NewMockStorage()
	storedPosition(t, store, "F")
	held := &fakePositions{items: []broker.PositionItem{
		{Symbol: "AAPL", Quantity: 10},
		{Symbol: "F", Quantity: 0},
	}}

	require.NoError(t, NewReconciler(held, store, nullLogger()).Check(context.Background()))
	assert.Nil(t, store.GetOpenPosition())
}

func TestReconciler_ClearFailure(t *testing.T) {
	store := storage.NewMockStorage()
	storedPosition(t, store, "F")
	store.ClearPositionErr = assert.AnError

	err := NewReconciler(&fakePositions{}, store, nullLogger()).Check(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestReconciler_BrokerErrorReturned(t *testing.T) {
	store := storage.NewMockStorage()
	held := &fakePositions{err: broker.ErrBrokerUnavailable}

	err := NewReconciler(held, store, nullLogger()).Check(context.Background())
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
}
