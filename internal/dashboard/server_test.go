package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBalance struct {
	equity float64
	err    error
}

func (b stubBalance) GetAccountBalance(context.Context) (float64, error) { return b.equity, b.err }

func newTestServer(t *testing.T, store storage.Interface, token string) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("volume_rider_cycles_total 0\n"))
	})
	return NewServer(Config{Port: 0, AuthToken: token, ProfitTarget: decimal.NewFromInt(500)},
		store, stubBalance{equity: 1234.5}, metrics, logger)
}

func get(t *testing.T, s *Server, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func seededStore(t *testing.T) *storage.MockStorage {
	t.Helper()
	store := storage.NewMockStorage()
	state := models.NewSessionState(decimal.NewFromInt(1000))
	state.CumulativeProfit = decimal.NewFromInt(125)
	require.NoError(t, store.SaveSession(state))

	day := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.RecordCycle(models.CycleRecord{
			CycleID:     id,
			Outcome:     models.OutcomeSettled,
			Finished:    day.Add(time.Duration(i) * time.Hour),
			RealizedPnL: decimal.NewFromInt(10),
		}))
	}
	return store
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, storage.NewMockStorage(), "secret")
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, seededStore(t), "secret")

	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/session").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/session", "X-Auth-Token", "wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/session", "X-Auth-Token", "secret").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/session?token=secret").Code)
}

func TestSession(t *testing.T) {
	s := newTestServer(t, seededStore(t), "")
	rec := get(t, s, "/api/session")
	require.Equal(t, http.StatusOK, rec.Code)

	var view SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotNil(t, view.Session)
	assert.True(t, view.Session.CumulativeProfit.Equal(decimal.NewFromInt(125)))
	assert.InDelta(t, 25.0, view.TargetProgress, 1e-9)
	assert.Equal(t, 3, view.Statistics.TotalTrades)
	assert.False(t, view.OpenPosition)
}

func TestCycles_NewestFirstWithLimit(t *testing.T) {
	s := newTestServer(t, seededStore(t), "")

	rec := get(t, s, "/api/cycles?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var cycles []models.CycleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cycles))
	require.Len(t, cycles, 2)
	assert.Equal(t, "c3", cycles[0].CycleID)
	assert.Equal(t, "c2", cycles[1].CycleID)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/cycles?limit=zero").Code)
}

func TestPosition(t *testing.T) {
	store := storage.NewMockStorage()
	s := newTestServer(t, store, "")
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/position").Code)

	pos, err := models.NewPosition("p1", "c1", "F", decimal.NewFromInt(10), 5,
		decimal.NewFromInt(9), decimal.NewFromInt(11))
	require.NoError(t, err)
	require.NoError(t, store.SetOpenPosition(pos))

	rec := get(t, s, "/api/position")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"F"`)
}

func TestDaily(t *testing.T) {
	s := newTestServer(t, seededStore(t), "")
	rec := get(t, s, "/api/daily/2026-03-02")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pnl":"30"`)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/daily/yesterday").Code)
}

func TestAccountAndMetrics(t *testing.T) {
	s := newTestServer(t, storage.NewMockStorage(), "")
	rec := get(t, s, "/api/account")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1234.5")

	rec = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "volume_rider_cycles_total")
}

func TestAccount_BrokerDown(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewServer(Config{}, storage.NewMockStorage(), stubBalance{err: assert.AnError}, nil, logger)
	assert.Equal(t, http.StatusBadGateway, get(t, s, "/api/account").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/metrics").Code)
}

func TestDashboardPage(t *testing.T) {
	s := newTestServer(t, seededStore(t), "")
	rec := get(t, s, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Status: <b>running</b>")
	assert.Contains(t, rec.Body.String(), "$125.00 of $500.00")
}

func TestRun_StopsOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewServer(Config{Port: 0}, storage.NewMockStorage(), nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
