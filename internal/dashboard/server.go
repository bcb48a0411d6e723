// Package dashboard serves a read-only HTTP view of the running session.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultCycleLimit = 50

// BalanceSource reports account equity; broker.Broker satisfies it
type BalanceSource interface {
	GetAccountBalance(ctx context.Context) (float64, error)
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	balance   BalanceSource
	metrics   http.Handler
	logger    logrus.FieldLogger
	port      int
	authToken string
	target    decimal.Decimal
}

type Config struct {
	Port         int
	AuthToken    string
	ProfitTarget decimal.Decimal
}

// SessionView is the /api/session payload
type SessionView struct {
	Session        *models.SessionState `json:"session"`
	Statistics     storage.Statistics   `json:"statistics"`
	ProfitTarget   decimal.Decimal      `json:"profit_target"`
	TargetProgress float64              `json:"target_progress_pct"`
	OpenPosition   bool                 `json:"open_position"`
	LastUpdate     time.Time            `json:"last_update"`
}

// NewServer wires routes. balance and metrics may be nil; their routes are then omitted.
func NewServer(cfg Config, store storage.Interface, balance BalanceSource, metrics http.Handler,
	logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		balance:   balance,
		metrics:   metrics,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		target:    cfg.ProfitTarget,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/", s.handleDashboard)
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/session", s.handleGetSession)
		r.Get("/cycles", s.handleGetCycles)
		r.Get("/position", s.handleGetPosition)
		r.Get("/daily/{date}", s.handleGetDaily)
		if s.balance != nil {
			r.Get("/account", s.handleGetAccount)
		}
	})
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Dashboard request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting dashboard server on port %d", s.port)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) sessionView() (SessionView, error) {
	session, err := s.storage.LoadSession()
	if err != nil {
		return SessionView{}, err
	}
	view := SessionView{
		Session:      session,
		Statistics:   s.storage.GetStatistics(),
		ProfitTarget: s.target,
		OpenPosition: s.storage.GetOpenPosition() != nil,
		LastUpdate:   time.Now().UTC(),
	}
	if session != nil && s.target.IsPositive() {
		view.TargetProgress = session.CumulativeProfit.Div(s.target).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return view, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessionView()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleGetCycles returns the newest cycles first; ?limit= caps the count
func (s *Server) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := defaultCycleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history := s.storage.GetHistory()
	out := make([]models.CycleRecord, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos := s.storage.GetOpenPosition()
	if pos == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleGetDaily(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"date": date,
		"pnl":  s.storage.GetDailyPnL(date),
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	equity, err := s.balance.GetAccountBalance(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to get account balance")
		http.Error(w, "Broker Unavailable", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"total_equity": equity})
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><meta http-equiv="refresh" content="30"><title>volume_rider</title></head>
<body>
<h1>volume_rider</h1>
{{if .Session}}
<p>Status: <b>{{.Session.Status}}</b> | Capital: ${{.Session.Capital.StringFixed 2}} |
Profit: ${{.Session.CumulativeProfit.StringFixed 2}} of ${{.ProfitTarget.StringFixed 2}} ({{printf "%.1f" .TargetProgress}}%) |
Loss streak: {{.Session.ConsecutiveLosses}}</p>
{{else}}
<p>No session recorded yet.</p>
{{end}}
<p>Trades: {{.Statistics.TotalTrades}} | Win rate: {{printf "%.1f" .WinRatePct}}% | Open position: {{.OpenPosition}}</p>
<p><small>Updated {{.LastUpdate.Format "2006-01-02 15:04:05"}} UTC</small></p>
</body>
</html>`))

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessionView()
	if err != nil {
		s.logger.WithError(err).Error("Failed to get dashboard data")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	data := struct {
		SessionView
		WinRatePct float64
	}{view, view.Statistics.WinRate * 100}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("Failed to execute dashboard template")
	}
}
