package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/config"
	"github.com/eddiefleurent/volume_rider/internal/dashboard"
	"github.com/eddiefleurent/volume_rider/internal/logging"
	"github.com/eddiefleurent/volume_rider/internal/marketdata"
	"github.com/eddiefleurent/volume_rider/internal/metrics"
	"github.com/eddiefleurent/volume_rider/internal/mock"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/orders"
	"github.com/eddiefleurent/volume_rider/internal/report"
	"github.com/eddiefleurent/volume_rider/internal/retry"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/eddiefleurent/volume_rider/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK         = 0
	exitStartup    = 1
	exitUnresolved = 2

	simVolatility  = 0.002
	liveGracePause = 10 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("volume_rider", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envFile := fs.String("env", ".env", "Optional dotenv file loaded before the config")
	resume := fs.Bool("resume", false, "Continue the stored session instead of starting from the initial pot")
	if err := fs.Parse(args); err != nil {
		return exitStartup
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		logrus.WithError(err).Error("Failed to load dotenv file")
		return exitStartup
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Error("Failed to load config")
		return exitStartup
	}

	logOpts := logging.DefaultOptions()
	logOpts.Level = cfg.Environment.LogLevel
	logOpts.File = cfg.Environment.LogFile
	logger, logCloser, err := logging.New(logOpts)
	if err != nil {
		logrus.WithError(err).Error("Failed to set up logging")
		return exitStartup
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	final, err := runBot(ctx, cfg, *resume, logger, stdout)
	if err != nil {
		logger.WithError(err).Error("Bot failed to start")
		return exitStartup
	}
	if final.Status == models.SessionUnresolved {
		return exitUnresolved
	}
	return exitOK
}

// runBot wires every component, runs the session, and prints the report
func runBot(ctx context.Context, cfg *config.Config, resume bool, logger *logrus.Logger,
	stdout io.Writer) (models.SessionState, error) {
	log := logger.WithField("mode", cfg.Environment.Mode)
	log.Info("Starting volume rider")

	switch {
	case cfg.IsSimulation():
		log.Info("SIMULATION MODE - in-process market, no broker connection")
	case cfg.IsPaperTrading():
		log.Info("PAPER TRADING MODE - No real money at risk")
	default:
		log.Warnf("LIVE TRADING MODE - Real money at risk! Starting in %v", liveGracePause)
		if err := sleepCtx(ctx, liveGracePause); err != nil {
			return models.SessionState{Status: models.SessionStopped}, nil
		}
	}

	m := metrics.New()

	rawBroker, universe := newBroker(cfg)
	settings := broker.DefaultCircuitBreakerSettings()
	settings.OnStateChange = m.BreakerStateChanged
	b := broker.NewCircuitBreakerBrokerWithSettings(rawBroker, settings)

	store, err := storage.NewStorage(cfg.Storage.Backend, cfg.Storage.Path, logger)
	if err != nil {
		return models.SessionState{}, fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close storage")
		}
	}()

	if err := checkAccount(ctx, b, cfg.InitialPot(), cfg.GetBrokerTimeout(), log); err != nil {
		return models.SessionState{}, err
	}
	if err := NewReconciler(b, store, logger).Check(ctx); err != nil {
		return models.SessionState{}, err
	}

	session := newSession(cfg, b, universe, store, m, logger)
	state := initialState(store, cfg.InitialPot(), resume, log)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	var final models.SessionState
	g.Go(func() error {
		defer cancelRun()
		final = session.Run(gctx, state)
		return nil
	})

	if cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(dashboard.Config{
			Port:         cfg.Dashboard.Port,
			AuthToken:    cfg.Dashboard.AuthToken,
			ProfitTarget: cfg.ProfitTarget(),
		}, store, b, m.Handler(), logger)
		g.Go(func() error { return dash.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Background service failed")
	}

	if err := report.Write(stdout, report.Summary{
		State:        final,
		Statistics:   store.GetStatistics(),
		History:      store.GetHistory(),
		ProfitTarget: cfg.ProfitTarget(),
		OpenPosition: store.GetOpenPosition(),
	}); err != nil {
		log.WithError(err).Warn("Failed to write session report")
	}
	return final, nil
}

// newBroker returns the raw broker for the mode and the symbol universe to rank
func newBroker(cfg *config.Config) (broker.Broker, []string) {
	if cfg.IsSimulation() {
		sim := mock.NewSimBroker(cfg.Trading.InitialPot, simVolatility)
		universe := cfg.Trading.Universe
		if len(universe) == 0 {
			universe = sim.Symbols()
		}
		return sim, universe
	}

	api := broker.NewTradierAPIWithBaseURL(
		cfg.Broker.APIKey,
		cfg.Broker.AccountID,
		cfg.IsPaperTrading(),
		cfg.Broker.APIEndpoint,
	).WithTimeout(cfg.GetBrokerTimeout())
	return broker.NewTradierClientWithAPI(api), cfg.Trading.Universe
}

func newSession(cfg *config.Config, b broker.Broker, universe []string, store storage.Interface,
	m *metrics.Metrics, logger *logrus.Logger) *Session {
	minPrice, maxPrice := cfg.PriceBand()
	provider := marketdata.NewBrokerProvider(b, universe)
	selector := strategy.NewSelector(provider, minPrice, maxPrice, logger)

	orderManager := orders.NewManager(b, logger, orders.Config{
		PollInterval: 2 * time.Second,
		Timeout:      cfg.GetFillTimeout(),
		CallTimeout:  cfg.GetBrokerTimeout(),
	}).WithObserver(m)

	exitClient := retry.NewClient(orderManager, logger, retry.Config{
		MaxRetries:     cfg.Risk.ExitRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        cfg.GetCloseOutTimeout(),
	}).WithHoldings(b)

	policy := strategy.ExitPolicy{
		StopLossPct:   cfg.StopLossPct(),
		TakeProfitPct: cfg.TakeProfitPct(),
	}

	cycle := NewTradingCycle(selector, provider, orderManager, exitClient, policy, store, logger, CycleConfig{
		CheckInterval:   cfg.GetCheckInterval(),
		QuoteTimeout:    cfg.GetBrokerTimeout(),
		CloseOutTimeout: cfg.GetCloseOutTimeout(),
		MaxMissedPolls:  cfg.Risk.MaxMissedPolls,
		QuoteRetry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}).WithMetrics(m)

	hours := NewMarketHours(b, cfg.IsWithinTradingHours, cfg.Schedule.Enabled, cfg.GetBrokerTimeout(), logger)

	return NewSession(cycle, store, logger, SessionConfig{
		ProfitTarget:         cfg.ProfitTarget(),
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		TradeInterval:        cfg.GetTradeInterval(),
		NoOpBackoff:          cfg.GetNoOpBackoff(),
		InTradingHours:       hours.Open,
	}).WithMetrics(m)
}

// checkAccount fails when the broker is unreachable and warns when the
// account cannot currently buy the configured pot's worth of shares.
func checkAccount(ctx context.Context, b broker.Broker, pot decimal.Decimal, timeout time.Duration,
	log logrus.FieldLogger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	equity, err := b.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	eq := decimal.NewFromFloat(equity)

	buyingPower, err := b.GetStockBuyingPower(ctx)
	if err != nil {
		log.WithError(err).WithField("equity", eq.StringFixed(2)).
			Warn("Connected to broker but could not read stock buying power")
		return nil
	}
	bp := decimal.NewFromFloat(buyingPower)

	log.WithFields(logrus.Fields{
		"equity":       eq.StringFixed(2),
		"buying_power": bp.StringFixed(2),
	}).Info("Connected to broker")
	if bp.LessThan(pot) {
		log.WithFields(logrus.Fields{
			"buying_power": bp.StringFixed(2),
			"initial_pot":  pot.StringFixed(2),
		}).Warn("Stock buying power is below the initial pot; entries may be rejected for insufficient funds")
	}
	return nil
}

// initialState starts from the pot, or continues a stored session when resume
// is set and that session did not already finish on its own terms.
func initialState(store storage.Interface, pot decimal.Decimal, resume bool, log logrus.FieldLogger) models.SessionState {
	fresh := models.NewSessionState(pot)
	if !resume {
		return fresh
	}

	prev, err := store.LoadSession()
	if err != nil {
		log.WithError(err).Warn("Could not load stored session, starting fresh")
		return fresh
	}
	if prev == nil {
		log.Info("No stored session, starting fresh")
		return fresh
	}

	switch prev.Status {
	case models.SessionTargetReached, models.SessionCircuitBreaker:
		log.WithField("status", prev.Status).Info("Stored session already finished, starting fresh")
		return fresh
	}

	log.WithFields(logrus.Fields{
		"previous_status":   prev.Status,
		"capital":           prev.Capital.StringFixed(2),
		"cumulative_profit": prev.CumulativeProfit.StringFixed(2),
	}).Info("Resuming stored session")
	prev.Status = models.SessionRunning
	return *prev
}
