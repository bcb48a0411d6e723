// Command integration runs pre-flight checks against the paper sandbox (or
// the simulator) before the bot is trusted with a session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/config"
	"github.com/eddiefleurent/volume_rider/internal/marketdata"
	"github.com/eddiefleurent/volume_rider/internal/mock"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/orders"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/eddiefleurent/volume_rider/internal/strategy"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
)

var errSkipped = errors.New("skipped")

type check struct {
	name string
	run  func(ctx context.Context) (string, error)
}

type harness struct {
	broker   broker.Broker
	provider *marketdata.BrokerProvider
	selector *strategy.Selector
	orders   *orders.Manager
	cfg      *config.Config
	logger   logrus.FieldLogger
	tempDir  string
	trade    bool

	picked strategy.Candidate
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	trade := flag.Bool("trade", false, "Also buy and sell one share of the selected symbol")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Environment.Mode == config.ModeLive {
		logrus.Fatal("Integration checks must run in paper or sim mode")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	tempDir, err := os.MkdirTemp("", "volume-rider-integration-")
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create temp dir")
	}
	defer os.RemoveAll(tempDir)

	h := newHarness(cfg, newBroker(cfg), logger, tempDir, *trade)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	checks := h.checks()
	if passed := runChecks(ctx, checks, os.Stdout); passed < len(checks) {
		os.Exit(1)
	}
}

func newBroker(cfg *config.Config) broker.Broker {
	if cfg.IsSimulation() {
		return mock.NewSimBroker(cfg.Trading.InitialPot, 0.002)
	}
	api := broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID, true, cfg.Broker.APIEndpoint).
		WithTimeout(cfg.GetBrokerTimeout())
	return broker.NewTradierClientWithAPI(api)
}

func newHarness(cfg *config.Config, b broker.Broker, logger logrus.FieldLogger, tempDir string, trade bool) *harness {
	universe := cfg.Trading.Universe
	if sim, ok := b.(*mock.SimBroker); ok && len(universe) == 0 {
		universe = sim.Symbols()
	}
	minPrice, maxPrice := cfg.PriceBand()
	provider := marketdata.NewBrokerProvider(b, universe)
	return &harness{
		broker:   b,
		provider: provider,
		selector: strategy.NewSelector(provider, minPrice, maxPrice, logger),
		orders: orders.NewManager(b, logger, orders.Config{
			PollInterval: time.Second,
			Timeout:      cfg.GetFillTimeout(),
			CallTimeout:  cfg.GetBrokerTimeout(),
		}),
		cfg:     cfg,
		logger:  logger,
		tempDir: tempDir,
		trade:   trade,
	}
}

func (h *harness) checks() []check {
	return []check{
		{"Broker connectivity", h.checkConnectivity},
		{"Market clock", h.checkMarketClock},
		{"Market data ranking", h.checkMarketData},
		{"Symbol selection and sizing", h.checkSelection},
		{"Session storage", h.checkStorage},
		{"Order round trip", h.checkRoundTrip},
	}
}

func (h *harness) checkConnectivity(ctx context.Context) (string, error) {
	balance, err := h.broker.GetAccountBalance(ctx)
	if err != nil {
		return "", err
	}
	if balance <= 0 {
		return "", fmt.Errorf("account equity is $%.2f", balance)
	}
	buyingPower, err := h.broker.GetStockBuyingPower(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("equity $%.2f, buying power $%.2f", balance, buyingPower), nil
}

// checkMarketClock only reports the session state; a closed market is not a failure.
func (h *harness) checkMarketClock(ctx context.Context) (string, error) {
	clock, err := h.broker.GetMarketClock(ctx)
	if err != nil {
		return "", err
	}
	detail := clock.Clock.State
	if clock.Clock.NextState != "" {
		detail += fmt.Sprintf(", %s at %s", clock.Clock.NextState, clock.Clock.NextChange)
	}
	return detail, nil
}

func (h *harness) checkMarketData(ctx context.Context) (string, error) {
	ranked, err := h.provider.RankedSymbolsByVolume(ctx)
	if err != nil {
		return "", err
	}
	if len(ranked) == 0 {
		return "", errors.New("no symbols ranked")
	}
	top := ranked[0]
	for _, sv := range ranked[1:] {
		if sv.Volume > top.Volume {
			top = sv
		}
	}
	price, err := h.provider.CurrentQuote(ctx, top.Symbol)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d ranked, top %s (%d) @ $%s", len(ranked), top.Symbol, top.Volume, price.StringFixed(2)), nil
}

func (h *harness) checkSelection(ctx context.Context) (string, error) {
	c, err := h.selector.Select(ctx)
	if err != nil {
		return "", err
	}
	qty, err := strategy.SizePosition(h.cfg.InitialPot(), c.Price)
	if err != nil {
		return "", err
	}
	policy := strategy.ExitPolicy{StopLossPct: h.cfg.StopLossPct(), TakeProfitPct: h.cfg.TakeProfitPct()}
	sl, tp := policy.Thresholds(c.Price)
	h.picked = c
	return fmt.Sprintf("%s x%d @ $%s (SL $%s / TP $%s)",
		c.Symbol, qty, c.Price.StringFixed(2), sl.StringFixed(2), tp.StringFixed(2)), nil
}

func (h *harness) checkStorage(context.Context) (string, error) {
	path := filepath.Join(h.tempDir, "session.json")
	if h.cfg.Storage.Backend == "badger" {
		path = filepath.Join(h.tempDir, "badger")
	}
	store, err := storage.NewStorage(h.cfg.Storage.Backend, path, h.logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	want := models.NewSessionState(h.cfg.InitialPot())
	if err := store.SaveSession(want); err != nil {
		return "", err
	}
	got, err := store.LoadSession()
	if err != nil {
		return "", err
	}
	if got == nil || !got.Capital.Equal(want.Capital) {
		return "", errors.New("stored session did not round-trip")
	}
	return h.cfg.Storage.Backend + " backend ok", nil
}

func (h *harness) checkRoundTrip(ctx context.Context) (string, error) {
	if !h.trade {
		return "pass -trade to enable", errSkipped
	}
	if h.picked.Symbol == "" {
		return "", errors.New("no symbol selected")
	}
	buy, err := h.orders.PlaceOrder(ctx, broker.SideBuy, h.picked.Symbol, 1)
	if err != nil {
		return "", fmt.Errorf("buy: %w", err)
	}
	sell, err := h.orders.PlaceOrder(ctx, broker.SideSell, h.picked.Symbol, buy.Quantity)
	if err != nil {
		return "", fmt.Errorf("sell (1 share of %s may still be held): %w", h.picked.Symbol, err)
	}
	return fmt.Sprintf("bought @ $%s, sold @ $%s", buy.Price.StringFixed(2), sell.Price.StringFixed(2)), nil
}

// runChecks runs every check in order and prints a result table. Skipped
// checks count as passed.
func runChecks(ctx context.Context, checks []check, w io.Writer) int {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Integration checks")
	t.AppendHeader(table.Row{"#", "Check", "Result", "Detail"})

	passed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		result := "PASS"
		switch {
		case errors.Is(err, errSkipped):
			result = "SKIP"
			passed++
		case err != nil:
			result = "FAIL"
			detail = err.Error()
		default:
			passed++
		}
		t.AppendRow(table.Row{i + 1, c.name, result, detail})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d", passed, len(checks)), ""})
	t.Render()
	return passed
}
